package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/emperorhan/cellsync/internal/domain/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultChannel = "cellsync:sync_state"
	// snapshotTTL keeps a stale snapshot from outliving a crashed engine.
	snapshotTTL = 10 * time.Minute
)

type client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// SyncMirror copies every published SyncState to a Redis channel and keeps
// the latest one under a key, so processes other than the engine can
// observe progress without reaching into it.
type SyncMirror struct {
	client  client
	channel string
	key     string
}

func NewSyncMirror(ctx context.Context, url, channel string) (*SyncMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newSyncMirror(c, channel), nil
}

func newSyncMirror(c client, channel string) *SyncMirror {
	if channel == "" {
		channel = DefaultChannel
	}
	return &SyncMirror{client: c, channel: channel, key: channel + ":latest"}
}

func (m *SyncMirror) Channel() string {
	return m.channel
}

// Mirror publishes state and stores it as the latest snapshot.
func (m *SyncMirror) Mirror(ctx context.Context, state model.SyncState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := m.client.Set(ctx, m.key, payload, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("store sync state: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish sync state: %w", err)
	}
	return nil
}

func (m *SyncMirror) Close() error {
	return m.client.Close()
}
