// Package syncstate aggregates per-script progress and the indexer tip
// into one SyncState and pushes changes to subscribers.
package syncstate

import (
	"context"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/metrics"
)

const (
	defaultRateWindow = time.Minute
	DefaultDebounce   = 250 * time.Millisecond
)

// Sink receives every published state, e.g. a Redis mirror.
type Sink interface {
	Mirror(ctx context.Context, s model.SyncState) error
}

type Config struct {
	// RateWindow is the trailing window rates are measured over.
	RateWindow time.Duration
	// Debounce coalesces bursts of updates into one publish.
	Debounce time.Duration
}

type Publisher struct {
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time
	sinks  []Sink

	mu         sync.Mutex
	indexerTip int64
	nodeTip    int64
	tipKnown   bool
	scripts    map[string]model.ScriptProgress
	indexRate  *rateWindow
	cacheRate  *rateWindow
	lastCache  int64
	published  *model.SyncState

	subMu  sync.Mutex
	subs   map[int]chan model.SyncState
	nextID int

	kick chan struct{}
}

func New(cfg Config, logger *slog.Logger, sinks ...Sink) *Publisher {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	return &Publisher{
		cfg:       cfg,
		logger:    logger.With("component", "sync_state"),
		nowFn:     time.Now,
		sinks:     sinks,
		scripts:   make(map[string]model.ScriptProgress),
		indexRate: newRateWindow(cfg.RateWindow),
		cacheRate: newRateWindow(cfg.RateWindow),
		lastCache: -1,
		subs:      make(map[int]chan model.SyncState),
		kick:      make(chan struct{}, 1),
	}
}

// SetIndexerTip records the remote indexer's height.
func (p *Publisher) SetIndexerTip(n int64) {
	p.mu.Lock()
	now := p.nowFn()
	if p.tipKnown && n < p.indexerTip {
		p.indexRate.reset()
	}
	p.indexerTip = n
	p.tipKnown = true
	p.indexRate.add(now, n)
	p.mu.Unlock()
	p.signal()
}

// SetNodeTip records the node's best block. It only feeds reporting; the
// synced flag and estimate follow the indexer tip.
func (p *Publisher) SetNodeTip(n int64) {
	p.mu.Lock()
	p.nodeTip = n
	p.mu.Unlock()
	p.signal()
}

// ScriptProgressed implements reconciler.Observer.
func (p *Publisher) ScriptProgressed(sp model.ScriptProgress) {
	p.mu.Lock()
	p.scripts[sp.ScriptID] = sp
	p.sampleCacheLocked()
	p.mu.Unlock()
	p.signal()
}

// ScriptRemoved implements reconciler.Observer.
func (p *Publisher) ScriptRemoved(scriptID string) {
	p.mu.Lock()
	delete(p.scripts, scriptID)
	p.sampleCacheLocked()
	p.mu.Unlock()
	p.signal()
}

func (p *Publisher) sampleCacheLocked() {
	tip := p.cacheTipLocked()
	if tip < p.lastCache {
		p.cacheRate.reset()
	}
	p.lastCache = tip
	p.cacheRate.add(p.nowFn(), tip)
}

// cacheTipLocked is the lowest cursor over tracked scripts. Without any
// script the cache is trivially at the indexer tip.
func (p *Publisher) cacheTipLocked() int64 {
	if len(p.scripts) == 0 {
		return p.indexerTip
	}
	low := int64(math.MaxInt64)
	for _, sp := range p.scripts {
		if sp.CursorBlockNumber < low {
			low = sp.CursorBlockNumber
		}
	}
	return low
}

// Current computes the state as of now without publishing it.
func (p *Publisher) Current() model.SyncState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.computeLocked(p.nowFn())
}

func (p *Publisher) computeLocked(now time.Time) model.SyncState {
	s := model.SyncState{
		Timestamp:        now,
		NodeTipNumber:    p.nodeTip,
		IndexerTipNumber: p.indexerTip,
		CacheTipNumber:   p.cacheTipLocked(),
		IndexRate:        p.indexRate.rate(now),
		CacheRate:        p.cacheRate.rate(now),
		Scripts:          make([]model.ScriptProgress, 0, len(p.scripts)),
	}

	stalled := false
	for _, sp := range p.scripts {
		s.Scripts = append(s.Scripts, sp)
		if sp.State == model.ScriptStateStalled {
			stalled = true
		}
	}
	sort.Slice(s.Scripts, func(i, j int) bool { return s.Scripts[i].ScriptID < s.Scripts[j].ScriptID })

	remaining := s.IndexerTipNumber - s.CacheTipNumber
	if remaining < 0 {
		remaining = 0
	}
	if s.CacheRate > 0 {
		eta := time.Duration(float64(remaining) / s.CacheRate * float64(time.Second))
		s.Estimate = &eta
	}
	s.Synced = p.tipKnown && remaining == 0 && !stalled
	return s
}

// Subscribe returns a channel of published states and a func that ends
// the subscription. The channel holds only the latest state; a slow
// reader skips intermediate ones.
func (p *Publisher) Subscribe() (<-chan model.SyncState, func()) {
	ch := make(chan model.SyncState, 1)

	p.subMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Lock()
	last := p.published
	p.mu.Unlock()
	if last != nil {
		deliverLatest(ch, *last)
	}
	p.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subs, id)
			p.subMu.Unlock()
			close(ch)
		})
	}
}

func (p *Publisher) subscriberCount() int {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	return len(p.subs)
}

func (p *Publisher) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run publishes on every change, at most once per debounce interval,
// until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("sync state publisher started", "debounce", p.cfg.Debounce, "rate_window", p.cfg.RateWindow)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.kick:
		}
		if p.cfg.Debounce > 0 {
			t := time.NewTimer(p.cfg.Debounce)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		p.Flush(ctx)
	}
}

// Flush publishes the current state if it differs from the last one,
// ignoring the timestamp. It reports whether anything was published.
func (p *Publisher) Flush(ctx context.Context) bool {
	p.mu.Lock()
	s := p.computeLocked(p.nowFn())
	if p.published != nil && sameState(*p.published, s) {
		p.mu.Unlock()
		return false
	}
	p.published = &s
	p.mu.Unlock()

	metrics.SyncNodeTip.Set(float64(s.NodeTipNumber))
	metrics.SyncIndexerTip.Set(float64(s.IndexerTipNumber))
	metrics.SyncCacheTip.Set(float64(s.CacheTipNumber))
	metrics.SyncSynced.Set(boolGauge(s.Synced))
	metrics.SyncStalledScripts.Set(float64(countStalled(s.Scripts)))
	metrics.SyncStatesPublished.Inc()

	p.subMu.Lock()
	for _, ch := range p.subs {
		deliverLatest(ch, s)
	}
	p.subMu.Unlock()

	for _, sink := range p.sinks {
		if err := sink.Mirror(ctx, s); err != nil {
			p.logger.Warn("sync state sink failed", "error", err)
		}
	}
	return true
}

func deliverLatest(ch chan model.SyncState, s model.SyncState) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func sameState(a, b model.SyncState) bool {
	a.Timestamp = time.Time{}
	b.Timestamp = time.Time{}
	return reflect.DeepEqual(a, b)
}

func countStalled(ps []model.ScriptProgress) int {
	n := 0
	for _, sp := range ps {
		if sp.State == model.ScriptStateStalled {
			n++
		}
	}
	return n
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
