package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/pipeline/registry"
	"github.com/emperorhan/cellsync/internal/syncerr"
)

const configWatcherDefaultInterval = 30 * time.Second

// ScriptRegistrar is the part of the lock registry the watcher needs.
type ScriptRegistrar interface {
	Register(ctx context.Context, req registry.Registration) (*model.WatchedScript, error)
	Lookup(ctx context.Context, script model.Script) (*model.WatchedScript, error)
}

// WatchLoader reads the current set of scripts the operator wants watched.
type WatchLoader func() ([]registry.Registration, error)

// ConfigWatcher polls the watch file and registers scripts that appear in
// it. Scripts removed from the file stay registered; deregistration is an
// explicit API call, and a deregistered script is not brought back by the
// file.
type ConfigWatcher struct {
	load      WatchLoader
	registrar ScriptRegistrar
	logger    *slog.Logger
	interval  time.Duration

	// identities already registered from the file
	lastSeen map[string]bool
}

func NewConfigWatcher(load WatchLoader, registrar ScriptRegistrar, logger *slog.Logger, interval time.Duration) *ConfigWatcher {
	if interval <= 0 {
		interval = configWatcherDefaultInterval
	}
	return &ConfigWatcher{
		load:      load,
		registrar: registrar,
		logger:    logger.With("component", "config_watcher"),
		interval:  interval,
		lastSeen:  make(map[string]bool),
	}
}

// Run blocks until the context is cancelled.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	w.logger.Info("config watcher started", "poll_interval", w.interval)

	w.poll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopping")
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *ConfigWatcher) poll(ctx context.Context) {
	regs, err := w.load()
	if err != nil {
		w.logger.Warn("watch file load failed", "error", err)
		return
	}

	for _, req := range regs {
		key := req.Script.Normalize().IdentityKey()
		if w.lastSeen[key] {
			continue
		}
		existing, err := w.registrar.Lookup(ctx, req.Script)
		if err != nil {
			w.logger.Warn("watch file lookup failed", "args", req.Script.Args, "error", err)
			continue
		}
		if existing != nil && !existing.Enabled {
			w.logger.Info("skipping deregistered script from watch file", "script_id", existing.ID)
			w.lastSeen[key] = true
			continue
		}
		ws, err := w.registrar.Register(ctx, req)
		switch {
		case err == nil:
			w.logger.Info("script registered from watch file", "script_id", ws.ID, "start_block", ws.StartBlockNumber)
		case errors.Is(err, syncerr.ErrDuplicateScript):
		default:
			w.logger.Warn("watch file registration failed", "args", req.Script.Args, "error", err)
			continue
		}
		w.lastSeen[key] = true
	}
}
