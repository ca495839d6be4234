// Package registry holds the set of watched lock scripts.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emperorhan/cellsync/internal/chain"
	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/store"
	"github.com/emperorhan/cellsync/internal/syncerr"
	"github.com/google/uuid"
)

// ErrInvalidRegistration wraps every validation failure of Register.
var ErrInvalidRegistration = errors.New("invalid registration")

// Listener is told about registry changes. The engine uses it to start
// and cancel per-script reconciliation.
type Listener interface {
	ScriptEnabled(ws model.WatchedScript)
	ScriptDisabled(scriptID string)
}

// Registration describes a lock script to start watching.
type Registration struct {
	Script           model.Script
	Kind             model.ScriptKind
	StartBlockNumber int64
	WalletID         *string
}

type Registry struct {
	scripts store.WatchedScriptRepository
	gateway chain.NodeGateway
	logger  *slog.Logger
	nowFn   func() time.Time

	// serializes identity checks against inserts
	mu        sync.Mutex
	listeners []Listener
}

func New(scripts store.WatchedScriptRepository, gateway chain.NodeGateway, logger *slog.Logger) *Registry {
	return &Registry{
		scripts: scripts,
		gateway: gateway,
		logger:  logger.With("component", "registry"),
		nowFn:   time.Now,
	}
}

// AddListener subscribes l to enable/disable notifications.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Register starts watching req.Script. An enabled script with the same
// identity fails with DuplicateScript. A disabled one is re-enabled and
// keeps its original start block.
func (r *Registry) Register(ctx context.Context, req Registration) (*model.WatchedScript, error) {
	const op = "registry.register"

	script := req.Script.Normalize()
	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidRegistration, err)
	}
	kind := req.Kind
	if kind == "" {
		kind = model.ScriptKindAddress
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%s: %w: unknown script kind %q", op, ErrInvalidRegistration, kind)
	}
	if req.StartBlockNumber < 0 {
		return nil, fmt.Errorf("%s: %w: negative start block %d", op, ErrInvalidRegistration, req.StartBlockNumber)
	}

	identity := script.IdentityKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.scripts.GetByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%s: lookup identity: %w", op, err)
	}
	if existing != nil {
		if existing.Enabled {
			return nil, syncerr.Newf(syncerr.KindDuplicateScript, op, "script %s already watched as %s", identity, existing.ID)
		}
		if err := r.scripts.SetEnabled(ctx, existing.ID, true); err != nil {
			return nil, fmt.Errorf("%s: re-enable: %w", op, err)
		}
		existing.Enabled = true
		existing.UpdatedAt = r.nowFn()
		r.logger.Info("script re-enabled",
			"script_id", existing.ID,
			"start_block", existing.StartBlockNumber,
		)
		r.notifyEnabled(*existing)
		return existing, nil
	}

	now := r.nowFn()
	ws := &model.WatchedScript{
		ID:               uuid.NewString(),
		Identity:         identity,
		Script:           script,
		Kind:             kind,
		WalletID:         req.WalletID,
		StartBlockNumber: req.StartBlockNumber,
		Enabled:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.scripts.Insert(ctx, ws); err != nil {
		return nil, fmt.Errorf("%s: insert: %w", op, err)
	}

	r.logger.Info("script registered",
		"script_id", ws.ID,
		"kind", ws.Kind,
		"start_block", ws.StartBlockNumber,
	)
	r.notifyEnabled(*ws)
	return ws, nil
}

// Deregister disables a script. Cached rows stay in place since other
// scripts may share the same outputs. Disabling twice is a no-op.
func (r *Registry) Deregister(ctx context.Context, scriptID string) error {
	const op = "registry.deregister"

	r.mu.Lock()
	defer r.mu.Unlock()

	ws, err := r.scripts.Get(ctx, scriptID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ws == nil {
		return syncerr.Newf(syncerr.KindScriptNotFound, op, "script %s", scriptID)
	}
	if !ws.Enabled {
		return nil
	}

	if err := r.scripts.SetEnabled(ctx, scriptID, false); err != nil {
		return fmt.Errorf("%s: disable: %w", op, err)
	}
	r.notifyDisabled(scriptID)

	if err := r.gateway.Unwatch(ctx, ws.Script); err != nil {
		r.logger.Warn("indexer unwatch failed", "script_id", scriptID, "error", err)
	}
	r.logger.Info("script deregistered", "script_id", scriptID)
	return nil
}

// Get returns ScriptNotFound for unknown ids.
func (r *Registry) Get(ctx context.Context, scriptID string) (*model.WatchedScript, error) {
	ws, err := r.scripts.Get(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, syncerr.Newf(syncerr.KindScriptNotFound, "registry.get", "script %s", scriptID)
	}
	return ws, nil
}

// Lookup finds the registration of script, enabled or not. It returns nil
// when the script was never registered.
func (r *Registry) Lookup(ctx context.Context, script model.Script) (*model.WatchedScript, error) {
	return r.scripts.GetByIdentity(ctx, script.Normalize().IdentityKey())
}

// List returns a snapshot ordered by registration time.
func (r *Registry) List(ctx context.Context, enabledOnly bool) ([]model.WatchedScript, error) {
	return r.scripts.List(ctx, enabledOnly)
}

func (r *Registry) ListByWallet(ctx context.Context, walletID string) ([]model.WatchedScript, error) {
	return r.scripts.ListByWallet(ctx, walletID)
}

func (r *Registry) notifyEnabled(ws model.WatchedScript) {
	for _, l := range r.listeners {
		l.ScriptEnabled(ws)
	}
}

func (r *Registry) notifyDisabled(id string) {
	for _, l := range r.listeners {
		l.ScriptDisabled(id)
	}
}
