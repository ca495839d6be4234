// Package cursor persists per-script indexer positions.
package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/metrics"
	"github.com/emperorhan/cellsync/internal/store"
	"github.com/emperorhan/cellsync/internal/syncerr"
)

// Store wraps the cursor repository with the monotonic advance rule.
// A script without a stored cursor starts at its start block.
type Store struct {
	repo    store.CursorRepository
	scripts store.WatchedScriptRepository
	nowFn   func() time.Time
}

// NewStore builds a Store. Writes always join the caller's transaction so
// the cursor moves together with the cache rows it covers.
func NewStore(repo store.CursorRepository, scripts store.WatchedScriptRepository) *Store {
	return &Store{repo: repo, scripts: scripts, nowFn: time.Now}
}

func defaultCursor(ws *model.WatchedScript) model.Cursor {
	return model.Cursor{ScriptID: ws.ID, LastIndexedBlockNumber: ws.StartBlockNumber}
}

// Get returns the stored cursor or the default at the script's start
// block.
func (s *Store) Get(ctx context.Context, scriptID string) (model.Cursor, error) {
	c, err := s.repo.Get(ctx, scriptID)
	if err != nil {
		return model.Cursor{}, err
	}
	if c != nil {
		return *c, nil
	}
	ws, err := s.scripts.Get(ctx, scriptID)
	if err != nil {
		return model.Cursor{}, err
	}
	if ws == nil {
		return model.Cursor{}, syncerr.Newf(syncerr.KindScriptNotFound, "cursor.get", "script %s", scriptID)
	}
	return defaultCursor(ws), nil
}

// GetTx reads the cursor inside tx. ws supplies the default.
func (s *Store) GetTx(ctx context.Context, tx *sql.Tx, ws *model.WatchedScript) (model.Cursor, error) {
	c, err := s.repo.GetTx(ctx, tx, ws.ID)
	if err != nil {
		return model.Cursor{}, err
	}
	if c != nil {
		return *c, nil
	}
	return defaultCursor(ws), nil
}

// AdvanceTx writes next inside tx. Moving backwards fails with
// NonMonotonicCursor unless allowRewind is set.
func (s *Store) AdvanceTx(ctx context.Context, tx *sql.Tx, ws *model.WatchedScript, next model.Cursor, allowRewind bool) error {
	const op = "cursor.advance"

	cur, err := s.GetTx(ctx, tx, ws)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if next.LastIndexedBlockNumber < cur.LastIndexedBlockNumber && !allowRewind {
		return syncerr.Newf(syncerr.KindNonMonotonicCursor, op,
			"script %s: %d < %d", ws.ID, next.LastIndexedBlockNumber, cur.LastIndexedBlockNumber)
	}

	next.ScriptID = ws.ID
	next.UpdatedAt = s.nowFn()
	if err := s.repo.UpsertTx(ctx, tx, next); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	metrics.ReconcilerCursorBlock.WithLabelValues(ws.ID).Set(float64(next.LastIndexedBlockNumber))
	return nil
}

// RewindTx resets the cursor to toBlock and clears the paging position.
func (s *Store) RewindTx(ctx context.Context, tx *sql.Tx, ws *model.WatchedScript, toBlock int64) error {
	return s.AdvanceTx(ctx, tx, ws, model.Cursor{LastIndexedBlockNumber: toBlock}, true)
}
