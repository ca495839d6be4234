package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/emperorhan/cellsync/internal/alert"
	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/metrics"
	"github.com/emperorhan/cellsync/internal/syncerr"
)

// rollback finds the common ancestor below the divergent height and
// rewinds the script's cache to it in one transaction.
func (r *Reconciler) rollback(ctx context.Context, ws model.WatchedScript, divergent int64) error {
	r.states.setState(ws.ID, model.ScriptStateRollingBack)

	ancestor, verified, found, err := r.findCommonAncestor(ctx, ws, divergent)
	if err != nil {
		return err
	}
	if !found {
		metrics.ReorgTooDeepTotal.WithLabelValues(ws.ID).Inc()
		reason := fmt.Sprintf("no common ancestor within %d blocks below %d", r.cfg.MaxReorgDepth, divergent)
		r.states.stall(ws.ID, syncerr.KindReorgTooDeep.String()+": "+reason, true)
		r.logger.Error("reorg too deep", "script_id", ws.ID, "divergent_block", divergent, "max_depth", r.cfg.MaxReorgDepth)
		r.sendAlert(ctx, alert.Alert{
			Type:     alert.AlertTypeReorgTooDeep,
			ScriptID: ws.ID,
			Title:    "Reorg exceeds rollback window",
			Message:  reason,
			Fields: map[string]string{
				"divergent_block": strconv.FormatInt(divergent, 10),
				"max_depth":       strconv.FormatInt(r.cfg.MaxReorgDepth, 10),
			},
		})
		return syncerr.Newf(syncerr.KindReorgTooDeep, "reconciler.rollback", "script %s: %s", ws.ID, reason)
	}

	err = r.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		keepHeader := ancestor
		if !verified {
			keepHeader--
		}
		return r.discardFromTx(ctx, tx, ws, ancestor, keepHeader)
	})
	if err != nil {
		return fmt.Errorf("rollback to %d: %w", ancestor, err)
	}

	depth := divergent - ancestor
	metrics.ReorgRollbackDepth.WithLabelValues(ws.ID).Observe(float64(depth))
	r.states.setCursor(ws.ID, ancestor)
	r.logger.Warn("rolled back to common ancestor",
		"script_id", ws.ID,
		"divergent_block", divergent,
		"ancestor", ancestor,
		"depth", depth,
	)
	r.sendAlert(ctx, alert.Alert{
		Type:     alert.AlertTypeReorg,
		ScriptID: ws.ID,
		Title:    "Chain reorganization rolled back",
		Message:  fmt.Sprintf("cache rewound from %d to %d", divergent, ancestor),
		Fields: map[string]string{
			"ancestor": strconv.FormatInt(ancestor, 10),
			"depth":    strconv.FormatInt(depth, 10),
		},
	})
	return nil
}

// findCommonAncestor walks cached headers below divergent, newest first,
// until one matches the node. The start block is the ancestor of last
// resort when it lies inside the window; it is reported unverified.
func (r *Reconciler) findCommonAncestor(ctx context.Context, ws model.WatchedScript, divergent int64) (ancestor int64, verified, found bool, err error) {
	floor := divergent - r.cfg.MaxReorgDepth

	candidates, err := r.stores.Headers.ListBelow(ctx, ws.ID, divergent, int(r.cfg.MaxReorgDepth))
	if err != nil {
		return 0, false, false, err
	}
	for _, h := range candidates {
		if h.Number < floor {
			break
		}
		node, err := r.gateway.GetHeader(ctx, h.Number)
		if err != nil {
			return 0, false, false, err
		}
		if node != nil && node.Hash == h.Hash {
			return h.Number, true, true, nil
		}
	}

	if ws.StartBlockNumber >= floor && ws.StartBlockNumber <= divergent {
		return ws.StartBlockNumber, false, true, nil
	}
	return 0, false, false, nil
}

// discardFromTx removes the script's cells and links at or above block,
// headers above keepHeader, and rewinds the cursor to block.
func (r *Reconciler) discardFromTx(ctx context.Context, tx *sql.Tx, ws model.WatchedScript, block, keepHeader int64) error {
	if _, err := r.stores.Cells.RollbackFromTx(ctx, tx, ws.ID, block); err != nil {
		return err
	}
	if _, err := r.stores.Transactions.UnlinkFromBlockTx(ctx, tx, ws.ID, block); err != nil {
		return err
	}
	if _, err := r.stores.Headers.DeleteAboveTx(ctx, tx, ws.ID, keepHeader); err != nil {
		return err
	}
	if _, err := r.stores.Transactions.DeleteOrphansTx(ctx, tx); err != nil {
		return err
	}
	return r.cursors.RewindTx(ctx, tx, &ws, block)
}

// Resync discards the script's whole cache and clears a stalled state,
// so the next poll rescans from the start block.
func (r *Reconciler) Resync(ctx context.Context, ws model.WatchedScript) error {
	err := r.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := r.stores.Cells.DeleteByScriptTx(ctx, tx, ws.ID); err != nil {
			return err
		}
		if _, err := r.stores.Transactions.UnlinkScriptTx(ctx, tx, ws.ID); err != nil {
			return err
		}
		if _, err := r.stores.Headers.DeleteByScriptTx(ctx, tx, ws.ID); err != nil {
			return err
		}
		if _, err := r.stores.Transactions.DeleteOrphansTx(ctx, tx); err != nil {
			return err
		}
		return r.cursors.RewindTx(ctx, tx, &ws, ws.StartBlockNumber)
	})
	if err != nil {
		return fmt.Errorf("resync %s: %w", ws.ID, err)
	}
	r.states.clear(ws.ID)
	r.states.setCursor(ws.ID, ws.StartBlockNumber)
	r.logger.Info("script resynced", "script_id", ws.ID, "start_block", ws.StartBlockNumber)
	return nil
}

func (r *Reconciler) inTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := r.stores.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}
