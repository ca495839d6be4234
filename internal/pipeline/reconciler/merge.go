package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/cellsync/internal/alert"
	"github.com/emperorhan/cellsync/internal/chain"
	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/metrics"
	"github.com/emperorhan/cellsync/internal/syncerr"
)

// merge applies page and the cursor move to next in one database
// transaction. Consumptions of cells the cache does not hold yet are
// retried after the rest of the batch; what is still missing after that
// is created from the origin transaction fetched from the node and the
// batch is applied again. The per-hash locks cover each apply but not the
// origin fetch, so a slow node only delays this script.
func (r *Reconciler) merge(ctx context.Context, ws model.WatchedScript, page *chain.Page, next model.Cursor, tip chain.Header) error {
	r.states.setState(ws.ID, model.ScriptStateMerging)

	hashes := make([]string, 0, len(page.Events))
	for _, ev := range page.Events {
		hashes = append(hashes, ev.TxHash)
	}
	origins := make(map[model.OutPoint]*model.Cell)
	for attempt := 0; ; attempt++ {
		unlock := r.txLocks.LockAll(hashes)
		out, err := r.applyPage(ctx, ws, page, next, tip, origins)
		unlock()
		if err != nil {
			return err
		}
		if len(out.missing) == 0 {
			for _, a := range out.alerts {
				r.sendAlert(ctx, a)
			}
			break
		}
		if attempt > 0 {
			return fmt.Errorf("merge: consumed cells still unknown after origin fetch: %v", out.missing)
		}
		for _, op := range out.missing {
			cell, err := r.fetchOrigin(ctx, ws, op)
			if err != nil {
				return err
			}
			origins[op] = cell
		}
		r.logger.Debug("fetched origin cells", "script_id", ws.ID, "count", len(out.missing))
	}

	for _, ev := range page.Events {
		metrics.ReconcilerEventsMerged.WithLabelValues(ws.ID, string(ev.Kind)).Inc()
	}
	return nil
}

type applyOutcome struct {
	missing []model.OutPoint
	alerts  []alert.Alert
}

func (r *Reconciler) applyPage(
	ctx context.Context,
	ws model.WatchedScript,
	page *chain.Page,
	next model.Cursor,
	tip chain.Header,
	origins map[model.OutPoint]*model.Cell,
) (applyOutcome, error) {
	var out applyOutcome

	// The commit must not be abandoned halfway by a cancelled poll.
	dbCtx := context.WithoutCancel(ctx)
	tx, err := r.stores.DB.BeginTx(dbCtx, nil)
	if err != nil {
		return out, fmt.Errorf("merge: begin tx: %w", err)
	}
	defer tx.Rollback()

	var buffered []chain.CellEvent
	for _, ev := range page.Events {
		switch ev.Kind {
		case chain.EventCreated:
			if err := r.applyCreated(dbCtx, tx, ws, ev); err != nil {
				return out, err
			}
		case chain.EventConsumed:
			ok, err := r.applyConsumed(dbCtx, tx, ws, ev, &out)
			if err != nil {
				return out, err
			}
			if !ok {
				buffered = append(buffered, ev)
			}
		default:
			return out, fmt.Errorf("merge: unknown event kind %q", ev.Kind)
		}
	}

	for _, ev := range buffered {
		if origin, ok := origins[ev.OutPoint]; ok {
			if err := r.stores.Cells.UpsertCreatedTx(dbCtx, tx, origin); err != nil {
				return out, err
			}
		}
		ok, err := r.applyConsumed(dbCtx, tx, ws, ev, &out)
		if err != nil {
			return out, err
		}
		if !ok {
			out.missing = append(out.missing, ev.OutPoint)
		}
	}
	if len(out.missing) > 0 {
		return out, nil
	}

	if page.Complete && next.LastIndexedBlockNumber == tip.Number && tip.Hash != "" {
		if err := r.stores.Headers.UpsertTx(dbCtx, tx, model.BlockHeader{
			ScriptID:   ws.ID,
			Number:     tip.Number,
			Hash:       tip.Hash,
			ParentHash: tip.ParentHash,
			Timestamp:  tip.Timestamp,
		}); err != nil {
			return out, err
		}
	}
	for _, h := range page.Headers {
		if err := r.stores.Headers.UpsertTx(dbCtx, tx, model.BlockHeader{
			ScriptID:   ws.ID,
			Number:     h.Number,
			Hash:       h.Hash,
			ParentHash: h.ParentHash,
			Timestamp:  h.Timestamp,
		}); err != nil {
			return out, err
		}
	}

	if err := r.cursors.AdvanceTx(dbCtx, tx, &ws, next, false); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("merge: commit: %w", err)
	}
	return out, nil
}

func (r *Reconciler) applyCreated(ctx context.Context, tx *sql.Tx, ws model.WatchedScript, ev chain.CellEvent) error {
	cell := &model.Cell{
		OutPoint:           ev.OutPoint,
		ScriptID:           ws.ID,
		Capacity:           ev.Capacity,
		Data:               ev.Data,
		Type:               ev.Type,
		CreatedBlockNumber: ev.BlockNumber,
		CreatedTxHash:      ev.OutPoint.TxHash,
	}
	if err := r.stores.Cells.UpsertCreatedTx(ctx, tx, cell); err != nil {
		return err
	}
	return r.recordTransaction(ctx, tx, ws, ev)
}

// applyConsumed reports false, writing nothing, when the consumed cell is
// not cached yet.
func (r *Reconciler) applyConsumed(ctx context.Context, tx *sql.Tx, ws model.WatchedScript, ev chain.CellEvent, out *applyOutcome) (bool, error) {
	ok, err := r.stores.Cells.MarkConsumedTx(ctx, tx, ev.OutPoint, ev.BlockNumber, ev.TxHash)
	if err != nil || !ok {
		return false, err
	}

	spenders, err := r.stores.Transactions.FindPendingSpendersTx(ctx, tx, ev.OutPoint)
	if err != nil {
		return false, err
	}
	for _, pending := range spenders {
		if pending == ev.TxHash {
			continue
		}
		if _, err := r.amendments.RecordTx(ctx, tx, pending, ev.TxHash); err != nil {
			if !errors.Is(err, syncerr.ErrAmendmentCycleDetected) {
				return false, err
			}
			r.logger.Error("amendment cycle", "script_id", ws.ID, "original", pending, "amended", ev.TxHash, "error", err)
			out.alerts = append(out.alerts, alert.Alert{
				Type:     alert.AlertTypeAmendmentCycle,
				ScriptID: ws.ID,
				Title:    "Amendment cycle detected",
				Message:  err.Error(),
				Fields:   map[string]string{"original": pending, "amended": ev.TxHash},
			})
		}
	}
	return true, r.recordTransaction(ctx, tx, ws, ev)
}

func (r *Reconciler) recordTransaction(ctx context.Context, tx *sql.Tx, ws model.WatchedScript, ev chain.CellEvent) error {
	block := ev.BlockNumber
	t := &model.Transaction{
		Hash:        ev.TxHash,
		BlockNumber: &block,
		Timestamp:   ev.Timestamp,
		Confirmed:   true,
		CreatedAt:   time.Now(),
	}
	if ev.BlockHash != "" {
		hash := ev.BlockHash
		t.BlockHash = &hash
	}
	if err := r.stores.Transactions.UpsertConfirmedTx(ctx, tx, t); err != nil {
		return err
	}
	return r.stores.Transactions.LinkScriptTx(ctx, tx, ws.ID, ev.TxHash, &block)
}

// fetchOrigin builds the cached form of a cell created before anything
// the cache has seen, from its creating transaction.
func (r *Reconciler) fetchOrigin(ctx context.Context, ws model.WatchedScript, op model.OutPoint) (*model.Cell, error) {
	detail, err := r.gateway.GetTransaction(ctx, op.TxHash)
	if err != nil {
		return nil, err
	}
	if detail == nil {
		return nil, fmt.Errorf("origin transaction %s unknown to node", op.TxHash)
	}
	if detail.BlockNumber == nil {
		return nil, fmt.Errorf("origin transaction %s is not committed", op.TxHash)
	}
	if op.Index < 0 || op.Index >= int64(len(detail.Outputs)) {
		return nil, fmt.Errorf("origin transaction %s has no output %d", op.TxHash, op.Index)
	}
	output := detail.Outputs[op.Index]
	if output.Lock.Normalize().IdentityKey() != ws.Identity {
		return nil, fmt.Errorf("origin cell %s is not locked by script %s", op, ws.ID)
	}
	return &model.Cell{
		OutPoint:           op,
		ScriptID:           ws.ID,
		Capacity:           output.Capacity,
		Data:               output.Data,
		Type:               output.Type,
		CreatedBlockNumber: *detail.BlockNumber,
		CreatedTxHash:      op.TxHash,
	}, nil
}
