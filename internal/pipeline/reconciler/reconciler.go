// Package reconciler merges indexer results for one watched script at a
// time into the local cache, and repairs the cache when the chain
// reorganizes underneath it.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emperorhan/cellsync/internal/alert"
	"github.com/emperorhan/cellsync/internal/chain"
	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/metrics"
	"github.com/emperorhan/cellsync/internal/pipeline/amendment"
	"github.com/emperorhan/cellsync/internal/pipeline/cursor"
	"github.com/emperorhan/cellsync/internal/store"
	"github.com/emperorhan/cellsync/internal/syncerr"
	"github.com/emperorhan/cellsync/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "cellsync/pipeline/reconciler"

	defaultPageSize         = 100
	defaultMaxReorgDepth    = 256
	defaultMaxPagesPerCycle = 20
	defaultStallAfter       = 5
)

// Config tunes one Reconciler. Zero values take defaults.
type Config struct {
	PageSize         int
	MaxReorgDepth    int64
	MaxPagesPerCycle int
	// StallAfter is the number of consecutive failed cycles after which
	// a script is reported stalled.
	StallAfter int
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.MaxReorgDepth <= 0 {
		c.MaxReorgDepth = defaultMaxReorgDepth
	}
	if c.MaxPagesPerCycle <= 0 {
		c.MaxPagesPerCycle = defaultMaxPagesPerCycle
	}
	if c.StallAfter <= 0 {
		c.StallAfter = defaultStallAfter
	}
}

// Stores groups the repositories the reconciler writes.
type Stores struct {
	DB           store.TxBeginner
	Cells        store.CellRepository
	Transactions store.TransactionRepository
	Headers      store.HeaderRepository
}

// Result summarizes one Sync call.
type Result struct {
	Pages      int
	Events     int
	CaughtUp   bool
	RolledBack bool
	Cursor     int64
}

type Reconciler struct {
	cfg        Config
	stores     Stores
	cursors    *cursor.Store
	amendments *amendment.Tracker
	gateway    chain.NodeGateway
	alerter    alert.Alerter
	logger     *slog.Logger

	txLocks *keyedMutex
	states  *stateTracker
}

func New(
	cfg Config,
	stores Stores,
	cursors *cursor.Store,
	amendments *amendment.Tracker,
	gateway chain.NodeGateway,
	logger *slog.Logger,
) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		cfg:        cfg,
		stores:     stores,
		cursors:    cursors,
		amendments: amendments,
		gateway:    gateway,
		alerter:    &alert.NoopAlerter{},
		logger:     logger.With("component", "reconciler"),
		txLocks:    newKeyedMutex(),
		states:     newStateTracker(),
	}
}

// WithAlerter sets the alerter for reorg, stall and integrity alerts.
func (r *Reconciler) WithAlerter(a alert.Alerter) *Reconciler {
	if a != nil {
		r.alerter = a
	}
	return r
}

// WithObserver registers the receiver of per-script progress.
func (r *Reconciler) WithObserver(o Observer) *Reconciler {
	r.states.mu.Lock()
	r.states.observer = o
	r.states.mu.Unlock()
	return r
}

// Progress returns the last known state of every tracked script.
func (r *Reconciler) Progress() []model.ScriptProgress {
	return r.states.snapshot()
}

// Track starts reporting progress for ws before its first poll.
func (r *Reconciler) Track(ctx context.Context, ws model.WatchedScript) error {
	c, err := r.cursors.Get(ctx, ws.ID)
	if err != nil {
		return err
	}
	r.states.setCursor(ws.ID, c.LastIndexedBlockNumber)
	return nil
}

// Forget drops a deregistered script from progress reporting.
func (r *Reconciler) Forget(scriptID string) {
	r.states.remove(scriptID)
}

// Stalled reports whether the script needs an operator resync.
func (r *Reconciler) Stalled(scriptID string) bool {
	return r.states.isSticky(scriptID)
}

// Sync runs one poll cycle for ws against the given indexer tip: check
// for a reorg at the cursor, fetch pages and merge each atomically until
// the cursor reaches the tip or the per-cycle page budget is spent.
// Cancellation is honored between pages, never inside a merge.
func (r *Reconciler) Sync(ctx context.Context, ws model.WatchedScript, indexerTip chain.Header) (res Result, err error) {
	if r.states.isSticky(ws.ID) {
		p, _ := r.states.progress(ws.ID)
		return res, syncerr.Newf(syncerr.KindReorgTooDeep, "reconciler.sync", "script %s stalled: %s", ws.ID, p.Reason)
	}

	start := time.Now()
	ctx, span := tracing.Start(ctx, tracerName, "reconciler.sync",
		attribute.String("script_id", ws.ID),
		attribute.Int64("indexer_tip", indexerTip.Number),
	)
	defer func() {
		tracing.End(span, err)
		metrics.ReconcilerPollLatency.WithLabelValues(ws.ID).Observe(time.Since(start).Seconds())
		r.finishCycle(ctx, ws, err)
	}()
	metrics.ReconcilerPollsTotal.WithLabelValues(ws.ID).Inc()

	for res.Pages < r.cfg.MaxPagesPerCycle {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r.states.setState(ws.ID, model.ScriptStatePolling)

		cur, err := r.cursors.Get(ctx, ws.ID)
		if err != nil {
			return res, err
		}
		res.Cursor = cur.LastIndexedBlockNumber

		rolledBack, err := r.checkReorg(ctx, ws, cur)
		if err != nil {
			return res, err
		}
		if rolledBack {
			if res.RolledBack {
				// a second divergence in one cycle waits for the next tick
				break
			}
			res.RolledBack = true
			continue
		}

		if cur.LastIndexedBlockNumber >= indexerTip.Number && cur.LastIndexedPosition == "" {
			res.CaughtUp = true
			break
		}

		req := chain.PageRequest{
			FromBlock: cur.LastIndexedBlockNumber,
			ToBlock:   indexerTip.Number + 1,
			Position:  cur.LastIndexedPosition,
			Limit:     r.cfg.PageSize,
		}
		page, err := r.gateway.GetTransactions(ctx, ws.Script, req)
		if err != nil {
			return res, err
		}
		if !page.Complete && len(page.Events) == 0 {
			r.logger.Debug("indexer page not ready", "script_id", ws.ID, "from", req.FromBlock)
			break
		}

		next := nextCursor(cur, req, page)
		if err := r.merge(ctx, ws, page, next, indexerTip); err != nil {
			return res, err
		}
		res.Pages++
		res.Events += len(page.Events)
		res.Cursor = next.LastIndexedBlockNumber
		r.states.setCursor(ws.ID, next.LastIndexedBlockNumber)
		metrics.ReconcilerPagesMerged.WithLabelValues(ws.ID).Inc()
	}

	r.states.setState(ws.ID, model.ScriptStateIdle)
	return res, nil
}

// nextCursor is the cursor after page is merged. A complete page moves to
// the end of the requested range; a partial one to its highest event.
func nextCursor(cur model.Cursor, req chain.PageRequest, page *chain.Page) model.Cursor {
	next := model.Cursor{
		ScriptID:               cur.ScriptID,
		LastIndexedBlockNumber: cur.LastIndexedBlockNumber,
	}
	if page.Complete {
		if req.ToBlock-1 > next.LastIndexedBlockNumber {
			next.LastIndexedBlockNumber = req.ToBlock - 1
		}
		return next
	}
	for _, ev := range page.Events {
		if ev.BlockNumber > next.LastIndexedBlockNumber {
			next.LastIndexedBlockNumber = ev.BlockNumber
		}
	}
	next.LastIndexedPosition = page.LastPosition
	return next
}

// checkReorg compares the cached header at the cursor with the node's.
// On mismatch it rolls back and reports true.
func (r *Reconciler) checkReorg(ctx context.Context, ws model.WatchedScript, cur model.Cursor) (bool, error) {
	cached, err := r.stores.Headers.Get(ctx, ws.ID, cur.LastIndexedBlockNumber)
	if err != nil {
		return false, err
	}
	if cached == nil {
		return false, nil
	}
	node, err := r.gateway.GetHeader(ctx, cached.Number)
	if err != nil {
		return false, err
	}
	if node != nil && node.Hash == cached.Hash {
		return false, nil
	}

	nodeHash := ""
	if node != nil {
		nodeHash = node.Hash
	}
	r.states.setState(ws.ID, model.ScriptStateReorgDetected)
	metrics.ReorgDetectedTotal.WithLabelValues(ws.ID).Inc()
	r.logger.Warn("reorg detected",
		"script_id", ws.ID,
		"block", cached.Number,
		"cached_hash", cached.Hash,
		"node_hash", nodeHash,
	)

	if err := r.rollback(ctx, ws, cached.Number); err != nil {
		return false, err
	}
	return true, nil
}

// finishCycle maintains the failure streak and the stalled state.
func (r *Reconciler) finishCycle(ctx context.Context, ws model.WatchedScript, err error) {
	if err == nil {
		var recovered bool
		r.states.update(ws.ID, func(st *scriptStatus) {
			recovered = st.progress.State == model.ScriptStateStalled && !st.sticky
			st.failures = 0
			if recovered {
				st.progress.State = model.ScriptStateIdle
				st.progress.Reason = ""
			}
		})
		if recovered {
			r.logger.Info("script recovered", "script_id", ws.ID)
			r.sendAlert(ctx, alert.Alert{
				Type:     alert.AlertTypeRecovery,
				ScriptID: ws.ID,
				Title:    "Script sync recovered",
				Message:  "polling succeeded again",
			})
		}
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	kind := syncerr.KindOf(err)
	metrics.ReconcilerErrors.WithLabelValues(ws.ID, kind.String()).Inc()

	if kind == syncerr.KindReorgTooDeep {
		return
	}

	var failures int
	r.states.update(ws.ID, func(st *scriptStatus) {
		st.failures++
		failures = st.failures
		if st.progress.State != model.ScriptStateStalled {
			st.progress.State = model.ScriptStatePolling
		}
	})
	r.logger.Warn("poll cycle failed", "script_id", ws.ID, "kind", kind, "failures", failures, "error", err)

	if failures == r.cfg.StallAfter {
		reason := fmt.Sprintf("%s: %v", kind, err)
		r.states.stall(ws.ID, reason, false)
		r.sendAlert(ctx, alert.Alert{
			Type:     alert.AlertTypeStalled,
			ScriptID: ws.ID,
			Title:    "Script sync stalled",
			Message:  reason,
			Fields:   map[string]string{"failures": strconv.Itoa(failures)},
		})
	}
}

func (r *Reconciler) sendAlert(ctx context.Context, a alert.Alert) {
	if err := r.alerter.Send(context.WithoutCancel(ctx), a); err != nil {
		r.logger.Warn("alert failed", "type", a.Type, "error", err)
	}
}
