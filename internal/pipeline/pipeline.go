// Package pipeline drives the sync engine. It polls the indexer and node
// tips, schedules per-script poll cycles over a bounded worker pool and
// runs operator actions (resync, endpoint switch) while workers are stopped.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emperorhan/cellsync/internal/alert"
	"github.com/emperorhan/cellsync/internal/chain"
	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/metrics"
	"github.com/emperorhan/cellsync/internal/pipeline/reconciler"
	"github.com/emperorhan/cellsync/internal/pipeline/registry"
	"github.com/emperorhan/cellsync/internal/store"
	"github.com/emperorhan/cellsync/internal/syncerr"
	"golang.org/x/sync/semaphore"
)

const (
	defaultWorkers  = 4
	defaultInterval = 2 * time.Second
)

// ErrInvalidEndpoint is returned by SwitchEndpoint for unusable URLs.
var ErrInvalidEndpoint = errors.New("invalid node endpoint")

type Config struct {
	Workers  int
	Interval time.Duration
	// UnhealthyAfter is the number of failed tip polls before the node
	// is reported unreachable.
	UnhealthyAfter int
	Endpoint       string
}

// Syncer runs poll cycles for individual scripts.
type Syncer interface {
	Track(ctx context.Context, ws model.WatchedScript) error
	Forget(scriptID string)
	Stalled(scriptID string) bool
	Sync(ctx context.Context, ws model.WatchedScript, indexerTip chain.Header) (reconciler.Result, error)
	Resync(ctx context.Context, ws model.WatchedScript) error
}

// TipSink receives every indexer and node tip observed.
type TipSink interface {
	SetIndexerTip(n int64)
	SetNodeTip(n int64)
}

// GatewayFactory builds a gateway for a node URL and the indexer URL that
// goes with it. An empty indexerURL means the node serves the indexer too.
type GatewayFactory func(nodeURL, indexerURL string) (chain.NodeGateway, error)

type Stores struct {
	DB           store.TxBeginner
	Scripts      store.WatchedScriptRepository
	Cells        store.CellRepository
	Transactions store.TransactionRepository
}

// controlOp is an operator action run while workers are stopped.
type controlOp struct {
	name     string
	fn       func(ctx context.Context) error
	resultCh chan error
}

type Pipeline struct {
	cfg        Config
	stores     Stores
	gateway    *chain.Swappable
	syncer     Syncer
	tips       TipSink
	newGateway GatewayFactory
	alerter    alert.Alerter
	health     *NodeHealth
	logger     *slog.Logger
	nowFn      func() time.Time

	opCh    chan controlOp
	kickCh  chan struct{}
	readyCh chan struct{}

	slots   *semaphore.Weighted
	backlog atomic.Bool
	wg      sync.WaitGroup

	tipMu    sync.RWMutex
	tip      chain.Header
	tipKnown bool

	mu       sync.Mutex
	tracked  map[string]bool
	inflight map[string]context.CancelFunc
}

var _ registry.Listener = (*Pipeline)(nil)

func New(cfg Config, stores Stores, gateway *chain.Swappable, syncer Syncer, tips TipSink, logger *slog.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	health := NewNodeHealth(cfg.Endpoint)
	if cfg.UnhealthyAfter > 0 {
		health.unhealthyThreshold = cfg.UnhealthyAfter
	}
	return &Pipeline{
		cfg:      cfg,
		stores:   stores,
		gateway:  gateway,
		syncer:   syncer,
		tips:     tips,
		alerter:  &alert.NoopAlerter{},
		health:   health,
		logger:   logger.With("component", "pipeline"),
		nowFn:    time.Now,
		opCh:     make(chan controlOp),
		kickCh:   make(chan struct{}, 1),
		readyCh:  make(chan struct{}, 1),
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		tracked:  make(map[string]bool),
		inflight: make(map[string]context.CancelFunc),
	}
}

func (p *Pipeline) WithAlerter(a alert.Alerter) *Pipeline {
	if a != nil {
		p.alerter = a
	}
	return p
}

// WithGatewayFactory enables SwitchEndpoint.
func (p *Pipeline) WithGatewayFactory(f GatewayFactory) *Pipeline {
	p.newGateway = f
	return p
}

func (p *Pipeline) Health() HealthSnapshot { return p.health.Snapshot() }

// ScriptEnabled starts tracking ws and schedules a poll.
func (p *Pipeline) ScriptEnabled(ws model.WatchedScript) {
	if err := p.syncer.Track(context.Background(), ws); err != nil {
		p.logger.Error("track script failed", "script_id", ws.ID, "error", err)
		return
	}
	p.mu.Lock()
	p.tracked[ws.ID] = true
	p.mu.Unlock()
	p.Kick()
}

// ScriptDisabled stops tracking a script, cancelling its in-flight poll.
// The worker running it forgets the script when it exits.
func (p *Pipeline) ScriptDisabled(scriptID string) {
	p.mu.Lock()
	delete(p.tracked, scriptID)
	cancel, busy := p.inflight[scriptID]
	p.mu.Unlock()

	if busy {
		cancel()
		return
	}
	p.syncer.Forget(scriptID)
}

// Kick schedules a poll round without waiting for the interval.
func (p *Pipeline) Kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.trackAll(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		runCtx, runCancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("pipeline panic: %v\n%s", r, debug.Stack())
				}
			}()
			errCh <- p.runWorkers(runCtx)
		}()

		select {
		case err := <-errCh:
			runCancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return ctx.Err()

		case op := <-p.opCh:
			p.logger.Warn("stopping workers for operator action", "action", op.name)
			runCancel()
			<-errCh

			err := op.fn(ctx)
			op.resultCh <- err
			if err != nil {
				p.logger.Error("operator action failed, restarting workers", "action", op.name, "error", err)
			} else {
				p.logger.Info("workers restarting after operator action", "action", op.name)
			}
			p.Kick()

		case <-ctx.Done():
			runCancel()
			<-errCh
			return ctx.Err()
		}
	}
}

// do hands fn to the Run loop and waits for its result.
func (p *Pipeline) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	op := controlOp{name: name, fn: fn, resultCh: make(chan error, 1)}
	select {
	case p.opCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) trackAll(ctx context.Context) error {
	scripts, err := p.stores.Scripts.List(ctx, true)
	if err != nil {
		return fmt.Errorf("list scripts: %w", err)
	}
	for _, ws := range scripts {
		if err := p.syncer.Track(ctx, ws); err != nil {
			return fmt.Errorf("track %s: %w", ws.ID, err)
		}
		p.mu.Lock()
		p.tracked[ws.ID] = true
		p.mu.Unlock()
	}
	p.logger.Info("pipeline starting", "scripts", len(scripts), "workers", p.cfg.Workers, "interval", p.cfg.Interval)
	return nil
}

// runWorkers schedules every script on its own. The tip is read once per
// interval and shared; a script is dispatched whenever it is idle and a
// worker slot is free, so a slow script only ever holds its own slot.
func (p *Pipeline) runWorkers(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		case <-p.kickCh:
			p.tick(ctx)
		case <-p.readyCh:
			p.dispatch(ctx)
		}
	}
}

// tick refreshes the shared tips and dispatches idle scripts.
func (p *Pipeline) tick(ctx context.Context) {
	if !p.refreshTip(ctx) {
		return
	}
	p.dispatch(ctx)
}

func (p *Pipeline) refreshTip(ctx context.Context) bool {
	start := p.nowFn()
	tip, err := p.gateway.GetIndexerTip(ctx)
	if err != nil {
		p.clearTip()
		if ctx.Err() != nil {
			return false
		}
		p.nodeFailed(ctx, err)
		return false
	}
	p.nodeAnswered(ctx, tip, p.nowFn().Sub(start))
	p.tips.SetIndexerTip(tip.Number)

	p.tipMu.Lock()
	p.tip = tip
	p.tipKnown = true
	p.tipMu.Unlock()

	// the node tip only feeds lag reporting; a failure here is not fatal
	nodeTip, err := p.gateway.GetTipNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("node tip poll failed", "error", err)
		}
		return true
	}
	p.health.RecordNodeTip(nodeTip)
	p.tips.SetNodeTip(nodeTip)
	metrics.EngineIndexerLag.Set(float64(nodeTip - tip.Number))
	return true
}

func (p *Pipeline) currentTip() (chain.Header, bool) {
	p.tipMu.RLock()
	defer p.tipMu.RUnlock()
	return p.tip, p.tipKnown
}

func (p *Pipeline) clearTip() {
	p.tipMu.Lock()
	p.tipKnown = false
	p.tipMu.Unlock()
}

// dispatch starts a poll for every tracked, idle, non-stalled script while
// worker slots are free. Scripts that find no free slot are picked up as
// soon as one is released.
func (p *Pipeline) dispatch(ctx context.Context) {
	if _, ok := p.currentTip(); !ok || ctx.Err() != nil {
		return
	}
	scripts, err := p.stores.Scripts.List(ctx, true)
	if err != nil {
		p.logger.Error("list scripts failed", "error", err)
		return
	}

	for _, ws := range scripts {
		if p.syncer.Stalled(ws.ID) || p.busy(ws.ID) {
			continue
		}
		if !p.slots.TryAcquire(1) {
			p.backlog.Store(true)
			return
		}
		sctx, cancel := context.WithCancel(ctx)
		if !p.begin(ws.ID, cancel) {
			cancel()
			p.slots.Release(1)
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			more := p.runScript(sctx, ws)
			cancel()
			p.end(ws.ID)
			p.slots.Release(1)
			if more || p.backlog.Swap(false) {
				p.ready()
			}
		}()
	}
}

// runScript runs one poll cycle against the shared tip. It reports whether
// the script ran out of page budget before catching up.
func (p *Pipeline) runScript(ctx context.Context, ws model.WatchedScript) (more bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll cycle panic", "script_id", ws.ID, "panic", r, "stack", string(debug.Stack()))
			more = false
		}
	}()
	tip, ok := p.currentTip()
	if !ok {
		return false
	}
	res, err := p.syncer.Sync(ctx, ws, tip)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("poll cycle failed", "script_id", ws.ID, "kind", syncerr.KindOf(err).String(), "error", err)
		}
		return false
	}
	return res.Pages > 0 && !res.CaughtUp && ctx.Err() == nil
}

// ready asks the scheduler to dispatch again without refreshing the tip.
func (p *Pipeline) ready() {
	select {
	case p.readyCh <- struct{}{}:
	default:
	}
}

func (p *Pipeline) busy(scriptID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[scriptID]
	return ok
}

func (p *Pipeline) begin(scriptID string, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.tracked[scriptID] {
		return false
	}
	if _, busy := p.inflight[scriptID]; busy {
		return false
	}
	p.inflight[scriptID] = cancel
	metrics.EngineInflightSyncs.Inc()
	return true
}

func (p *Pipeline) end(scriptID string) {
	p.mu.Lock()
	delete(p.inflight, scriptID)
	tracked := p.tracked[scriptID]
	p.mu.Unlock()
	metrics.EngineInflightSyncs.Dec()

	if !tracked {
		p.syncer.Forget(scriptID)
	}
}

func (p *Pipeline) nodeFailed(ctx context.Context, err error) {
	metrics.EngineTipPolls.WithLabelValues("error").Inc()
	p.logger.Warn("indexer tip poll failed", "error", err)
	if !p.health.RecordFailure(err) {
		return
	}
	metrics.EngineNodeHealthy.Set(0)
	snap := p.health.Snapshot()
	p.sendAlert(ctx, alert.Alert{
		Type:    alert.AlertTypeNodeUnreachable,
		Title:   "Node unreachable",
		Message: err.Error(),
		Fields: map[string]string{
			"endpoint": snap.Endpoint,
			"failures": fmt.Sprintf("%d", snap.ConsecutiveFailures),
		},
	})
}

func (p *Pipeline) nodeAnswered(ctx context.Context, tip chain.Header, latency time.Duration) {
	metrics.EngineTipPolls.WithLabelValues("ok").Inc()
	metrics.EngineNodeHealthy.Set(1)
	if !p.health.RecordSuccess(tip.Number, latency) {
		return
	}
	p.logger.Info("node reachable again", "indexer_tip", tip.Number)
	p.sendAlert(ctx, alert.Alert{
		Type:    alert.AlertTypeRecovery,
		Title:   "Node reachable",
		Message: fmt.Sprintf("indexer tip %d", tip.Number),
		Fields:  map[string]string{"endpoint": p.health.Snapshot().Endpoint},
	})
}

func (p *Pipeline) sendAlert(ctx context.Context, a alert.Alert) {
	if err := p.alerter.Send(context.WithoutCancel(ctx), a); err != nil {
		p.logger.Warn("alert send failed", "type", a.Type, "error", err)
	}
}

// Resync discards everything cached for a script and rewinds it to its
// start block. It is the only way out of a too-deep reorg.
func (p *Pipeline) Resync(ctx context.Context, scriptID string) error {
	ws, err := p.stores.Scripts.Get(ctx, scriptID)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	if ws == nil {
		return syncerr.Newf(syncerr.KindScriptNotFound, "pipeline.resync", "script %s", scriptID)
	}
	return p.do(ctx, "resync", func(ctx context.Context) error {
		return p.syncer.Resync(ctx, *ws)
	})
}

// SwitchEndpoint points the engine at another node and indexer. An empty
// indexerURL means nodeURL serves both; a separately configured indexer is
// never carried over, since it may follow a different chain. In-flight
// polls are cancelled first; cursors are kept.
func (p *Pipeline) SwitchEndpoint(ctx context.Context, nodeURL, indexerURL string) error {
	if !validEndpoint(nodeURL) {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, nodeURL)
	}
	if indexerURL == "" {
		indexerURL = nodeURL
	}
	if !validEndpoint(indexerURL) {
		return fmt.Errorf("%w: indexer %q", ErrInvalidEndpoint, indexerURL)
	}
	if p.newGateway == nil {
		return errors.New("switch endpoint: no gateway factory configured")
	}
	return p.do(ctx, "switch_endpoint", func(ctx context.Context) error {
		gw, err := p.newGateway(nodeURL, indexerURL)
		if err != nil {
			return fmt.Errorf("switch endpoint: %w", err)
		}
		p.gateway.Swap(gw)
		p.clearTip()
		p.health.Reset(nodeURL)
		p.logger.Info("node endpoint switched", "endpoint", nodeURL, "indexer", indexerURL)
		return nil
	})
}

func validEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SubmitTransaction sends tx to the node and records it as pending, linked
// to every watched script owning one of its inputs. The inputs are what a
// later conflicting spend is matched against.
func (p *Pipeline) SubmitTransaction(ctx context.Context, tx chain.RawTransaction) (string, error) {
	hash, err := p.gateway.SubmitTransaction(ctx, tx)
	if err != nil {
		return "", err
	}

	err = p.inTx(ctx, func(ctx context.Context, dbtx *sql.Tx) error {
		pending := &model.Transaction{Hash: hash, CreatedAt: p.nowFn()}
		if err := p.stores.Transactions.InsertPendingTx(ctx, dbtx, pending, tx.Inputs); err != nil {
			return err
		}
		linked := make(map[string]bool)
		for _, op := range tx.Inputs {
			c, err := p.stores.Cells.GetTx(ctx, dbtx, op)
			if err != nil {
				return err
			}
			if c == nil || linked[c.ScriptID] {
				continue
			}
			linked[c.ScriptID] = true
			if err := p.stores.Transactions.LinkScriptTx(ctx, dbtx, c.ScriptID, hash, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// the node already accepted it; the cache just does not know yet
		p.logger.Error("record pending transaction failed", "tx_hash", hash, "error", err)
		return hash, fmt.Errorf("record pending %s: %w", hash, err)
	}
	p.logger.Info("transaction submitted", "tx_hash", hash, "inputs", len(tx.Inputs))
	p.Kick()
	return hash, nil
}

func (p *Pipeline) inTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := p.stores.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}
