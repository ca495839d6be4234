package ckb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/cellsync/internal/cache"
	"github.com/emperorhan/cellsync/internal/chain"
	"github.com/emperorhan/cellsync/internal/chain/ckb/rpc"
	"github.com/emperorhan/cellsync/internal/chain/ratelimit"
	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/emperorhan/cellsync/internal/metrics"
	"github.com/emperorhan/cellsync/internal/pipeline/retry"
	"github.com/emperorhan/cellsync/internal/syncerr"
	"github.com/emperorhan/cellsync/internal/tracing"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "cellsync/chain/ckb"

const (
	defaultMaxAttempts     = 4
	defaultBackoffInitial  = 200 * time.Millisecond
	defaultBackoffMax      = 5 * time.Second
	defaultTxCacheSize     = 4096
	defaultTxCacheTTL      = 10 * time.Minute
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

type Config struct {
	NodeURL string
	// IndexerURL defaults to NodeURL when empty.
	IndexerURL string
	Timeout    time.Duration

	RPS   float64
	Burst int

	MaxAttempts int
	Backoff     retry.Backoff

	TxCacheSize int
	TxCacheTTL  time.Duration

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Gateway implements chain.NodeGateway against a CKB node with the
// built-in indexer enabled.
type Gateway struct {
	node        rpc.RPCClient
	indexer     rpc.RPCClient
	endpoint    string
	limiter     *ratelimit.Limiter
	breaker     *gobreaker.CircuitBreaker
	txCache     *cache.LRU[string, *chain.TxDetail]
	maxAttempts int
	backoff     retry.Backoff
	sleepFn     func(context.Context, time.Duration) error
	logger      *slog.Logger
}

var _ chain.NodeGateway = (*Gateway)(nil)

func New(cfg Config, logger *slog.Logger) *Gateway {
	indexerURL := cfg.IndexerURL
	if indexerURL == "" {
		indexerURL = cfg.NodeURL
	}
	node := rpc.NewClient(cfg.NodeURL, cfg.Timeout, logger)
	indexer := node
	if indexerURL != cfg.NodeURL {
		indexer = rpc.NewClient(indexerURL, cfg.Timeout, logger)
	}
	return newGateway(cfg, node, indexer, logger)
}

func newGateway(cfg Config, node, indexer rpc.RPCClient, logger *slog.Logger) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = retry.Backoff{Initial: defaultBackoffInitial, Max: defaultBackoffMax}
	}
	if cfg.TxCacheSize == 0 {
		cfg.TxCacheSize = defaultTxCacheSize
	}
	if cfg.TxCacheTTL <= 0 {
		cfg.TxCacheTTL = defaultTxCacheTTL
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}

	g := &Gateway{
		node:        node,
		indexer:     indexer,
		endpoint:    cfg.NodeURL,
		limiter:     ratelimit.NewLimiter(cfg.RPS, cfg.Burst, cfg.NodeURL),
		txCache:     cache.NewLRU[string, *chain.TxDetail](cfg.TxCacheSize, cfg.TxCacheTTL),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		sleepFn:     retry.SleepContext,
		logger:      logger.With("component", "ckb_gateway", "endpoint", cfg.NodeURL),
	}

	failures := cfg.BreakerFailures
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.NodeURL,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transport-level trouble should open the breaker; a node
		// rejecting a transaction says nothing about its health.
		IsSuccessful: func(err error) bool {
			return err == nil || !retry.Classify(err).IsTransient()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RPCBreakerState.WithLabelValues(name).Set(float64(to))
			g.logger.Warn("node circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	metrics.RPCBreakerState.WithLabelValues(cfg.NodeURL).Set(float64(gobreaker.StateClosed))
	return g
}

// Endpoint returns the node URL this gateway talks to.
func (g *Gateway) Endpoint() string {
	return g.endpoint
}

// read runs an idempotent call with rate limiting, the breaker and
// bounded exponential backoff.
func (g *Gateway) read(ctx context.Context, method string, fn func(context.Context) error) error {
	ctx, span := tracing.Start(ctx, tracerName, "ckb."+method, attribute.String("rpc.method", method))
	var lastErr error
	defer func() { tracing.End(span, lastErr) }()

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		err := g.once(ctx, method, fn)
		if err == nil {
			lastErr = nil
			return nil
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			return lastErr
		}
		lastErr = err

		decision := retry.Classify(err)
		if !decision.IsTransient() {
			lastErr = syncerr.New(syncerr.KindUnknown, "ckb."+method, err)
			return lastErr
		}
		if attempt == g.maxAttempts {
			break
		}

		delay := g.backoff.Delay(attempt)
		g.logger.Warn("node call failed; retrying",
			"method", method,
			"attempt", attempt,
			"max_attempts", g.maxAttempts,
			"reason", decision.Reason,
			"backoff", delay,
			"error", err,
		)
		if err := g.sleepFn(ctx, delay); err != nil {
			lastErr = err
			return err
		}
	}

	lastErr = syncerr.New(syncerr.KindNetworkUnavailable, "ckb."+method,
		fmt.Errorf("after %d attempts: %w", g.maxAttempts, lastErr))
	return lastErr
}

func (g *Gateway) once(ctx context.Context, method string, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	started := time.Now()
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	ratelimit.RecordRPCCall(method, started, err)
	return err
}

func (g *Gateway) GetTipNumber(ctx context.Context) (int64, error) {
	var tip int64
	err := g.read(ctx, "get_tip_block_number", func(ctx context.Context) error {
		var err error
		tip, err = g.node.GetTipBlockNumber(ctx)
		return err
	})
	return tip, err
}

func (g *Gateway) GetIndexerTip(ctx context.Context) (chain.Header, error) {
	var tip *rpc.IndexerTip
	err := g.read(ctx, "get_indexer_tip", func(ctx context.Context) error {
		var err error
		tip, err = g.indexer.GetIndexerTip(ctx)
		return err
	})
	if err != nil || tip == nil {
		return chain.Header{}, err
	}
	number, err := rpc.ParseHexInt64(tip.BlockNumber)
	if err != nil {
		return chain.Header{}, fmt.Errorf("indexer tip: %w", err)
	}
	return chain.Header{Number: number, Hash: tip.BlockHash}, nil
}

func (g *Gateway) GetHeader(ctx context.Context, blockNumber int64) (*chain.Header, error) {
	var raw *rpc.Header
	err := g.read(ctx, "get_header_by_number", func(ctx context.Context) error {
		var err error
		raw, err = g.node.GetHeaderByNumber(ctx, blockNumber)
		return err
	})
	if err != nil || raw == nil {
		return nil, err
	}
	return toHeader(raw)
}

func (g *Gateway) GetTransaction(ctx context.Context, hash string) (*chain.TxDetail, error) {
	if detail, ok := g.txCache.Get(hash); ok {
		metrics.RPCTxCacheHits.Inc()
		return detail, nil
	}

	var raw *rpc.TransactionWithStatus
	err := g.read(ctx, "get_transaction", func(ctx context.Context) error {
		var err error
		raw, err = g.node.GetTransaction(ctx, hash)
		return err
	})
	if err != nil || raw == nil {
		return nil, err
	}
	detail, err := toTxDetail(raw)
	if err != nil {
		return nil, err
	}
	if detail.Status == "committed" {
		g.txCache.Put(hash, detail)
	}
	return detail, nil
}

func (g *Gateway) GetTransactions(ctx context.Context, lock model.Script, from chain.PageRequest) (*chain.Page, error) {
	if from.Limit <= 0 {
		from.Limit = 100
	}
	key := rpc.SearchKey{
		Script:     toRPCScript(lock),
		ScriptType: "lock",
	}
	if from.ToBlock > from.FromBlock {
		key.Filter = &rpc.SearchKeyFilter{BlockRange: []string{
			rpc.FormatHexInt64(from.FromBlock),
			rpc.FormatHexInt64(from.ToBlock),
		}}
	}

	var raw *rpc.IndexerTxPage
	err := g.read(ctx, "get_transactions", func(ctx context.Context) error {
		var err error
		raw, err = g.indexer.GetTransactions(ctx, key, from.Limit, from.Position)
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &chain.Page{
		LastPosition: raw.LastCursor,
		Complete:     len(raw.Objects) < from.Limit,
	}
	if page.LastPosition == "" {
		page.LastPosition = from.Position
	}

	headers := make(map[int64]*chain.Header)
	for _, obj := range raw.Objects {
		ev, err := g.expand(ctx, obj)
		if err != nil {
			return nil, err
		}
		h, ok := headers[ev.BlockNumber]
		if !ok {
			h, err = g.GetHeader(ctx, ev.BlockNumber)
			if err != nil {
				return nil, err
			}
			if h == nil {
				// The indexer is ahead of what the node will serve. The
				// paging token cannot point mid-page, so drop the page and
				// let the next poll fetch it again.
				return &chain.Page{LastPosition: from.Position}, nil
			}
			headers[ev.BlockNumber] = h
			page.Headers = append(page.Headers, *h)
		}
		ev.BlockHash = h.Hash
		ev.Timestamp = h.Timestamp
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

// expand turns one indexer reference into a cell event using the full
// transaction.
func (g *Gateway) expand(ctx context.Context, obj rpc.IndexerTx) (chain.CellEvent, error) {
	blockNumber, err := rpc.ParseHexInt64(obj.BlockNumber)
	if err != nil {
		return chain.CellEvent{}, fmt.Errorf("indexer block number: %w", err)
	}
	txIndex, err := rpc.ParseHexInt64(obj.TxIndex)
	if err != nil {
		return chain.CellEvent{}, fmt.Errorf("indexer tx index: %w", err)
	}
	ioIndex, err := rpc.ParseHexInt64(obj.IOIndex)
	if err != nil {
		return chain.CellEvent{}, fmt.Errorf("indexer io index: %w", err)
	}

	tx, err := g.GetTransaction(ctx, obj.TxHash)
	if err != nil {
		return chain.CellEvent{}, err
	}
	if tx == nil {
		return chain.CellEvent{}, syncerr.Newf(syncerr.KindNetworkUnavailable, "ckb.expand",
			"node does not know indexed transaction %s", obj.TxHash)
	}

	ev := chain.CellEvent{
		TxHash:      obj.TxHash,
		TxIndex:     txIndex,
		BlockNumber: blockNumber,
	}
	switch obj.IOType {
	case "output":
		if ioIndex >= int64(len(tx.Outputs)) {
			return chain.CellEvent{}, fmt.Errorf("tx %s has no output %d", obj.TxHash, ioIndex)
		}
		out := tx.Outputs[ioIndex]
		ev.Kind = chain.EventCreated
		ev.OutPoint = model.OutPoint{TxHash: obj.TxHash, Index: ioIndex}
		ev.Capacity = out.Capacity
		ev.Data = out.Data
		ev.Type = out.Type
	case "input":
		if ioIndex >= int64(len(tx.Inputs)) {
			return chain.CellEvent{}, fmt.Errorf("tx %s has no input %d", obj.TxHash, ioIndex)
		}
		ev.Kind = chain.EventConsumed
		ev.OutPoint = tx.Inputs[ioIndex].PreviousOutput
	default:
		return chain.CellEvent{}, fmt.Errorf("unknown io_type %q", obj.IOType)
	}
	return ev, nil
}

// SubmitTransaction is attempted once. JSON-RPC errors are the node
// refusing the transaction; anything else means it may not have arrived.
func (g *Gateway) SubmitTransaction(ctx context.Context, tx chain.RawTransaction) (string, error) {
	const op = "ckb.send_transaction"
	if !jsoniter.Valid(tx.Payload) {
		return "", fmt.Errorf("%s: payload is not valid JSON", op)
	}

	ctx, span := tracing.Start(ctx, tracerName, op, attribute.String("rpc.method", "send_transaction"))
	var hash string
	err := g.once(ctx, "send_transaction", func(ctx context.Context) error {
		var err error
		hash, err = g.node.SendTransaction(ctx, jsoniter.RawMessage(tx.Payload))
		return err
	})

	var rpcErr *rpc.RPCError
	switch {
	case err == nil:
	case errors.As(err, &rpcErr):
		err = syncerr.New(syncerr.KindRejectedByNode, op, err)
	case ctx.Err() != nil:
		err = ctx.Err()
	default:
		err = syncerr.New(syncerr.KindNetworkUnavailable, op, err)
	}
	tracing.End(span, err)
	if err != nil {
		return "", err
	}
	g.txCache.Remove(hash)
	return hash, nil
}

// Unwatch is a no-op: the built-in indexer tracks every lock script.
func (g *Gateway) Unwatch(ctx context.Context, lock model.Script) error {
	return nil
}
