package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emperorhan/cellsync/internal/alert"
	"github.com/emperorhan/cellsync/internal/api"
	"github.com/emperorhan/cellsync/internal/chain"
	"github.com/emperorhan/cellsync/internal/chain/ckb"
	"github.com/emperorhan/cellsync/internal/config"
	"github.com/emperorhan/cellsync/internal/pipeline"
	"github.com/emperorhan/cellsync/internal/pipeline/amendment"
	"github.com/emperorhan/cellsync/internal/pipeline/cursor"
	"github.com/emperorhan/cellsync/internal/pipeline/reconciler"
	"github.com/emperorhan/cellsync/internal/pipeline/registry"
	"github.com/emperorhan/cellsync/internal/pipeline/retry"
	"github.com/emperorhan/cellsync/internal/pipeline/syncstate"
	"github.com/emperorhan/cellsync/internal/projector"
	redispkg "github.com/emperorhan/cellsync/internal/store/redis"
	"github.com/emperorhan/cellsync/internal/store/sqlstore"
	"github.com/emperorhan/cellsync/internal/tracing"
	"golang.org/x/sync/errgroup"
)

const serverShutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("cellsync exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("cellsync shut down gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting cellsync",
		"node_rpc", cfg.Node.RPCURL,
		"indexer_rpc", cfg.Node.IndexerURL,
		"db_driver", cfg.DB.Driver,
		"sync_workers", cfg.Sync.Workers,
		"page_size", cfg.Sync.PageSize,
		"max_reorg_depth", cfg.Sync.MaxReorgDepth,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, "cellsync", tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:          cfg.DB.Driver,
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	repos := sqlstore.NewRepos(db)
	logger.Info("cache database ready", "driver", db.Driver())

	newGateway := gatewayFactory(cfg.Node, logger)
	initial, err := newGateway(cfg.Node.RPCURL, cfg.Node.IndexerURL)
	if err != nil {
		return err
	}
	gateway := chain.NewSwappable(initial)

	alerter := buildAlerter(cfg.Alert, logger)

	var sinks []syncstate.Sink
	if cfg.Redis.URL != "" {
		mirror, err := redispkg.NewSyncMirror(ctx, cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			return fmt.Errorf("init redis sync mirror: %w", err)
		}
		defer mirror.Close()
		sinks = append(sinks, mirror)
		logger.Info("redis sync mirror enabled", "channel", mirror.Channel())
	}
	publisher := syncstate.New(syncstate.Config{RateWindow: cfg.Sync.RateWindow, Debounce: syncstate.DefaultDebounce}, logger, sinks...)

	cursors := cursor.NewStore(repos.Cursors, repos.Scripts)
	tracker := amendment.NewTracker(repos.Amendments, repos.Transactions, repos.Cells, logger)
	rec := reconciler.New(
		reconciler.Config{
			PageSize:      cfg.Sync.PageSize,
			MaxReorgDepth: cfg.Sync.MaxReorgDepth,
		},
		reconciler.Stores{
			DB:           db,
			Cells:        repos.Cells,
			Transactions: repos.Transactions,
			Headers:      repos.Headers,
		},
		cursors, tracker, gateway, logger,
	).WithAlerter(alerter).WithObserver(publisher)

	engine := pipeline.New(
		pipeline.Config{
			Workers:        cfg.Sync.Workers,
			Interval:       cfg.Sync.Interval,
			UnhealthyAfter: cfg.Sync.UnhealthyAfter,
			Endpoint:       cfg.Node.RPCURL,
		},
		pipeline.Stores{
			DB:           db,
			Scripts:      repos.Scripts,
			Cells:        repos.Cells,
			Transactions: repos.Transactions,
		},
		gateway, rec, publisher, logger,
	).WithAlerter(alerter).WithGatewayFactory(newGateway)

	scripts := registry.New(repos.Scripts, gateway, logger)
	scripts.AddListener(engine)

	projections := projector.New(repos.Cells, repos.Transactions, tracker, projector.LockPeriod{
		TypeCodeHash: cfg.Lock.TypeCodeHash,
		Blocks:       cfg.Lock.Blocks,
	})

	server := api.NewServer(scripts, engine, publisher, projections, logger, api.WithInputDecoder(ckb.DeclaredInputs))
	limiter := api.NewRateLimitMiddleware(logger)
	defer limiter.Stop()
	handler := api.AuditMiddleware(logger, limiter.Wrap(server.Handler()))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gCtx)
	})
	g.Go(func() error {
		return publisher.Run(gCtx)
	})
	g.Go(func() error {
		return runAPIServer(gCtx, cfg.Server.APIPort, handler, logger)
	})
	g.Go(func() error {
		db.RunPoolStatsReporter(gCtx, time.Duration(cfg.DB.PoolStatsIntervalMS)*time.Millisecond)
		return nil
	})
	if cfg.WatchFile != "" {
		watcher := pipeline.NewConfigWatcher(func() ([]registry.Registration, error) {
			return config.LoadWatchFile(cfg.WatchFile)
		}, scripts, logger, 0)
		g.Go(func() error {
			return watcher.Run(gCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// gatewayFactory builds ckb gateways sharing one set of transport settings.
// Endpoints always come from the caller, so a switched node never keeps the
// indexer it started with.
func gatewayFactory(node config.NodeConfig, logger *slog.Logger) pipeline.GatewayFactory {
	return func(nodeURL, indexerURL string) (chain.NodeGateway, error) {
		if nodeURL == "" {
			return nil, fmt.Errorf("node url is required")
		}
		if indexerURL == "" {
			indexerURL = nodeURL
		}
		return ckb.New(ckb.Config{
			NodeURL:     nodeURL,
			IndexerURL:  indexerURL,
			Timeout:     node.Timeout,
			RPS:         node.RPS,
			Burst:       node.Burst,
			MaxAttempts: node.RetryMaxAttempts,
			Backoff:     retry.Backoff{Initial: node.BackoffInitial, Max: node.BackoffMax},
		}, logger), nil
	}
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

func runAPIServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("api server shutdown error", "error", err)
		}
	}()

	logger.Info("api server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}
