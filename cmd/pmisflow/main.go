// Package main is the entry point for the pmisflow workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/pmisflow/internal/autostart"
	"github.com/pitabwire/pmisflow/internal/config"
	"github.com/pitabwire/pmisflow/internal/definition"
	"github.com/pitabwire/pmisflow/internal/idempotency"
	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/internal/openapi"
	"github.com/pitabwire/pmisflow/internal/sla"
	"github.com/pitabwire/pmisflow/internal/transport"
	"github.com/pitabwire/pmisflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "pmisflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Step 4: Load the API description.
	apiDoc, err := openapi.Load()
	if err != nil {
		logger.Error("API description load failed", zap.Error(err))
		return 1
	}

	// Step 5: Load definitions, validate, build registry.
	defs, err := definition.LoadValidated(definition.NewLoader(), definition.NewValidator(), cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(len(defs)))

	// Step 6: Initialize workflow store.
	wfStore, wfStoreCloser, err := buildWorkflowStore(ctx, cfg.Workflow, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}

	engine := workflow.NewEngine(registry, wfStore,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithMaxRetries(cfg.Workflow.MaxRetries),
	)

	// Step 7: Initialize idempotency store (optional).
	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Initialize the submission event source (optional).
	source, sourceCloser, err := buildEventSource(ctx, cfg.Autostart, logger)
	if err != nil {
		logger.Error("event source initialization failed", zap.Error(err))
		return 1
	}

	// Step 9: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
	jwks.SetLogger(logger)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.TemplateCount() > 0 },
		APIDocLoaded:      func() bool { return len(apiDoc.OperationIDs()) > 0 },
	}
	if hc, ok := wfStore.(observability.HealthChecker); ok {
		readiness.WorkflowStore = hc
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}
	if hc, ok := source.(observability.HealthChecker); ok {
		readiness.EventSource = hc
	}

	deps := transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Idempotency:  idemStore,
		APIDoc:       apiDoc,
		Metrics:      metrics,
		Readiness:    readiness,
		Logger:       logger,
	}
	if source != nil {
		deps.Publisher = source
	}
	router := transport.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Definitions.HotReload {
		watcher := definition.NewWatcher(cfg.Definitions.Directories, registry, logger)
		if metrics != nil {
			watcher.SetMetrics(metrics)
		}
		go func() {
			if err := watcher.Run(bgCtx); err != nil {
				logger.Error("definition watcher stopped", zap.Error(err))
			}
		}()
	}

	if source != nil {
		consumer := autostart.NewConsumer(source, engine, logger, metrics)
		go func() {
			if err := consumer.Run(bgCtx); err != nil {
				logger.Error("autostart consumer stopped", zap.Error(err))
			}
		}()
	}

	if cfg.SLA.Enabled {
		monitor, err := sla.NewMonitor(engine, cfg.SLA.Schedule, logger, metrics)
		if err != nil {
			logger.Error("sla monitor initialization failed", zap.Error(err))
			return 1
		}
		go func() { _ = monitor.Run(bgCtx) }()
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(defs)),
		zap.Int("templates", registry.TemplateCount()),
		zap.String("store", cfg.Workflow.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks.
	bgCancel()

	for _, closer := range []func(){sourceCloser, idemCloser, wfStoreCloser} {
		if closer != nil {
			closer()
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildWorkflowStore creates the workflow store based on config.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowConfig, logger *zap.Logger) (workflow.WorkflowStore, func(), error) {
	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryWorkflowStore(), nil, nil
	case "postgres":
		dsn := config.Env(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.Store.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Store.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgWorkflowStore(pool)
		if cfg.Store.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("workflow store: migrate: %w", err)
			}
			logger.Info("workflow schema migrated")
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Store.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		client, err := newRedisClient(ctx, cfg.Store.AddrEnv, cfg.Store.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Info("using redis idempotency store")
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// eventSource is both ends of the submission pipeline.
type eventSource interface {
	autostart.Source
	autostart.Publisher
}

// buildEventSource creates the submission event source based on config.
// Returns a nil source when autostart is disabled.
func buildEventSource(ctx context.Context, cfg config.AutostartConfig, logger *zap.Logger) (eventSource, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Source {
	case "channel", "":
		logger.Info("using in-process submission channel", zap.Int("buffer", cfg.Buffer))
		src := autostart.NewChannelSource(cfg.Buffer)
		return src, src.Close, nil
	case "redis":
		client, err := newRedisClient(ctx, cfg.AddrEnv, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("event source: %w", err)
		}
		logger.Info("using redis submission channel", zap.String("channel", cfg.Channel))
		return autostart.NewRedisSource(client, cfg.Channel, logger), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported autostart source: %q", cfg.Source)
	}
}

func newRedisClient(ctx context.Context, addrEnv string, db int) (*redis.Client, error) {
	addr := config.Env(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}
	return client, nil
}
