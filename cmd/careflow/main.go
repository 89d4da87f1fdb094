// Package main is the entry point for the careflow workflow engine.
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/careflow/internal/assignee"
	"github.com/pitabwire/careflow/internal/config"
	"github.com/pitabwire/careflow/internal/definition"
	"github.com/pitabwire/careflow/internal/dispatch"
	"github.com/pitabwire/careflow/internal/expression"
	"github.com/pitabwire/careflow/internal/inbox"
	"github.com/pitabwire/careflow/internal/lock"
	"github.com/pitabwire/careflow/internal/notify"
	"github.com/pitabwire/careflow/internal/observability"
	"github.com/pitabwire/careflow/internal/timer"
	"github.com/pitabwire/careflow/internal/transport"
	"github.com/pitabwire/careflow/internal/trigger"
	"github.com/pitabwire/careflow/internal/workflow"
	"github.com/pitabwire/careflow/model"
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

// backends holds the shared connections opened at startup.
type backends struct {
	pool  *pgxpool.Pool
	redis *redis.Client
	nats  *nats.Conn
}

func (b *backends) close() {
	if b.nats != nil {
		b.nats.Close()
	}
	if b.redis != nil {
		b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "careflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Open shared backends.
	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("backend initialization failed", zap.Error(err))
		return 1
	}
	defer be.close()

	// Step 5: Definitions.
	expr := expression.NewEvaluator(expression.Limits{
		MaxLength: cfg.Engine.Expression.MaxLength,
		MaxDepth:  cfg.Engine.Expression.MaxDepth,
		MaxNodes:  cfg.Engine.Expression.MaxNodes,
	})

	defStore, err := buildDefinitionStore(ctx, cfg.Definitions, be)
	if err != nil {
		logger.Error("definition store initialization failed", zap.Error(err))
		return 1
	}
	catalog := definition.NewCatalog(defStore, definition.NewValidator(expr), logger)

	var definitionsLoaded atomic.Bool
	published, err := catalog.LoadDirectories(ctx, cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	defs, err := defStore.List(ctx)
	if err != nil {
		logger.Error("definition listing failed", zap.Error(err))
		return 1
	}
	metrics.SetDefinitionsLoaded(float64(len(defs)))
	definitionsLoaded.Store(true)

	// Step 6: Instance store, timers, locks, idempotency.
	instances, err := buildInstanceStore(ctx, cfg.Store, be)
	if err != nil {
		logger.Error("instance store initialization failed", zap.Error(err))
		return 1
	}

	timerStore, err := buildTimerStore(ctx, cfg, be)
	if err != nil {
		logger.Error("timer store initialization failed", zap.Error(err))
		return 1
	}
	timers := timer.NewService(timerStore, timer.SystemClock, timer.Options{
		PollInterval: cfg.Timers.PollInterval,
		BatchSize:    cfg.Timers.BatchSize,
		Lease:        cfg.Timers.Lease,
	}, logger.Named("timer"))

	var locker lock.Locker = lock.NewLocal()
	if cfg.Lock.Driver == "redis" {
		locker = lock.NewRedis(be.redis, cfg.Redis.Namespace, cfg.Lock.TTL, cfg.Lock.Wait, logger.Named("lock"))
	}

	var idem workflow.IdempotencyStore = workflow.NewMemoryIdempotencyStore()
	if cfg.Idempotency.Driver == "redis" {
		idem = workflow.NewRedisIdempotencyStore(be.redis)
	}

	// Step 7: Directory, notifier, dispatchers.
	staticDir, err := assignee.NewStaticDirectory(cfg.Directory.StaticFile)
	if err != nil {
		logger.Error("directory initialization failed", zap.Error(err))
		return 1
	}
	directory := assignee.NewCachedDirectory(staticDir, cfg.Directory.CacheTTL, cfg.Directory.LookupRetries, logger.Named("directory"))
	resolver := assignee.NewResolver(directory, expr)

	var notifier dispatch.Notifier = notify.NewLog(logger.Named("notify"))
	if cfg.Notifications.Driver == "nats" {
		notifier = notify.NewNATS(be.nats, cfg.Notifications.SubjectPrefix, logger.Named("notify"))
	}

	human := dispatch.NewHumanDispatcher()
	dispatchers := dispatch.NewRegistry()
	dispatchers.Register(model.KindTask, human)
	dispatchers.Register(model.KindApproval, human)
	dispatchers.Register(model.KindNotification, dispatch.NewNotificationDispatcher(notifier))
	dispatchers.Register(model.KindAPICall, dispatch.NewAPICallDispatcher(expr, dispatch.APICallOptions{
		Timeout:          cfg.HTTPCalls.Timeout,
		FailureThreshold: cfg.HTTPCalls.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.HTTPCalls.CircuitBreaker.SuccessThreshold,
		OpenTimeout:      cfg.HTTPCalls.CircuitBreaker.Timeout,
	}))
	dispatchers.Register(model.KindScript, dispatch.NewScriptDispatcher(expr, dispatch.NewHandlerRegistry()))
	dispatchers.Register(model.KindGateway, dispatch.NewGatewayDispatcher(expr))

	// Step 8: Engine.
	engine := workflow.NewEngine(workflow.Deps{
		Definitions: defStore,
		Store:       instances,
		Dispatchers: dispatchers,
		Timers:      timers,
		Locker:      locker,
		Resolver:    resolver,
		Expr:        expr,
		Notifier:    notifier,
		Idempotency: idem,
	}, workflow.Options{
		ChainLimit:       cfg.Engine.ChainLimit,
		StaleDispatchAge: cfg.Engine.StaleDispatchAge,
		DispatchTimeout:  cfg.Engine.DispatchTimeout,
		IdempotencyTTL:   cfg.Idempotency.TTL,
		Logger:           logger.Named("engine"),
		Recorder:         metrics,
	})
	dispatchers.Register(model.KindSubprocess, dispatch.NewSubprocessDispatcher(expr, engine))

	// Step 9: Event trigger subscriber.
	var subscriber *trigger.Subscriber
	if cfg.Triggers.Enabled {
		subscriber = trigger.NewSubscriber(be.nats, engine, trigger.Options{
			Subject: cfg.Triggers.Subject,
			Queue:   cfg.Triggers.QueueGroup,
		}, logger.Named("trigger"))
		if err := subscriber.Subscribe(); err != nil {
			logger.Error("trigger subscription failed", zap.Error(err))
			return 1
		}
	}

	// Step 10: Build HTTP router.
	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Engine:         engine,
		Inbox:          inbox.New(instances, defStore, resolver, logger.Named("inbox")),
		Definitions:    catalog,
		Logger:         logger,
		Metrics:        metrics,
		MetricsHandler: observability.Handler(),
		Readiness:      readinessChecks(cfg, be, definitionsLoaded.Load),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		if err := timers.Run(bgCtx); err != nil {
			logger.Error("timer service stopped", zap.Error(err))
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		engine.RunReconciler(bgCtx, cfg.Engine.ReconcileInterval)
	}()

	// Step 12: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(defs)),
		zap.Int("published", published),
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

	// Stop taking new work: triggers first, then HTTP.
	if subscriber != nil {
		if err := subscriber.Close(); err != nil {
			logger.Error("trigger drain error", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the timer loop and the reconciler.
	bgCancel()
	for range 2 {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("background tasks did not stop before the shutdown deadline")
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// openBackends connects to the Postgres, Redis and NATS backends the
// configuration asks for.
func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	be := &backends{}

	if cfg.UsesPostgres() {
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("postgres: %s environment variable not set", cfg.Store.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Store.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: ping: %w", err)
		}
		be.pool = pool
		logger.Info("connected to postgres")
	}

	if cfg.UsesRedis() {
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			be.close()
			return nil, fmt.Errorf("redis: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			be.close()
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		be.redis = client
		logger.Info("connected to redis", zap.String("addr", addr))
	}

	if cfg.UsesNATS() {
		url := os.Getenv(cfg.NATS.URLEnv)
		if url == "" {
			url = nats.DefaultURL
		}
		nc, err := nats.Connect(url,
			nats.Name(cfg.NATS.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", zap.Error(err))
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			be.close()
			return nil, fmt.Errorf("nats: connect: %w", err)
		}
		be.nats = nc
		logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
	}

	return be, nil
}

// buildDefinitionStore creates the definition store based on config.
func buildDefinitionStore(ctx context.Context, cfg config.DefinitionsConfig, be *backends) (definition.Store, error) {
	switch cfg.Driver {
	case "postgres":
		store := definition.NewPgStore(be.pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("definition store: %w", err)
		}
		return store, nil
	default:
		return definition.NewRegistry(), nil
	}
}

// buildInstanceStore creates the instance store based on config.
func buildInstanceStore(ctx context.Context, cfg config.StoreConfig, be *backends) (workflow.InstanceStore, error) {
	switch cfg.Driver {
	case "postgres":
		store := workflow.NewPgStore(be.pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("instance store: %w", err)
		}
		return store, nil
	default:
		return workflow.NewMemoryStore(), nil
	}
}

// buildTimerStore creates the timer store based on config.
func buildTimerStore(ctx context.Context, cfg *config.Config, be *backends) (timer.Store, error) {
	switch cfg.Timers.Driver {
	case "postgres":
		store := timer.NewPgStore(be.pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("timer store: %w", err)
		}
		return store, nil
	case "redis":
		return timer.NewRedisStore(be.redis, cfg.Redis.Namespace), nil
	default:
		return timer.NewMemoryStore(), nil
	}
}

// readinessChecks builds the checks for the backends in use. Memory
// backends have nothing to check.
func readinessChecks(cfg *config.Config, be *backends, loaded func() bool) observability.ReadinessChecks {
	checks := observability.ReadinessChecks{DefinitionsLoaded: loaded}

	var pgPing, redisPing observability.HealthChecker
	if be.pool != nil {
		pgPing = observability.CheckFunc(be.pool.Ping)
	}
	if be.redis != nil {
		client := be.redis
		redisPing = observability.CheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	if cfg.Store.Driver == "postgres" {
		checks.InstanceStore = pgPing
	}
	switch cfg.Timers.Driver {
	case "postgres":
		checks.TimerStore = pgPing
	case "redis":
		checks.TimerStore = redisPing
	}
	if cfg.Lock.Driver == "redis" {
		checks.LockBackend = redisPing
	}
	if cfg.Idempotency.Driver == "redis" {
		checks.IdempotencyStore = redisPing
	}
	if be.nats != nil {
		nc := be.nats
		checks.EventBus = observability.CheckFunc(func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats: %s", nc.Status())
			}
			return nil
		})
	}
	return checks
}
