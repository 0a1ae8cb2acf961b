// Command extraqd runs the asynchronous document-extraction service: the
// HTTP intake API, the SQLite-backed task queue and the worker pool that
// drives extractions against the configured model providers.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hazyhaar/extraq/cache"
	"github.com/hazyhaar/extraq/config"
	"github.com/hazyhaar/extraq/dbopen"
	"github.com/hazyhaar/extraq/engine"
	"github.com/hazyhaar/extraq/gateway"
	"github.com/hazyhaar/extraq/httpapi"
	"github.com/hazyhaar/extraq/observability"
	"github.com/hazyhaar/extraq/shield"
	"github.com/hazyhaar/extraq/task"
	"github.com/hazyhaar/extraq/urlcheck"
	"github.com/hazyhaar/extraq/vtq"
	"github.com/hazyhaar/extraq/webhook"
	"github.com/hazyhaar/extraq/worker"

	_ "modernc.org/sqlite"
)

func main() {
	cfgPath := env("EXTRAQ_CONFIG", "")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	logLevel := env("LOG_LEVEL", cfg.LogLevel)
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Main DB: tasks, idempotency keys, queue, rate-limit rules.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := task.NewStore(db)
	if err := store.EnsureTable(ctx); err != nil {
		slog.Error("tasks schema", "error", err)
		os.Exit(1)
	}
	index := task.NewIdempotencyIndex(db, cfg.IdempotencyTTL.Std())
	if err := index.EnsureTable(ctx); err != nil {
		slog.Error("idempotency schema", "error", err)
		os.Exit(1)
	}
	queue := vtq.New(db, vtq.Options{
		Queue:      "extract",
		Visibility: cfg.Worker.Visibility.Std(),
		Logger:     logger,
	})
	if err := queue.EnsureTable(ctx); err != nil {
		slog.Error("queue schema", "error", err)
		os.Exit(1)
	}
	if err := shield.Init(db); err != nil {
		slog.Error("rate limit schema", "error", err)
		os.Exit(1)
	}

	// Observability DB kept separate so event churn never contends with
	// the task tables.
	obsDB, err := dbopen.Open(cfg.ObservabilityDBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability schema", "error", err)
		os.Exit(1)
	}
	events := observability.NewEventLogger(obsDB)

	// Cache tiers.
	backendCfg := cache.BackendConfig{Kind: cache.BackendKind(cfg.Cache.Backend), DB: db}
	if backendCfg.Kind == cache.KindPostgres {
		pool, pErr := pgxpool.New(ctx, cfg.Cache.PostgresDSN)
		if pErr != nil {
			slog.Error("postgres cache pool", "error", pErr)
			os.Exit(1)
		}
		defer pool.Close()
		backendCfg.Pool = pool
	}
	backend, err := cache.NewBackend(ctx, backendCfg)
	if err != nil {
		slog.Error("cache backend", "error", err)
		os.Exit(1)
	}
	cacheMgr := cache.NewManager(backend, backend, cache.ManagerOptions{
		ResponseTTL: cfg.Cache.ResponseTTL.Std(),
		ResultTTL:   cfg.Cache.ResultTTL.Std(),
		Logger:      logger,
	})

	// Outbound URL validation (documents and callbacks).
	urls := urlcheck.New(urlcheck.WithAllowedHosts(cfg.AllowedDocumentHosts...))

	// Model providers.
	engines := engine.NewRegistry()
	for name, p := range cfg.Providers {
		engines.Register(name, engine.NewClient(name, p.BaseURL, p.APIKey(),
			engine.WithDefaultModel(p.Model),
			engine.WithResponseCache(cacheMgr.Response()),
			engine.WithLogger(logger),
		))
	}
	if len(engines.Names()) == 0 {
		slog.Warn("no providers configured; every submission will fail")
	}

	// Webhook dispatcher.
	dispatcher := webhook.NewDispatcher(urls, webhook.Options{
		Secret:         os.Getenv("WEBHOOK_SECRET"),
		Attempts:       cfg.Webhook.Attempts,
		AttemptTimeout: cfg.Webhook.AttemptTimeout.Std(),
		Logger:         logger,
	})

	// Gateway + worker pool.
	gw := gateway.New(store, index, queue, urls, gateway.Options{
		Events: events,
		Logger: logger,
	})
	runner := worker.New(worker.Deps{
		Store:    store,
		Queue:    queue,
		Engines:  engines,
		Cache:    cacheMgr,
		Fetcher:  engine.NewHTTPFetcher(urls),
		Webhooks: dispatcher,
		Events:   events,
	}, worker.Options{
		MaxRetries:      cfg.Worker.MaxRetries,
		TaskTimeout:     cfg.Worker.TaskTimeout.Std(),
		StrictConsensus: cfg.Worker.StrictConsensus,
		Logger:          logger,
	})
	go runner.Run(ctx, cfg.Worker.BatchSize, cfg.Worker.Concurrency)

	// Worker heartbeats.
	hb := observability.NewHeartbeatWriter(obsDB, "extraqd", time.Minute)
	hb.Start(ctx)
	defer hb.Stop()

	// Periodic janitor: expired idempotency keys, expired cache rows,
	// observability retention.
	go janitor(ctx, index, backend, obsDB)

	// Rate limiting, rules loaded from the main DB.
	limiter := shield.NewRateLimiter(db, "/health")
	limiter.StartReloader(ctx.Done())

	api := httpapi.New(gw, httpapi.Options{Logger: logger})
	handler := api.Routes(
		shield.TraceID,
		shield.SecurityHeaders(shield.DefaultHeaders()),
		shield.MaxJSONBody(cfg.MaxBodyBytes),
		limiter.Middleware,
		shield.RequestLog(events),
	)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "providers", engines.Names())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// janitor sweeps expired rows hourly. Best effort; a missed sweep only
// delays reclamation.
func janitor(ctx context.Context, index *task.IdempotencyIndex, backend cache.Backend, obsDB *sql.DB) {
	sweepable, _ := backend.(interface {
		Sweep(ctx context.Context) (int64, error)
	})

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := index.Sweep(ctx); err != nil {
			slog.Warn("idempotency sweep", "error", err)
		} else if n > 0 {
			slog.Debug("idempotency sweep", "deleted", n)
		}
		if sweepable != nil {
			if n, err := sweepable.Sweep(ctx); err != nil {
				slog.Warn("cache sweep", "error", err)
			} else if n > 0 {
				slog.Debug("cache sweep", "deleted", n)
			}
		}
		if err := observability.Cleanup(ctx, obsDB, observability.RetentionConfig{
			TaskEventsDays: 30,
			HeartbeatsDays: 7,
			HTTPLogsDays:   14,
		}); err != nil {
			slog.Warn("observability cleanup", "error", err)
		}
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
