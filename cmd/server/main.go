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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/firebot/sim-engine/internal/aggregate"
	"github.com/firebot/sim-engine/internal/api"
	"github.com/firebot/sim-engine/internal/config"
	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/features"
	"github.com/firebot/sim-engine/internal/feed"
	"github.com/firebot/sim-engine/internal/fill"
	"github.com/firebot/sim-engine/internal/metrics"
	"github.com/firebot/sim-engine/internal/publish"
	"github.com/firebot/sim-engine/internal/runtime"
	"github.com/firebot/sim-engine/internal/store"
	"github.com/firebot/sim-engine/internal/strategy"
)

func main() {
	cfg, err := config.LoadWithEnv()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closers, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeAll(closers); err != nil {
			slog.Error("close failed", "err", err)
		}
	}()

	// --- Strategies ---
	runtimes, err := buildRuntimes(cfg, logger)
	if err != nil {
		slog.Error("strategy setup failed", "err", err)
		os.Exit(1)
	}

	// --- Feed ---
	replay, err := buildFeed(cfg, logger)
	if err != nil {
		slog.Error("feed setup failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	// --- Observers ---
	rec := store.NewRecorder(st, logger)
	opts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithObserver(rec),
		dispatch.WithObserver(metrics.Recorder{}),
		dispatch.WithObserver(hub),
	}

	if cfg.Ensemble.Enabled {
		agg, err := aggregate.New(cfg.Ensemble.Config)
		if err != nil {
			slog.Error("ensemble setup failed", "err", err)
			os.Exit(1)
		}
		opts = append(opts, dispatch.WithObserver(aggregate.NewEnsemble(agg, hub.PublishSignal)))
		slog.Info("ensemble enabled", "method", cfg.Ensemble.Method)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := publish.New(publish.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			RunID:        rec.RunID(),
		}, logger)
		if err != nil {
			slog.Error("kafka setup failed", "err", err)
			os.Exit(1)
		}
		closers = append(closers, pub.Close)
		opts = append(opts, dispatch.WithObserver(pub))
		slog.Info("kafka publishing enabled", "topic", cfg.Kafka.Topic)
	}

	d, err := dispatch.New(cfg.DispatchConfig(), runtimes, opts...)
	if err != nil {
		slog.Error("dispatcher setup failed", "err", err)
		os.Exit(1)
	}

	// --- Results service ---
	svc := api.NewService(st)
	svc.Attach(rec.RunID(), d)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"sim-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for per-bar results.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("sim-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// --- Run ---
	if err := runSimulation(ctx, cfg, d, rec, replay); err != nil {
		slog.Error("run failed", "run", rec.RunID(), "err", err)
	}
	svc.Detach(rec.RunID())

	// Results stay queryable until signalled.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down sim-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("sim-engine stopped")
}

func runSimulation(ctx context.Context, cfg *config.Config, d *dispatch.Dispatcher, rec *store.Recorder, replay *feed.Replay) error {
	ids := make([]string, len(cfg.Strategies))
	for i, s := range cfg.Strategies {
		ids[i] = s.ID
	}
	if err := rec.Start(ctx, cfg.App.Name, ids); err != nil {
		return err
	}
	slog.Info("replaying bars", "run", rec.RunID(), "bars", replay.Len(), "strategies", len(ids))

	rep, runErr := d.Run(ctx, replay)
	if rep == nil {
		return runErr
	}

	// Persist the outcome even when the run was cancelled.
	if err := rec.Finish(context.WithoutCancel(ctx), rep); err != nil {
		runErr = multierr.Append(runErr, err)
	}
	for _, s := range rep.Strategies {
		slog.Info("strategy result",
			"strategy", s.StrategyID,
			"status", s.Status,
			"equity", s.Snapshot.Equity.String(),
			"total_return", s.Stats.TotalReturn,
			"sharpe", s.Stats.Sharpe,
			"max_drawdown", s.Stats.MaxDrawdown,
			"trades", s.Stats.Trades,
			"fault", s.Fault,
		)
	}
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func() error, error) {
	if cfg.Storage.PostgresURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	var closers []func() error
	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection: %w", err)
	}
	closers = append(closers, func() error { pool.Close(); return nil })

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		return nil, nil, multierr.Append(err, closeAll(closers))
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	// Wrap with Redis read-through cache if configured.
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("invalid REDIS_URL: %w", err), closeAll(closers))
		}
		rdb := redis.NewClient(opt)
		closers = append(closers, rdb.Close)
		st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
		slog.Info("Redis cache enabled")
	}
	return st, closers, nil
}

func buildRuntimes(cfg *config.Config, logger *slog.Logger) ([]*runtime.Runtime, error) {
	reg := strategy.NewRegistry()
	if err := strategy.RegisterBuiltins(reg); err != nil {
		return nil, err
	}

	sim, err := fill.NewSimulator(cfg.Simulator(), cfg.Limiter())
	if err != nil {
		return nil, err
	}

	runtimes := make([]*runtime.Runtime, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		strat, err := reg.Create(sc.Type, sc.ID, sc.Params)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
		rt, err := runtime.New(cfg.RuntimeConfig(sc), strat, sim, logger)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
		runtimes = append(runtimes, rt)
	}
	return runtimes, nil
}

func buildFeed(cfg *config.Config, logger *slog.Logger) (*feed.Replay, error) {
	src := &feed.CSVSource{
		Dir:        cfg.Data.Dir,
		Resolution: cfg.Data.Resolution,
		Logger:     logger,
	}
	if cfg.Data.From != "" {
		from, err := feed.ParseTimestamp(cfg.Data.From)
		if err != nil {
			return nil, fmt.Errorf("data.from: %w", err)
		}
		src.From = from
	}
	if cfg.Data.To != "" {
		to, err := feed.ParseTimestamp(cfg.Data.To)
		if err != nil {
			return nil, fmt.Errorf("data.to: %w", err)
		}
		src.To = to
	}

	bars, err := src.LoadAll(cfg.Data.Symbols)
	if err != nil {
		return nil, err
	}
	return feed.NewReplay(bars, feed.WithPipeline(features.NewTechnical(cfg.Features))), nil
}

func closeAll(closers []func() error) error {
	var errs error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, closers[i]())
	}
	return errs
}
