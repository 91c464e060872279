package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/options-engine/internal/admin"
	"github.com/atmx/options-engine/internal/audit"
	"github.com/atmx/options-engine/internal/config"
	"github.com/atmx/options-engine/internal/httpx"
	"github.com/atmx/options-engine/internal/metrics"
	"github.com/atmx/options-engine/internal/outcome"
	"github.com/atmx/options-engine/internal/persistence"
	"github.com/atmx/options-engine/internal/pricefeed"
	"github.com/atmx/options-engine/internal/risk"
	"github.com/atmx/options-engine/internal/scheduler"
	"github.com/atmx/options-engine/internal/trade"
)

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	facade := persistence.New(b.store, persistence.Options{
		DefaultBalance: cfg.Trading.DefaultBalance,
		DurableTimeout: cfg.Store.DurableTimeout,
	})

	// --- Audit trail ---
	sinks := audit.Multi{audit.LogSink{Logger: logger.With("component", "audit")}}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		kafkaSink := audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	// --- Settlement ---
	policy, err := outcome.NewModePolicy(facade, cfg.Trading.WinProbability, nil)
	if err != nil {
		return err
	}
	var limiter *risk.Limiter
	if l := risk.NewLimiter(cfg.Risk.MinStake, cfg.Risk.MaxStake, cfg.Risk.MaxOpenPerSymbol, cfg.Risk.MaxOpenTotal); l.Enabled() {
		limiter = l
	}

	wsHub := trade.NewWSHub()
	manager := trade.NewManager(facade, policy, outcome.NewPriceMover(nil), trade.Options{
		ProfitRates: cfg.ProfitRates,
		Limiter:     limiter,
		Audit:       sinks,
		Hub:         wsHub,
	})
	sched := scheduler.New(manager, facade, scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		SweepInterval: cfg.Scheduler.SweepInterval,
	})
	manager.AttachScheduler(sched)

	slog.Info("settlement configured",
		"win_probability", policy.WinProbability(),
		"durations", manager.Durations(),
		"default_balance", cfg.Trading.DefaultBalance.String(),
	)

	// --- Prices ---
	sim := pricefeed.NewSimulated(pricefeed.DefaultBasePrices)
	sim.Interval = cfg.Trading.PriceTick
	var feed pricefeed.Feed = sim
	if b.rdb != nil {
		feed = pricefeed.NewRedisFeed(b.rdb, sim)
	}

	// --- HTTP ---
	rateLimiter := httpx.NewIPRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	r := newRouter(routes{
		trades:  trade.NewHandler(manager, feed),
		admin:   admin.NewHandler(admin.NewService(facade, manager, sinks), cfg.Server.AdminTimeout),
		hub:     wsHub,
		limiter: rateLimiter,
		facade:  facade,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Re-arms trades left pending by a previous run.
	if err := sched.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})

	sim.Start(gctx)

	g.Go(func() error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				rateLimiter.Cleanup(10 * time.Minute)
			}
		}
	})

	g.Go(func() error {
		slog.Info("options-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down options-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		sched.Stop()

		if n := facade.Reconcile(shutdownCtx); n > 0 {
			slog.Error("exiting with degraded writes not yet durable", "pending", n)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("options-engine stopped")
	return err
}

type routes struct {
	trades  *trade.Handler
	admin   *admin.Handler
	hub     *trade.WSHub
	limiter *httpx.IPRateLimiter
	facade  *persistence.Facade
}

func newRouter(rt routes) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(httpx.CORS)

	r.MethodNotAllowed(httpx.MethodNotAllowed)
	r.NotFound(httpx.NotFound)

	r.Get("/health", health(rt.facade))

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint for trade events.
	r.Get("/ws", rt.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(rt.limiter.Middleware)
		rt.trades.Register(r)
	})

	rt.admin.Register(r)
	return r
}

// health reports liveness and whether the durable store answers. The
// engine keeps serving while degraded, so the status code stays 200.
func health(f *persistence.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		durable := "ok"
		if err := f.Ping(r.Context()); err != nil {
			durable = "unavailable"
		}
		pending := 0
		for _, n := range f.PendingWrites() {
			pending += n
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"service":       "options-engine",
			"durable":       durable,
			"pendingWrites": pending,
		})
	}
}
