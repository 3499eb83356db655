// Command server runs the order lifecycle engine and its HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/api"
	"github.com/tradeassist/order-engine/internal/config"
	"github.com/tradeassist/order-engine/internal/engine"
	"github.com/tradeassist/order-engine/internal/events"
	"github.com/tradeassist/order-engine/internal/exchange"
	"github.com/tradeassist/order-engine/internal/ledger"
	"github.com/tradeassist/order-engine/internal/order"
	"github.com/tradeassist/order-engine/internal/reconcile"
	"github.com/tradeassist/order-engine/internal/risk"
	"github.com/tradeassist/order-engine/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("init store", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	bus := events.NewBus()
	hub := events.NewHub(bus)
	go hub.Run()

	feeRate, err := decimal.NewFromString(cfg.Engine.PaperFeeRate)
	if err != nil {
		slog.Error("parse paper_fee_rate", "err", err)
		os.Exit(1)
	}
	stopPct, err := decimal.NewFromString(cfg.Risk.DefaultStopLossPct)
	if err != nil {
		slog.Error("parse default_stop_loss_pct", "err", err)
		os.Exit(1)
	}

	paper := exchange.NewPaperConnector(feeRate)
	gate := risk.NewGate(stopPct)
	machine := order.NewMachine(st, bus)
	led := ledger.New(st, bus)
	locks := reconcile.NewPortfolioLocks()
	rec := reconcile.New(st, machine, led, locks)

	coord := engine.New(st, gate, machine, led, rec, paper, paper, bus, locks, engine.Config{
		SubmitTimeout:    cfg.Engine.SubmitTimeout,
		MaxSubmitRetries: cfg.Engine.MaxSubmitRetries,
		PollInterval:     cfg.Engine.PollInterval,
		SweepInterval:    cfg.Engine.SweepInterval,
		OrderTTL:         cfg.Engine.OrderTTL,
		ExchangeRPS:      cfg.Engine.ExchangeRPS,
	})
	go coord.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(coord, st, hub).Handler(),
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
	slog.Info("stopped")
}

// buildStore selects the persistence stack: PostgreSQL when configured,
// optionally wrapped in the Redis cache, in-memory otherwise.
func buildStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("no database configured, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	var st store.Store = store.NewPostgresStore(pool)
	cleanup := func() { pool.Close() }

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, continuing without cache", "err", err)
		} else {
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			prev := cleanup
			cleanup = func() { rdb.Close(); prev() }
		}
	}

	return st, cleanup, nil
}
