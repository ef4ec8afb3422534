package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/payout"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/httpapi"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/stream"
	"github.com/wizardbeardstudio/open-ledger-go/internal/projector"
	"github.com/wizardbeardstudio/open-ledger-go/internal/taskrunner"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	httpAddr := envOr("LEDGER_HTTP_ADDR", ":8080")
	databaseURL := envOr("DATABASE_URL", "")
	redisURL := envOr("REDIS_URL", "")
	providerURL := envOr("PROVIDER_URL", "")
	workers, err := strconv.Atoi(envOr("LEDGER_WORKERS", "4"))
	if err != nil || workers < 1 {
		log.Fatalf("invalid LEDGER_WORKERS")
	}

	var logger *zap.Logger
	if envOr("DEBUG", "false") == "true" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("configure logging: %v", err)
	}
	defer logger.Sync()

	var db *store.DB
	if databaseURL != "" {
		db, err = store.Open(ctx, databaseURL)
		if err != nil {
			logger.Fatal("open database", zap.Error(err))
		}
		defer db.Close()
		logger.Info("database connected")
	} else {
		logger.Warn("no DATABASE_URL, running with in-memory state")
	}

	m := metrics.New()
	events := eventlog.New(clk, logger.Named("eventlog"), db, m)
	views := projector.NewService(clk, logger.Named("projector"), db)
	ledgerSvc := ledger.NewService(clk, logger.Named("ledger"), db, events, views, m)
	views.SetEntrySource(ledgerSvc)
	engine := payout.NewEngine(clk, logger.Named("payout"), db, events, ledgerSvc, views, m)

	var queue taskrunner.Queue
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Fatal("parse REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("ping redis", zap.Error(err))
		}
		defer rdb.Close()
		queue = taskrunner.NewRedisQueue(clk, rdb)
		logger.Info("redis queue connected")
	} else {
		queue = taskrunner.NewMemoryQueue(clk)
		logger.Warn("no REDIS_URL, running with in-memory queue")
	}

	var provider payout.Provider
	if providerURL != "" {
		provider = payout.NewHTTPProvider(providerURL)
	} else {
		provider = payout.NewSimulatedProvider()
		logger.Warn("no PROVIDER_URL, using simulated provider")
	}

	runner := taskrunner.NewRunner(clk, logger.Named("taskrunner"), queue, m)
	taskrunner.WirePayouts(runner, engine, provider, m, logger.Named("handlers"))

	hub := stream.NewHub(logger.Named("stream"), events)
	events.SetNotify(hub.Broadcast)

	api := httpapi.NewServer(logger.Named("httpapi"), engine, runner)
	mux := http.NewServeMux()
	mux.Handle("/api/", api.Handler())
	mux.Handle("/healthz", api.Handler())
	// Both forms: websocket clients do not follow the mux redirect.
	mux.Handle("/ws/events", hub)
	mux.Handle("/ws/events/", hub)
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}

	go func() {
		logger.Info("http listening", zap.String("addr", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("workers starting", zap.Int("count", workers))
		if err := runner.Run(ctx, workers); err != nil && err != context.Canceled {
			logger.Error("runner stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
