// Command broker starts a standalone MQTT 5.0 broker, wiring
// config -> repository -> registry -> dispatcher -> broker -> listener,
// matching original_source/main.py's top-level assembly order.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmq/broker/broker"
	"github.com/flowmq/broker/config"
	"github.com/flowmq/broker/pkg/logger"
	"github.com/flowmq/broker/repository"
	"github.com/flowmq/broker/store"
	"github.com/flowmq/broker/types/message"
)

func main() {
	metricsAddr := flag.String("metrics-address", "127.0.0.1:9090", "address to serve /metrics on; empty disables it")
	flag.Parse()

	log := logger.NewSlogLogger(slog.LevelInfo, os.Stdout)

	cfg := config.Load()

	repo := repository.NewStore(
		cfg.Repository,
		store.NewMemoryStore[*repository.Client](),
		store.NewMemoryStore[*repository.User](),
		store.NewMemoryStore[*repository.WillMessage](),
		store.NewMemoryStore[*message.Message](),
	)

	b, err := broker.New(broker.Config{
		Listener:          &cfg.Listener,
		Dispatcher:        cfg.Dispatcher,
		Repository:        cfg.Repository,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		PublishRateLimit:  cfg.PublishRateLimit,
		PublishRateWindow: cfg.PublishRateWindow,
	}, repo, log)
	if err != nil {
		log.Error("failed to build broker", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		log.Error("failed to start broker", "error", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, b.MetricsRegistry(), log)
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx := context.Background()
	if err := b.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logger.SlogLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}
