package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"tasks/internal/application"
	"tasks/pkg/broker"
	"tasks/pkg/config"
	"tasks/pkg/db"
	"tasks/pkg/httpserver"
	"tasks/pkg/metrics"
	"tasks/pkg/observability"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := observability.InitLogger(conf.LoggingLevel, "tasks-worker")
	defer func() { _ = logger.Sync() }()

	if strings.ToLower(conf.LoggingLevel) == "debug" {
		broker.EnableSaramaZapLogs(logger)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// /health и /metrics без swagger и cors, но с тем же middleware метрик
	probeServer := httpserver.NewFiber(config.Server{Port: conf.Worker.MetricsPort, BodyLimit: conf.Server.BodyLimit}, m)

	store, err := db.NewPostgres(ctx, conf.Postgres)
	if err != nil {
		logger.Fatal(err)
	}

	worker, err := application.NewWorkerApp(ctx, &conf, logger, store, probeServer, m)
	if err != nil {
		store.Close()
		logger.Fatal(err)
	}

	logger.Infof("Tasks worker started: stream=%s group=%s consumer=%s",
		conf.Stream.Name, conf.Stream.ConsumerGroup, conf.Stream.ConsumerName)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := worker.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("probe server: %v", err)
		}
	}()

	osSignal := <-interrupt
	logger.Infof("worker got %v, shutting down", osSignal)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// in-flight сообщение дорабатывает до конца, новые не читаются
	if err := worker.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("worker shutdown: %v", err)
	}
	cancel()

	store.Close()
	logger.Info("worker shutdown done")
}
