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
	"tasks/docs"
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

// @title           Tasks Service API
// @version         1.0
// @description     Задачи с транзакционным outbox, стримом событий и воркерами под распределённой блокировкой

// @BasePath /

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := observability.InitLogger(conf.LoggingLevel, "tasks-api")
	defer func() { _ = logger.Sync() }()

	logger.Infof("LOGGING_LEVEL = %s", conf.LoggingLevel)
	if strings.ToLower(conf.LoggingLevel) == "debug" {
		broker.EnableSaramaZapLogs(logger)
	}

	docs.SwaggerInfo.Host = conf.Server.SwaggerHost
	docs.SwaggerInfo.Schemes = []string{conf.Server.SwaggerSchema}

	m := metrics.New(prometheus.DefaultRegisterer)

	fiberServer := httpserver.NewFiber(conf.Server, m)

	store, err := db.NewPostgres(ctx, conf.Postgres)
	if err != nil {
		logger.Fatal(err)
	}

	server, err := application.NewApp(ctx, &conf, logger, store, fiberServer, m)
	if err != nil {
		store.Close()
		logger.Fatal(err)
	}

	logger.Infof("Tasks API started, server config: %+v", conf.Server)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("error listening for server: %v", err)
		}
		logger.Infof("server %v closed", conf.Server.Port)
	}()

	// graceful shutdown
	osSignal := <-interrupt
	logger.Infof("%v got %v, shutting down", conf.Server.Port, osSignal)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// сначала дожидаемся текущего батча flusher-а, потом отменяем общий контекст
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server %v shutdown: %v", conf.Server.Port, err)
	}
	cancel()

	store.Close()
	logger.Infof("postgres db connection closed")
	logger.Infof("server shutdown %v done", conf.Server.Port)
}
