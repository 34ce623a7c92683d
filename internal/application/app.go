package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"tasks/internal/application/common"
	"tasks/internal/application/entity"
	"tasks/internal/application/repo"
	"tasks/internal/application/service"
	"tasks/internal/application/use-cases"
	"tasks/internal/controllers/cron"
	"tasks/internal/controllers/handler"
	"tasks/internal/controllers/listener"
	"tasks/internal/transport/consumer"
	"tasks/internal/transport/producer"
	"tasks/pkg/broker"
	"tasks/pkg/config"
	"tasks/pkg/db"
	"tasks/pkg/metrics"
	"tasks/pkg/redislock"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App - один процесс: api (HTTP + outbox flusher) или worker
// (consumer стрима + обработка задач). Поля другой роли остаются nil.
type App struct {
	ctx            context.Context
	conf           *config.Config
	logger         *zap.SugaredLogger
	postgres       *db.Postgres
	httpServer     *fiber.App
	port           string
	cronController *cron.Controller

	flusher  *service.Flusher
	consumer *consumer.RedisConsumer
	listener *listener.KafkaListener
	redis    *broker.RedisBroker
	kafka    *broker.KafkaBroker
}

// NewApp собирает api процесс: HTTP API, outbox flusher и очистку outbox по cron
func NewApp(
	ctx context.Context,
	conf *config.Config,
	logger *zap.SugaredLogger,
	postgres *db.Postgres,
	httpServer *fiber.App,
	m *metrics.Metrics) (*App, error) {
	logger.Infof("Запуск Tasks API версии: %s, broker driver: %s", common.Version, conf.Broker.Driver)

	app := &App{
		ctx:        ctx,
		conf:       conf,
		logger:     logger,
		postgres:   postgres,
		httpServer: httpServer,
		port:       conf.Server.Port,
	}

	var (
		pub    producer.Producer
		health service.HealthChecker
	)
	switch conf.Broker.Driver {
	case config.DriverKafka:
		kb, err := broker.NewKafkaProducerBroker(conf.Broker.Kafka, logger)
		if err != nil {
			return nil, err
		}
		app.kafka = kb
		kp := producer.NewKafkaProducer(kb, logger.Named("producer"), conf.Broker.Kafka.MaxAttempts, m)
		pub, health = kp, kp
	case config.DriverRedis, "":
		rb := broker.NewRedisBroker(conf.Redis, logger.Named("redis"))
		app.redis = rb
		pub, health = producer.NewRedisProducer(rb, logger.Named("producer"), m), rb
	default:
		return nil, fmt.Errorf("unknown broker driver %q", conf.Broker.Driver)
	}

	store := repo.NewRepo(postgres, logger)
	tx := repo.NewTransactions(store, logger)
	srv := service.NewService(store, tx, health, conf.Stream.Name, logger, m)
	uc := use_cases.NewUseCase(srv, logger, conf)
	h := handler.NewTaskHandler(uc, logger)
	handler.NewRouter(h, httpServer, conf, promhttp.Handler(), logger).RegisterRouter()

	app.cronController = cron.NewController(ctx, logger)
	if err := app.cronController.RegisterOutboxCleanupJob(uc, conf.Cron); err != nil {
		return nil, err
	}
	app.cronController.Start()

	app.flusher = service.NewFlusher(tx, store, pub, conf.Outbox, logger.Named("flusher"), m)
	app.flusher.Start(ctx)

	return app, nil
}

// NewWorkerApp собирает воркер: consumer стрима (Redis или Kafka), обработку задач
// под распределённой блокировкой, reclaim зависших сообщений и /health, /metrics
func NewWorkerApp(
	ctx context.Context,
	conf *config.Config,
	logger *zap.SugaredLogger,
	postgres *db.Postgres,
	httpServer *fiber.App,
	m *metrics.Metrics) (*App, error) {
	logger.Infof("Запуск Tasks Worker версии: %s, broker driver: %s", common.Version, conf.Broker.Driver)

	// блокировки всегда в Redis, независимо от драйвера лога
	rb := broker.NewRedisBroker(conf.Redis, logger.Named("redis"))
	locker := redislock.NewLocker(rb, conf.Lock, logger.Named("lock"), m)

	app := &App{
		ctx:        ctx,
		conf:       conf,
		logger:     logger,
		postgres:   postgres,
		httpServer: httpServer,
		port:       conf.Worker.MetricsPort,
		redis:      rb,
	}

	store := repo.NewRepo(postgres, logger)
	tx := repo.NewTransactions(store, logger)

	worker := service.NewWorker(
		store,
		tx,
		func(key string) service.TaskLock { return locker.NewLock(key) },
		service.SimulatedProcessor{Delay: conf.Worker.ProcessDelay},
		service.WorkerConfig{Stream: conf.Stream.Name, LockKeyPrefix: conf.Lock.KeyPrefix},
		logger.Named("worker"),
	)

	dispatcher := listener.NewDispatcher(logger.Named("dispatcher"))
	dispatcher.Register(entity.EventTaskCreated, worker.HandleTaskCreated)

	var health service.HealthChecker = rb
	app.cronController = cron.NewController(ctx, logger)

	switch conf.Broker.Driver {
	case config.DriverKafka:
		kb, err := broker.NewKafkaConsumerBroker(conf.Broker.Kafka, logger)
		if err != nil {
			return nil, err
		}
		app.kafka = kb
		health = kb

		app.listener = listener.NewKafkaListener(dispatcher.Handle, conf.Broker.Kafka.MaxDeliveries, logger.Named("listener"), m)
		app.listener.Start(ctx, kb.ConsumerGroup, []string{broker.TopicFor(conf.Stream.Name)})
	case config.DriverRedis, "":
		cons := consumer.NewRedisConsumer(rb, consumer.OptionsFromConfig(conf.Stream, conf.Worker), logger.Named("consumer"), m)
		if err := cons.EnsureGroup(ctx); err != nil {
			return nil, err
		}
		app.consumer = cons

		if err := app.cronController.RegisterReclaimJob(cons, dispatcher.Handle, conf.Worker.ReclaimIdle, conf.Cron); err != nil {
			return nil, err
		}
		cons.Start(ctx, dispatcher.Handle)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", conf.Broker.Driver)
	}
	app.cronController.Start()

	srv := service.NewService(store, tx, health, conf.Stream.Name, logger, m)
	uc := use_cases.NewUseCase(srv, logger, conf)
	handler.NewRouter(handler.NewTaskHandler(uc, logger), httpServer, conf, promhttp.Handler(), logger).RegisterProbes()

	return app, nil
}

func (a *App) Run() error {
	return a.httpServer.Listen(fmt.Sprintf(":%s", a.port))
}

// Shutdown останавливает фоновые циклы (дожидаясь текущих батчей), затем HTTP сервер.
// Пул Postgres закрывает вызывающий.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	// Останавливаем cron задачи
	if a.cronController != nil {
		a.cronController.Stop()
	}
	if a.flusher != nil {
		if err := a.flusher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flusher: %w", err))
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("consumer: %w", err))
		}
	}
	if a.listener != nil {
		if err := a.listener.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kafka listener: %w", err))
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := a.httpServer.ShutdownWithContext(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}

	return errors.Join(errs...)
}
