package cron

import (
	"context"
	"fmt"
	use_cases "tasks/internal/application/use-cases"
	"tasks/internal/transport/consumer"
	"tasks/pkg/config"
	"time"

	"go.uber.org/zap"
)

type Controller struct {
	scheduler *Scheduler
	logger    *zap.SugaredLogger
}

func NewController(ctx context.Context, logger *zap.SugaredLogger) *Controller {
	return &Controller{
		scheduler: NewScheduler(ctx),
		logger:    logger,
	}
}

// RegisterOutboxCleanupJob поддерживает два режима:
// 1. По расписанию (cron format с секундами): например, "0 0 3 * * *" - каждый день в 03:00
// 2. По интервалу: например, "@every 1h"
func (c *Controller) RegisterOutboxCleanupJob(usecase use_cases.UseCaser, conf config.Cron) error {
	job := NewOutboxCleanupJob(usecase, c.logger)

	var spec string

	// Приоритет: если указан Schedule, используем его, иначе Interval
	if conf.CleanupSchedule != "" {
		spec = conf.CleanupSchedule
		c.logger.Infof("Регистрация очистки outbox по расписанию: %s", spec)
	} else if conf.CleanupInterval != "" {
		spec = conf.CleanupInterval
		c.logger.Infof("Регистрация очистки outbox по интервалу: %s", spec)
	} else {
		spec = "@every 1h"
		c.logger.Warnf("Расписание не указано, используется интервал по умолчанию: %s", spec)
	}

	entryID, err := c.scheduler.Add(spec, job)
	if err != nil {
		return fmt.Errorf("не удалось зарегистрировать очистку outbox: %w", err)
	}

	c.logger.Infof("Очистка outbox зарегистрирована с ID: %d, расписание: %s", entryID, spec)
	return nil
}

func (c *Controller) RegisterReclaimJob(reclaimer Reclaimer, handler consumer.HandlerFunc, minIdle time.Duration, conf config.Cron) error {
	spec := conf.ReclaimInterval
	if spec == "" {
		spec = "@every 30s"
	}

	entryID, err := c.scheduler.Add(spec, NewReclaimJob(reclaimer, handler, minIdle, c.logger))
	if err != nil {
		return fmt.Errorf("не удалось зарегистрировать reclaim: %w", err)
	}

	c.logger.Infof("Reclaim зарегистрирован с ID: %d, расписание: %s, minIdle: %s", entryID, spec, minIdle)
	return nil
}

// Start запускает планировщик задач
func (c *Controller) Start() {
	c.logger.Info("Запуск планировщика cron задач")
	c.scheduler.Start()
}

// Stop останавливает планировщик и ждёт завершения запущенных задач
func (c *Controller) Stop() {
	c.logger.Info("Остановка планировщика cron задач")
	c.scheduler.Stop()
	c.logger.Info("Планировщик cron задач остановлен")
}
