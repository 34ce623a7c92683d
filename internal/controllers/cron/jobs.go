package cron

import (
	"context"
	"tasks/internal/application/use-cases"
	"tasks/internal/transport/consumer"
	"time"

	"go.uber.org/zap"
)

// OutboxCleanupJob - удаление опубликованных записей outbox старше срока хранения
type OutboxCleanupJob struct {
	usecase use_cases.UseCaser
	logger  *zap.SugaredLogger
}

func NewOutboxCleanupJob(usecase use_cases.UseCaser, logger *zap.SugaredLogger) *OutboxCleanupJob {
	return &OutboxCleanupJob{
		usecase: usecase,
		logger:  logger,
	}
}

func (j *OutboxCleanupJob) Run(ctx context.Context) {
	j.logger.Info("Запуск задачи очистки outbox")

	defer func() {
		if r := recover(); r != nil {
			j.logger.Errorf("Паника при очистке outbox: %v", r)
		}
	}()

	j.usecase.CleanupOutbox(ctx)
	j.logger.Info("Задача очистки outbox завершена")
}

// Reclaimer забирает зависшие pending сообщения у неактивных consumer-ов.
type Reclaimer interface {
	Reclaim(ctx context.Context, handler consumer.HandlerFunc, minIdle time.Duration) (int, error)
}

// ReclaimJob переназначает этому воркеру сообщения, которые висят в pending дольше minIdle,
// и прогоняет их через тот же handler
type ReclaimJob struct {
	reclaimer Reclaimer
	handler   consumer.HandlerFunc
	minIdle   time.Duration
	logger    *zap.SugaredLogger
}

func NewReclaimJob(reclaimer Reclaimer, handler consumer.HandlerFunc, minIdle time.Duration, logger *zap.SugaredLogger) *ReclaimJob {
	return &ReclaimJob{
		reclaimer: reclaimer,
		handler:   handler,
		minIdle:   minIdle,
		logger:    logger,
	}
}

func (j *ReclaimJob) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Errorf("Паника при reclaim: %v", r)
		}
	}()

	n, err := j.reclaimer.Reclaim(ctx, j.handler, j.minIdle)
	if err != nil {
		j.logger.Errorf("reclaim failed: %v", err)
		return
	}
	if n > 0 {
		j.logger.Infof("reclaimed %d pending messages idle > %s", n, j.minIdle)
	}
}
