package service

import (
	"context"
	"fmt"
	"sync"
	"tasks/internal/application/common"
	"tasks/internal/application/entity"
	"tasks/pkg/config"
	"tasks/pkg/metrics"
	"time"

	"go.uber.org/zap"
)

// OutboxClaimer - часть хранилища, нужная flusher
type OutboxClaimer interface {
	ClaimPendingOutbox(ctx context.Context, limit int, lease time.Duration) ([]entity.OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID int64, messageID string) error
}

type OutboxBookkeeper interface {
	ReleaseClaim(ctx context.Context, outboxID int64, cause string) error
	UnclaimOutbox(ctx context.Context, outboxIDs []int64) error
	CountPendingOutbox(ctx context.Context) (int, error)
}

// Publisher добавляет одно сообщение в стрим
type Publisher interface {
	Publish(ctx context.Context, stream string, msg entity.StreamMessage) (string, error)
	Close() error
}

type FlushResult struct {
	Claimed   int
	Published int
	Failed    int
	// Skipped записи не публиковались: аренда подходила к концу
	Skipped int
}

// Flusher переносит закоммиченные записи outbox в лог. Несколько flusher могут
// работать с одним хранилищем: аренда отдаёт каждую запись одному из них.
type Flusher struct {
	claimer   OutboxClaimer
	books     OutboxBookkeeper
	publisher Publisher
	cfg       config.OutboxConfig
	logger    *zap.SugaredLogger
	m         *metrics.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewFlusher(claimer OutboxClaimer, books OutboxBookkeeper, publisher Publisher, cfg config.OutboxConfig, logger *zap.SugaredLogger, m *metrics.Metrics) *Flusher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	return &Flusher{
		claimer:   claimer,
		books:     books,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		m:         m,
		stop:      make(chan struct{}),
	}
}

// Start запускает цикл. Публикация идёт под ctx, его отмена прерывает текущую
// работу, а Stop даёт батчу завершиться.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.stopped {
		return
	}
	f.started = true

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(ctx)
	}()
}

// Stop останавливает цикл, ждёт текущий батч (не дольше ctx) и закрывает publisher
func (f *Flusher) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	close(f.stop)
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
		f.logger.Info("flusher stopped")
	case <-ctx.Done():
		waitErr = ctx.Err()
		f.logger.Warnf("flusher stop timed out: %v", waitErr)
	}

	if err := f.publisher.Close(); err != nil {
		f.logger.Warnf("close publisher: %v", err)
	}
	return waitErr
}

func (f *Flusher) run(ctx context.Context) {
	f.logger.Infow("flusher started",
		"batch", f.cfg.BatchSize, "poll", f.cfg.PollInterval.String(), "lease", f.cfg.Lease.String())

	for {
		select {
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		res, err := f.RunOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			f.logger.Errorf("flusher loop error: %v", err)
			if !common.SleepOrStop(f.stop, f.cfg.ErrorBackoff) {
				return
			}
		case res.Claimed == 0:
			if !common.SleepOrStop(f.stop, f.cfg.PollInterval) {
				return
			}
		default:
			if !common.SleepOrStop(f.stop, f.cfg.BatchYield) {
				return
			}
		}
	}
}

// RunOnce захватывает один батч и публикует его записи. Ошибка одной записи
// не прерывает батч, запись освобождается до следующего опроса.
// Публикация идёт только пока аренда действует: после leaseDeadline оставшиеся
// записи возвращаются без публикации, иначе их заберёт и опубликует другой flusher.
func (f *Flusher) RunOnce(ctx context.Context) (FlushResult, error) {
	var res FlushResult

	claimedAt := time.Now()
	records, err := f.claimer.ClaimPendingOutbox(ctx, f.cfg.BatchSize, f.cfg.Lease)
	if err != nil {
		return res, fmt.Errorf("claim outbox batch: %w", err)
	}
	res.Claimed = len(records)

	f.updatePending(ctx)

	if len(records) == 0 {
		return res, nil
	}
	f.logger.Debugf("claimed %d outbox records", len(records))

	deadline := f.leaseDeadline(claimedAt)
	for i, rec := range records {
		if !time.Now().Before(deadline) {
			f.unclaim(ctx, records[i:])
			res.Skipped = len(records) - i
			break
		}

		if err := f.publishOne(ctx, deadline, rec); err != nil {
			res.Failed++
			if f.m != nil {
				f.m.Outbox.PublishErrorsTotal.Inc()
			}
			f.logger.Errorf("[ID %d] publish failed, attempts=%d: %v", rec.ID, rec.Attempts+1, err)
			if relErr := f.books.ReleaseClaim(ctx, rec.ID, err.Error()); relErr != nil {
				// по истечении аренды запись всё равно станет доступной
				f.logger.Warnf("[ID %d] release claim failed: %v", rec.ID, relErr)
			}
			continue
		}
		res.Published++
	}

	return res, nil
}

// leaseDeadline оставляет запас в пятую часть аренды на MarkPublished
func (f *Flusher) leaseDeadline(claimedAt time.Time) time.Time {
	return claimedAt.Add(f.cfg.Lease - f.cfg.Lease/5)
}

func (f *Flusher) unclaim(ctx context.Context, rest []entity.OutboxRecord) {
	ids := make([]int64, 0, len(rest))
	for _, rec := range rest {
		ids = append(ids, rec.ID)
	}
	f.logger.Warnf("claim lease %s is running out, returning %d records to the outbox", f.cfg.Lease, len(ids))
	if err := f.books.UnclaimOutbox(ctx, ids); err != nil {
		f.logger.Warnf("unclaim outbox records %v: %v", ids, err)
	}
}

func (f *Flusher) publishOne(ctx context.Context, deadline time.Time, rec entity.OutboxRecord) error {
	rec.Payload = common.NormalizePayload(rec.Payload)

	pubCtx, cancel := context.WithDeadline(ctx, deadline)
	msgID, err := f.publisher.Publish(pubCtx, rec.Stream, rec.Message())
	cancel()
	if err != nil {
		return err
	}

	if err := f.claimer.MarkPublished(ctx, rec.ID, msgID); err != nil {
		// сообщение уже в логе, повторная публикация даст дубликат,
		// consumer это переживёт
		return fmt.Errorf("mark published (message %s): %w", msgID, err)
	}

	if f.m != nil {
		f.m.Outbox.PublishedTotal.Inc()
		if !rec.CreatedAt.IsZero() {
			f.m.Outbox.PublishLatency.Observe(time.Since(rec.CreatedAt).Seconds())
		}
	}
	f.logger.Debugf("[ID %d] published %s as %s", rec.ID, rec.EventType, msgID)
	return nil
}

func (f *Flusher) updatePending(ctx context.Context) {
	if f.m == nil {
		return
	}
	n, err := f.books.CountPendingOutbox(ctx)
	if err != nil {
		f.logger.Debugf("count pending outbox: %v", err)
		return
	}
	f.m.Outbox.Pending.Set(float64(n))
}
