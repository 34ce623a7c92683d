package repo

import (
	"context"
	"errors"
	"tasks/internal/appers"
	"tasks/internal/application/entity"
	"time"

	"go.uber.org/zap"
)

type Transactions interface {
	CreateTaskWithOutbox(ctx context.Context, t *entity.Task, e *entity.OutboxRecord) error
	WriteWithOutbox(ctx context.Context, t *entity.Task, e *entity.OutboxRecord) error
	ClaimPendingOutbox(ctx context.Context, limit int, lease time.Duration) ([]entity.OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID int64, messageID string) error
}

type TransactionsImpl struct {
	repo   *RepoImpl
	logger *zap.SugaredLogger
}

func NewTransactions(repo *RepoImpl, logger *zap.SugaredLogger) *TransactionsImpl {
	return &TransactionsImpl{
		repo:   repo,
		logger: logger,
	}
}

// CreateTaskWithOutbox атомарно вставляет задачу и её событие.
// Повтор id даёт appers.ErrTaskAlreadyExists
func (t *TransactionsImpl) CreateTaskWithOutbox(ctx context.Context, task *entity.Task, e *entity.OutboxRecord) error {
	t.logger.Debugf("[task: %s] CreateTaskWithOutbox started", task.ID)

	err := t.repo.db.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := t.repo.InsertTask(ctx, task); err != nil {
			return err
		}
		return t.repo.InsertOutbox(ctx, e)
	})
	if err != nil {
		if errors.Is(err, appers.ErrTaskAlreadyExists) {
			return err
		}
		t.logger.Errorf("[task: %s] CreateTaskWithOutbox rolled back: %v", task.ID, err)
		return appers.NewPersistenceError("create task with outbox", err)
	}

	t.logger.Debugf("[task: %s] CreateTaskWithOutbox committed, outbox ID %d", task.ID, e.ID)
	return nil
}

// WriteWithOutbox в одной транзакции сохраняет состояние задачи и событие:
// видны обе строки или ни одной
func (t *TransactionsImpl) WriteWithOutbox(ctx context.Context, task *entity.Task, e *entity.OutboxRecord) error {
	t.logger.Debugf("[task: %s] WriteWithOutbox started, event=%s", task.ID, e.EventType)

	err := t.repo.db.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := t.repo.UpsertTask(ctx, task); err != nil {
			return err
		}
		return t.repo.InsertOutbox(ctx, e)
	})
	if err != nil {
		t.logger.Errorf("[task: %s] WriteWithOutbox rolled back: %v", task.ID, err)
		return appers.NewPersistenceError("write with outbox", err)
	}

	t.logger.Debugf("[task: %s] WriteWithOutbox committed, outbox ID %d", task.ID, e.ID)
	return nil
}

// ClaimPendingOutbox захватывает записи в отдельной транзакции,
// блокировки строк снимаются до публикации
func (t *TransactionsImpl) ClaimPendingOutbox(ctx context.Context, limit int, lease time.Duration) ([]entity.OutboxRecord, error) {
	var records []entity.OutboxRecord
	err := t.repo.db.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		records, err = t.repo.ClaimPendingOutbox(ctx, limit, lease)
		return err
	})
	if err != nil {
		return nil, appers.NewPersistenceError("claim pending outbox", err)
	}
	return records, nil
}

func (t *TransactionsImpl) MarkPublished(ctx context.Context, outboxID int64, messageID string) error {
	err := t.repo.db.WithinTransaction(ctx, func(ctx context.Context) error {
		return t.repo.MarkPublished(ctx, outboxID, messageID)
	})
	if err != nil {
		return appers.NewPersistenceError("mark published", err)
	}
	return nil
}
