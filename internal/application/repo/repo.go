package repo

import (
	"context"
	"errors"
	"fmt"
	"tasks/internal/appers"
	"tasks/internal/application/common"
	"tasks/internal/application/entity"
	"tasks/pkg/db"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	defaultRetentionDays = 7
)

type Repo interface {
	InsertTask(ctx context.Context, t *entity.Task) error
	UpsertTask(ctx context.Context, t *entity.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*entity.Task, error)

	InsertOutbox(ctx context.Context, r *entity.OutboxRecord) error
	GetOutbox(ctx context.Context, id int64) (*entity.OutboxRecord, error)
	ClaimPendingOutbox(ctx context.Context, limit int, lease time.Duration) ([]entity.OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID int64, messageID string) error
	ReleaseClaim(ctx context.Context, outboxID int64, cause string) error
	UnclaimOutbox(ctx context.Context, outboxIDs []int64) error
	CountPendingOutbox(ctx context.Context) (int, error)
	DeletePublishedOutbox(ctx context.Context, days *int) (int64, error)

	HealthCheck(ctx context.Context) error
}

type RepoImpl struct {
	db     db.DB
	logger *zap.SugaredLogger
}

func NewRepo(db db.DB, logger *zap.SugaredLogger) *RepoImpl {
	return &RepoImpl{db: db, logger: logger}
}

func (r *RepoImpl) HealthCheck(ctx context.Context) error {
	var result int
	err := r.db.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// InsertTask вставляет задачу, существующий id даёт ErrTaskAlreadyExists
func (r *RepoImpl) InsertTask(ctx context.Context, t *entity.Task) error {
	r.logger.Debugf("[task: %s] start inserting into DB", t.ID)

	payload, err := common.EncodePayload(t.Payload)
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}

	var insertedID uuid.UUID
	err = r.db.QueryRow(ctx, insertTask,
		t.ID, t.Name, payload, string(t.State), t.Attempts, t.LastError, t.CreatedAt, t.UpdatedAt).Scan(&insertedID)

	switch {
	case err == nil:
		r.logger.Debugf("[task: %s] inserted into DB successfully", t.ID)
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		// ON CONFLICT DO NOTHING вернул 0 строк - задача уже существует
		r.logger.Warnf("[task: %s] inserting task: already exists (conflict)", t.ID)
		return appers.ErrTaskAlreadyExists
	case isDuplicateKeyError(err):
		r.logger.Warnf("[task: %s] inserting task: already exists (duplicate key)", t.ID)
		return appers.ErrTaskAlreadyExists
	default:
		r.logger.Errorf("[task: %s] error inserting into DB: %v", t.ID, err)
		return fmt.Errorf("error inserting task: %w", err)
	}
}

// UpsertTask записывает состояние задачи целиком, создавая строку при необходимости
func (r *RepoImpl) UpsertTask(ctx context.Context, t *entity.Task) error {
	r.logger.Debugf("[task: %s] start upserting, state=%s attempts=%d", t.ID, t.State, t.Attempts)

	payload, err := common.EncodePayload(t.Payload)
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}

	err = r.db.QueryRow(ctx, upsertTask,
		t.ID, t.Name, payload, string(t.State), t.Attempts, t.LastError).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		r.logger.Errorf("[task: %s] error upserting: %v", t.ID, err)
		return fmt.Errorf("error upserting task: %w", err)
	}
	return nil
}

func (r *RepoImpl) GetTask(ctx context.Context, id uuid.UUID) (*entity.Task, error) {
	r.logger.Debugf("[task: %s] start getting from DB", id)

	var (
		t       entity.Task
		payload []byte
		state   string
	)
	err := r.db.QueryRow(ctx, getTask, id).Scan(
		&t.ID, &t.Name, &payload, &state, &t.Attempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, appers.ErrTaskNotFound
	case err != nil:
		r.logger.Errorf("[task: %s] error getting from DB: %v", id, err)
		return nil, fmt.Errorf("error getting task: %w", err)
	}

	t.State = entity.TaskState(state)
	if t.Payload, err = common.DecodePayload(payload); err != nil {
		r.logger.Warnf("[task: %s] stored payload is not valid JSON: %v", id, err)
	}
	return &t, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
