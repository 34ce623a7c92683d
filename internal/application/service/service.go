package service

import (
	"context"
	"fmt"
	"tasks/internal/application/entity"
	"tasks/internal/application/repo"
	"tasks/pkg/metrics"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

type Service interface {
	CreateTask(ctx context.Context, name string, payload map[string]any) (*entity.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*entity.Task, error)
	CleanupOutbox(ctx context.Context, days *int) (int64, error)

	HealthCheck(ctx context.Context) (dbHealthy bool, brokerHealthy bool, err error)
}

// HealthChecker - всё, что умеет проверять доступность
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type ServiceImpl struct {
	repo         repo.Repo
	transactions repo.Transactions
	broker       HealthChecker
	stream       string
	logger       *zap.SugaredLogger
	m            *metrics.Metrics
}

func NewService(repo repo.Repo, transactions repo.Transactions, broker HealthChecker, stream string, logger *zap.SugaredLogger, m *metrics.Metrics) *ServiceImpl {
	return &ServiceImpl{
		repo:         repo,
		transactions: transactions,
		broker:       broker,
		stream:       stream,
		logger:       logger,
		m:            m,
	}
}

// HealthCheck проверяет доступность БД и брокера
func (s *ServiceImpl) HealthCheck(ctx context.Context) (dbHealthy bool, brokerHealthy bool, err error) {
	dbErr := s.repo.HealthCheck(ctx)
	dbHealthy = dbErr == nil

	brokerErr := s.broker.HealthCheck(ctx)
	brokerHealthy = brokerErr == nil

	if !dbHealthy || !brokerHealthy {
		return dbHealthy, brokerHealthy, fmt.Errorf("database: %v, broker: %v", dbErr, brokerErr)
	}

	return dbHealthy, brokerHealthy, nil
}

// CreateTask сохраняет pending задачу и событие task.created в одной транзакции
func (s *ServiceImpl) CreateTask(ctx context.Context, name string, payload map[string]any) (*entity.Task, error) {
	task, err := entity.NewTask(name, payload)
	if err != nil {
		return nil, fmt.Errorf("new task: %w", err)
	}
	s.logger.Debugf("[task: %s] CreateTask started", task.ID)

	event := &entity.OutboxRecord{
		Stream:      s.stream,
		EventType:   entity.EventTaskCreated,
		AggregateID: task.ID.String(),
		Payload: map[string]any{
			"task_id": task.ID,
			"name":    name,
			"payload": task.Payload,
		},
	}

	if err := s.transactions.CreateTaskWithOutbox(ctx, task, event); err != nil {
		return nil, err
	}

	s.logger.Infof("[task: %s] created, outbox ID %d", task.ID, event.ID)
	return task, nil
}

func (s *ServiceImpl) GetTask(ctx context.Context, id uuid.UUID) (*entity.Task, error) {
	s.logger.Debugf("[task: %s] GetTask started", id)
	return s.repo.GetTask(ctx, id)
}

func (s *ServiceImpl) CleanupOutbox(ctx context.Context, days *int) (int64, error) {
	n, err := s.repo.DeletePublishedOutbox(ctx, days)
	if err != nil {
		return 0, err
	}
	if s.m != nil {
		s.m.Outbox.CleanupDeleted.Add(float64(n))
	}
	return n, nil
}
