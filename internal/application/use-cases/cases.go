package use_cases

import (
	"context"
	"tasks/internal/application/entity"
	"tasks/internal/application/service"
	"tasks/pkg/config"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

type UseCaser interface {
	CreateTask(ctx context.Context, req entity.CreateTaskRequest) (*entity.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*entity.Task, error)
	CleanupOutbox(ctx context.Context)

	HealthCheck(ctx context.Context) (dbHealthy bool, brokerHealthy bool, err error)
}
type UseCase struct {
	service service.Service
	logger  *zap.SugaredLogger
	conf    *config.Config
}

func NewUseCase(service service.Service, logger *zap.SugaredLogger, conf *config.Config) *UseCase {
	return &UseCase{
		service: service,
		logger:  logger,
		conf:    conf,
	}
}

func (u *UseCase) HealthCheck(ctx context.Context) (dbHealthy bool, brokerHealthy bool, err error) {
	return u.service.HealthCheck(ctx)
}

func (u *UseCase) CreateTask(ctx context.Context, req entity.CreateTaskRequest) (*entity.Task, error) {
	u.logger.Debugf("[name: %s] CreateTask started", req.Name)
	return u.service.CreateTask(ctx, req.Name, req.Payload)
}

func (u *UseCase) GetTask(ctx context.Context, id uuid.UUID) (*entity.Task, error) {
	u.logger.Debugf("[task: %s] GetTask started", id)
	return u.service.GetTask(ctx, id)
}

// CleanupOutbox удаляет опубликованные записи outbox старше cron.outboxRetentionDays
func (u *UseCase) CleanupOutbox(ctx context.Context) {
	days := u.conf.Cron.OutboxRetentionDays
	u.logger.Infof("CleanupOutbox called with retentionDays=%d", days)

	n, err := u.service.CleanupOutbox(ctx, &days)
	if err != nil {
		u.logger.Errorf("CleanupOutbox failed: %v", err)
		return
	}
	u.logger.Infof("CleanupOutbox removed %d published records", n)
}
