package use_cases

import (
	"context"
	"errors"
	"testing"

	"tasks/internal/application/entity"
	"tasks/pkg/config"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubService struct {
	name      string
	payload   map[string]any
	days      *int
	deleteErr error
}

func (s *stubService) CreateTask(_ context.Context, name string, payload map[string]any) (*entity.Task, error) {
	s.name, s.payload = name, payload
	return entity.NewTask(name, payload)
}

func (s *stubService) GetTask(_ context.Context, id uuid.UUID) (*entity.Task, error) {
	return &entity.Task{ID: id}, nil
}

func (s *stubService) CleanupOutbox(_ context.Context, days *int) (int64, error) {
	s.days = days
	return 2, s.deleteErr
}

func (s *stubService) HealthCheck(context.Context) (bool, bool, error) { return true, true, nil }

func TestUseCase_CreateTaskPassesRequest(t *testing.T) {
	svc := &stubService{}
	uc := NewUseCase(svc, zap.NewNop().Sugar(), &config.Config{})

	task, err := uc.CreateTask(context.Background(), entity.CreateTaskRequest{Name: "resize", Payload: map[string]any{"w": 1}})
	require.NoError(t, err)
	assert.Equal(t, "resize", task.Name)
	assert.Equal(t, "resize", svc.name)
	assert.Equal(t, map[string]any{"w": 1}, svc.payload)
}

func TestUseCase_CleanupOutboxUsesRetention(t *testing.T) {
	svc := &stubService{}
	conf := &config.Config{Cron: config.Cron{OutboxRetentionDays: 14}}
	uc := NewUseCase(svc, zap.NewNop().Sugar(), conf)

	uc.CleanupOutbox(context.Background())
	require.NotNil(t, svc.days)
	assert.Equal(t, 14, *svc.days)

	svc.deleteErr = errors.New("db down")
	assert.NotPanics(t, func() { uc.CleanupOutbox(context.Background()) })
}
