package producer

import (
	"context"
	"tasks/internal/application/entity"
)

// Producer добавляет сообщения в именованный стрим лога
type Producer interface {
	// Publish возвращает id, назначенный логом
	Publish(ctx context.Context, stream string, msg entity.StreamMessage) (string, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
