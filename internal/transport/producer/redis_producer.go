package producer

import (
	"context"
	"fmt"
	"tasks/internal/appers"
	"tasks/internal/application/common"
	"tasks/internal/application/entity"
	"tasks/pkg/broker"
	"tasks/pkg/metrics"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const driverRedis = "redis"

type RedisProducer struct {
	broker *broker.RedisBroker
	logger *zap.SugaredLogger
	m      *metrics.Metrics
}

func NewRedisProducer(b *broker.RedisBroker, logger *zap.SugaredLogger, m *metrics.Metrics) *RedisProducer {
	return &RedisProducer{
		broker: b,
		logger: logger,
		m:      m,
	}
}

// Publish добавляет msg через XADD и возвращает id записи
func (p *RedisProducer) Publish(ctx context.Context, stream string, msg entity.StreamMessage) (string, error) {
	client, err := p.broker.Client(ctx)
	if err != nil {
		p.observe(stream, "failed", 0, err)
		return "", &appers.PublishError{Stream: stream, Err: err}
	}

	payload, err := common.EncodePayload(msg.Payload)
	if err != nil {
		p.observe(stream, "permanent", 0, err)
		return "", &appers.PublishError{Stream: stream, Err: fmt.Errorf("encode payload: %w", err)}
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	t0 := time.Now()
	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: []any{
			entity.FieldType, msg.Type,
			entity.FieldAggregateID, msg.AggregateID,
			entity.FieldPayload, string(payload),
			entity.FieldCreatedAt, createdAt.UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	rt := time.Since(t0)

	if err != nil {
		p.observe(stream, "failed", rt, err)
		p.logger.Warnf("[aggregate: %s] xadd to %s failed rt=%s: %v", msg.AggregateID, stream, rt, err)
		return "", &appers.PublishError{Stream: stream, Err: err}
	}

	p.observe(stream, "success", rt, nil)
	p.logger.Debugf("[aggregate: %s] appended %s to %s as %s", msg.AggregateID, msg.Type, stream, id)
	return id, nil
}

func (p *RedisProducer) observe(stream, result string, rt time.Duration, err error) {
	if p.m == nil {
		return
	}
	attempt := "ok"
	if err != nil {
		attempt = "error"
	}
	if rt > 0 {
		p.m.Producer.AttemptLatencySeconds.WithLabelValues(driverRedis, stream, attempt).Observe(rt.Seconds())
	}
	p.m.Producer.OperationsTotal.WithLabelValues(driverRedis, stream, result).Inc()
}

func (p *RedisProducer) HealthCheck(ctx context.Context) error {
	return p.broker.HealthCheck(ctx)
}

func (p *RedisProducer) Close() error {
	return p.broker.Close()
}
