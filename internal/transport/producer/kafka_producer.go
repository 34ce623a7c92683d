package producer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"tasks/internal/appers"
	"tasks/internal/application/common"
	"tasks/internal/application/entity"
	"tasks/pkg/broker"
	"tasks/pkg/metrics"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const driverKafka = "kafka"

type KafkaProducer struct {
	broker      *broker.KafkaBroker
	logger      *zap.SugaredLogger
	maxAttempts int
	m           *metrics.Metrics
}

func NewKafkaProducer(broker *broker.KafkaBroker, logger *zap.SugaredLogger, maxAttempts int, m *metrics.Metrics) *KafkaProducer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &KafkaProducer{
		broker:      broker,
		logger:      logger,
		maxAttempts: maxAttempts,
		m:           m,
	}
}

// HealthCheck проверяет доступность Kafka через broker
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	if p.broker == nil {
		return errors.New("kafka broker is not initialized")
	}
	return p.broker.HealthCheck(ctx)
}

func (p *KafkaProducer) Close() error {
	if p.broker == nil {
		return nil
	}
	return p.broker.Close()
}

// Publish отправляет msg в топик стрима с ключом aggregate id, события одной
// задачи идут по порядку в своей партиции. Возвращает "<partition>-<offset>".
func (p *KafkaProducer) Publish(ctx context.Context, stream string, msg entity.StreamMessage) (string, error) {
	topic := broker.TopicFor(stream)

	value, err := common.EncodePayload(msg.Payload)
	if err != nil {
		p.count(topic, "permanent")
		return "", &appers.PublishError{Stream: stream, Err: fmt.Errorf("encode payload: %w", err)}
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			p.count(topic, "canceled")
			return "", &appers.PublishError{Stream: stream, Err: err}
		}

		pm := &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(msg.AggregateID),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte(entity.FieldType), Value: []byte(msg.Type)},
				{Key: []byte(entity.FieldAggregateID), Value: []byte(msg.AggregateID)},
				{Key: []byte(entity.FieldCreatedAt), Value: []byte(createdAt.UTC().Format(time.RFC3339Nano))},
			},
			Timestamp: createdAt,
		}

		t0 := time.Now()
		part, off, err := p.broker.SyncProducer.SendMessage(pm)
		rt := time.Since(t0)

		if p.m != nil {
			res := "ok"
			if err != nil {
				res = "error"
			}
			p.m.Producer.AttemptLatencySeconds.WithLabelValues(driverKafka, topic, res).Observe(rt.Seconds())
		}

		if err == nil {
			p.count(topic, "success")
			id := fmt.Sprintf("%d-%d", part, off)
			p.logger.Debugf("[aggregate: %s] sent topic=%s partition=%d offset=%d attempt=%d rt=%s",
				msg.AggregateID, topic, part, off, attempt, rt)
			return id, nil
		}

		lastErr = err

		var kerr sarama.KError
		if errors.As(err, &kerr) {
			if isPermanent(kerr) {
				p.count(topic, "permanent")
				p.logger.Errorf("[aggregate: %s] permanent kafka error attempt=%d rt=%s kafka_error=%s code=%d",
					msg.AggregateID, attempt, rt, kerr.Error(), int16(kerr))
				return "", &appers.PublishError{Stream: stream, Err: fmt.Errorf("permanent kafka error: %w", kerr)}
			}

			p.logger.Warnf("[aggregate: %s] retryable kafka error attempt=%d rt=%s reason=%s",
				msg.AggregateID, attempt, rt, ClassifyRetry(err))
		} else {
			p.logger.Warnf("[aggregate: %s] retryable non-kafka error attempt=%d rt=%s reason=%s err=%v",
				msg.AggregateID, attempt, rt, ClassifyRetry(err), err)
		}

		if attempt == p.maxAttempts {
			break
		}

		if err := common.SleepCtx(ctx, common.NextBackoffWithJitter(attempt-1)); err != nil {
			p.count(topic, "canceled")
			return "", &appers.PublishError{Stream: stream, Err: err}
		}
	}

	p.count(topic, "failed")
	p.logger.Errorf("[aggregate: %s] produce failed after %d attempts: %v", msg.AggregateID, p.maxAttempts, lastErr)
	return "", &appers.PublishError{Stream: stream, Err: fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)}
}

func (p *KafkaProducer) count(topic, result string) {
	if p.m != nil {
		p.m.Producer.OperationsTotal.WithLabelValues(driverKafka, topic, result).Inc()
	}
}

func isPermanent(k sarama.KError) bool {
	switch k {
	case sarama.ErrTopicAuthorizationFailed,
		sarama.ErrClusterAuthorizationFailed,
		sarama.ErrInvalidRequest,
		sarama.ErrInvalidMessage,
		sarama.ErrMessageSizeTooLarge,
		sarama.ErrSASLAuthenticationFailed:
		return true
	default:
		return false
	}
}

func ClassifyRetry(err error) string {
	var k sarama.KError
	if errors.As(err, &k) {
		switch k {
		case sarama.ErrLeaderNotAvailable:
			return "leader_not_available"
		case sarama.ErrRequestTimedOut:
			return "broker_timeout"
		case sarama.ErrNotEnoughReplicas, sarama.ErrNotEnoughReplicasAfterAppend:
			return "not_enough_replicas"
		default:
			return k.Error()
		}
	}
	// context.DeadlineExceeded тоже net.Error с Timeout() == true, проверяем раньше
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "client_deadline"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "net_timeout"
	}
	return "other"
}
