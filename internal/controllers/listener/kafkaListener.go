package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"tasks/internal/appers"
	"tasks/internal/application/common"
	"tasks/internal/application/entity"
	"tasks/internal/transport/consumer"
	"tasks/pkg/metrics"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaListener - sarama.ConsumerGroupHandler воркера для драйвера kafka.
// Offset помечается только после успешной обработки или после maxDeliveries неудач.
type KafkaListener struct {
	handler       consumer.HandlerFunc
	maxDeliveries int
	logger        *zap.SugaredLogger
	m             *metrics.Metrics
	backoff       func(attempt int) time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewKafkaListener(handler consumer.HandlerFunc, maxDeliveries int, logger *zap.SugaredLogger, m *metrics.Metrics) *KafkaListener {
	return &KafkaListener{
		handler:       handler,
		maxDeliveries: maxDeliveries,
		logger:        logger,
		m:             m,
		backoff:       common.NextBackoffWithJitter,
	}
}

// Start запускает Run в отдельной горутине, Stop её дожидается
func (k *KafkaListener) Start(ctx context.Context, group sarama.ConsumerGroup, topics []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return
	}
	k.started = true

	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.Run(runCtx, group, topics)
	}()
}

// Stop отменяет сессию и ждёт выхода из Run, не дольше ctx.
// Consumer group закрывает вызывающий.
func (k *KafkaListener) Stop(ctx context.Context) error {
	k.mu.Lock()
	if k.cancel != nil {
		k.cancel()
	}
	k.mu.Unlock()

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		k.logger.Info("kafka listener stopped")
		return nil
	case <-ctx.Done():
		k.logger.Warnf("kafka listener stop timed out: %v", ctx.Err())
		return ctx.Err()
	}
}

// Run держит сессию consumer group до отмены ctx, переподключаясь после ребалансировки
func (k *KafkaListener) Run(ctx context.Context, group sarama.ConsumerGroup, topics []string) {
	k.logger.Infof("Запуск consumer для топиков: %v", topics)

	for {
		err := group.Consume(ctx, topics, k)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				k.logger.Info("consumer group закрыт")
				return
			}
			k.logger.Errorf("Ошибка consumer: %v", err)
		}
		if ctx.Err() != nil {
			k.logger.Info("Consumer остановлен по контексту")
			return
		}
	}
}

func (k *KafkaListener) Setup(session sarama.ConsumerGroupSession) error {
	k.logger.Infof("Kafka setup, member %s generation %d", session.MemberID(), session.GenerationID())
	if k.m != nil {
		k.m.Consumer.RebalancesTotal.WithLabelValues("setup").Inc()
	}
	return nil
}

func (k *KafkaListener) Cleanup(session sarama.ConsumerGroupSession) error {
	k.logger.Info("Kafka cleanup")
	if k.m != nil {
		k.m.Consumer.RebalancesTotal.WithLabelValues("cleanup").Inc()
	}
	return nil
}

func (k *KafkaListener) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !k.deliver(ctx, msg) {
				return nil
			}
			session.MarkMessage(msg, "")
		}
	}
}

// deliver вызывает обработчик до успеха. false означает, что сессия закончилась
// раньше: offset не помечен, сообщение получит следующий владелец партиции.
// После maxDeliveries ошибок (занятая блокировка не считается) сообщение
// пропускается, чтобы партиция не встала.
func (k *KafkaListener) deliver(ctx context.Context, km *sarama.ConsumerMessage) bool {
	msg := decodeKafkaMessage(km, k.logger)
	failures := 0

	for attempt := 0; ; attempt++ {
		msg.DeliveryCount = int64(attempt + 1)

		if k.m != nil {
			k.m.Consumer.InFlightMessages.Inc()
			k.m.Consumer.ConsumedTotal.WithLabelValues(msg.Type).Inc()
		}
		start := time.Now()
		err := safeHandle(ctx, k.handler, msg)
		if k.m != nil {
			k.m.Consumer.ProcessDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
			k.m.Consumer.InFlightMessages.Dec()
		}

		if err == nil {
			if k.m != nil {
				k.m.Consumer.AckedTotal.WithLabelValues(msg.Type).Inc()
			}
			return true
		}

		if k.m != nil {
			k.m.Consumer.ErrorsTotal.WithLabelValues(msg.Type).Inc()
		}
		if errors.Is(err, appers.ErrLockBusy) {
			k.logger.Debugf("[msg %s] %s lock busy, retrying", msg.ID, msg.Type)
		} else {
			failures++
			if k.maxDeliveries > 0 && failures >= k.maxDeliveries {
				k.logger.Errorw("handler failed, giving up on message",
					"id", msg.ID, "type", msg.Type, "aggregate_id", msg.AggregateID, "failures", failures, "err", err)
				if k.m != nil {
					k.m.Consumer.SkippedTotal.WithLabelValues(msg.Type).Inc()
				}
				return true
			}
			k.logger.Errorw("handler failed, retrying",
				"id", msg.ID, "type", msg.Type, "aggregate_id", msg.AggregateID, "attempt", attempt+1, "err", err)
		}

		if err := common.SleepCtx(ctx, k.backoff(attempt)); err != nil {
			return false
		}
	}
}

func decodeKafkaMessage(km *sarama.ConsumerMessage, logger *zap.SugaredLogger) entity.StreamMessage {
	msg := entity.StreamMessage{
		ID:        fmt.Sprintf("%d-%d", km.Partition, km.Offset),
		CreatedAt: km.Timestamp,
	}
	for _, h := range km.Headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case entity.FieldType:
			msg.Type = string(h.Value)
		case entity.FieldAggregateID:
			msg.AggregateID = string(h.Value)
		case entity.FieldCreatedAt:
			if t, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				msg.CreatedAt = t
			}
		}
	}
	if msg.AggregateID == "" && len(km.Key) > 0 {
		msg.AggregateID = string(km.Key)
	}

	payload, err := common.DecodePayload(km.Value)
	if err != nil {
		logger.Warn((&appers.DecodeError{MessageID: msg.ID, Err: err}).Error())
	}
	msg.Payload = payload
	return msg
}

func safeHandle(ctx context.Context, handler consumer.HandlerFunc, msg entity.StreamMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
