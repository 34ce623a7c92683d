package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"tasks/internal/appers"
	"tasks/internal/application/common"
	"tasks/internal/application/entity"
	"tasks/pkg/broker"
	"tasks/pkg/config"
	"tasks/pkg/metrics"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HandlerFunc обрабатывает одно сообщение. nil подтверждает его,
// ошибка оставляет его в pending группы
type HandlerFunc func(ctx context.Context, msg entity.StreamMessage) error

type Options struct {
	Stream       string
	Group        string
	Consumer     string
	Count        int64
	IdleSleep    time.Duration
	ErrorBackoff time.Duration
}

func OptionsFromConfig(s config.Stream, w config.Worker) Options {
	return Options{
		Stream:       s.Name,
		Group:        s.ConsumerGroup,
		Consumer:     s.ConsumerName,
		Count:        s.ReadCount,
		IdleSleep:    w.IdleSleep,
		ErrorBackoff: w.ErrorBackoff,
	}
}

type RedisConsumer struct {
	broker *broker.RedisBroker
	opts   Options
	logger *zap.SugaredLogger
	m      *metrics.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewRedisConsumer(b *broker.RedisBroker, opts Options, logger *zap.SugaredLogger, m *metrics.Metrics) *RedisConsumer {
	if opts.Count <= 0 {
		opts.Count = 5
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = 200 * time.Millisecond
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	return &RedisConsumer{
		broker: b,
		opts:   opts,
		logger: logger,
		m:      m,
		stop:   make(chan struct{}),
	}
}

// EnsureGroup создаёт стрим и группу с начала стрима. Существующая группа не ошибка
func (c *RedisConsumer) EnsureGroup(ctx context.Context) error {
	client, err := c.broker.Client(ctx)
	if err != nil {
		return err
	}

	err = client.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.opts.Group, c.opts.Stream, err)
	}
	return nil
}

// Start запускает цикл чтения в отдельной горутине до Stop
func (c *RedisConsumer) Start(ctx context.Context, handler HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.Run(ctx, handler)
	}()
}

// Stop останавливает цикл, ждёт текущий батч (не дольше ctx) и закрывает соединение
func (c *RedisConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stop)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warnf("consumer stop timed out, closing connection anyway")
		_ = c.broker.Close()
		return ctx.Err()
	}

	c.logger.Infof("consumer %s stopped", c.opts.Consumer)
	return c.broker.Close()
}

// Run читает новые сообщения до отмены ctx или Stop. Ошибки цикл не завершают
func (c *RedisConsumer) Run(ctx context.Context, handler HandlerFunc) error {
	c.logger.Infow("consumer started",
		"stream", c.opts.Stream, "group", c.opts.Group, "consumer", c.opts.Consumer, "count", c.opts.Count)

	for {
		select {
		case <-c.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := c.ReadBatch(ctx, handler)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Errorf("consumer loop error: %v", err)
			if !common.SleepOrStop(c.stop, c.opts.ErrorBackoff) {
				return nil
			}
		case n == 0:
			if !common.SleepOrStop(c.stop, c.opts.IdleSleep) {
				return nil
			}
		}
	}
}

// ReadBatch делает один XREADGROUP и отдаёт сообщения handler.
// Возвращает число прочитанных сообщений
func (c *RedisConsumer) ReadBatch(ctx context.Context, handler HandlerFunc) (int, error) {
	client, err := c.broker.Client(ctx)
	if err != nil {
		return 0, err
	}

	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		Streams:  []string{c.opts.Stream, ">"},
		Count:    c.opts.Count,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("xreadgroup: %w", err)
	}

	n := 0
	for _, s := range streams {
		for _, xm := range s.Messages {
			n++
			c.handle(ctx, client, xm, 1, handler)
		}
	}
	return n, nil
}

// Reclaim забирает записи, простаивающие дольше minIdle у любого consumer группы,
// и обрабатывает их как только что прочитанные
func (c *RedisConsumer) Reclaim(ctx context.Context, handler HandlerFunc, minIdle time.Duration) (int, error) {
	client, err := c.broker.Client(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	start := "0-0"
	for {
		msgs, next, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.opts.Stream,
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    c.opts.Count,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("xautoclaim: %w", err)
		}

		counts := c.deliveryCounts(ctx, client, msgs)
		for _, xm := range msgs {
			total++
			if c.m != nil {
				c.m.Consumer.ReclaimedTotal.Inc()
			}
			c.handle(ctx, client, xm, counts[xm.ID], handler)
		}

		if next == "" || next == "0-0" || len(msgs) == 0 {
			break
		}
		start = next
	}

	if total > 0 {
		c.logger.Infof("reclaimed %d pending messages idle longer than %s", total, minIdle)
	}
	return total, nil
}

func (c *RedisConsumer) deliveryCounts(ctx context.Context, client redis.UniversalClient, msgs []redis.XMessage) map[string]int64 {
	out := make(map[string]int64, len(msgs))
	if len(msgs) == 0 {
		return out
	}
	pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   c.opts.Stream,
		Group:    c.opts.Group,
		Start:    msgs[0].ID,
		End:      msgs[len(msgs)-1].ID,
		Count:    int64(len(msgs)),
		Consumer: c.opts.Consumer,
	}).Result()
	if err != nil {
		c.logger.Debugf("xpending for delivery counts failed: %v", err)
		return out
	}
	for _, p := range pending {
		out[p.ID] = p.RetryCount
	}
	return out
}

func (c *RedisConsumer) handle(ctx context.Context, client redis.UniversalClient, xm redis.XMessage, deliveries int64, handler HandlerFunc) {
	msg := c.decode(xm)
	msg.DeliveryCount = deliveries

	if c.m != nil {
		c.m.Consumer.InFlightMessages.Inc()
		defer c.m.Consumer.InFlightMessages.Dec()
		c.m.Consumer.ConsumedTotal.WithLabelValues(msg.Type).Inc()
	}

	start := time.Now()
	err := safeHandle(ctx, handler, msg)
	if c.m != nil {
		c.m.Consumer.ProcessDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if c.m != nil {
			c.m.Consumer.ErrorsTotal.WithLabelValues(msg.Type).Inc()
		}
		if errors.Is(err, appers.ErrLockBusy) {
			c.logger.Debugf("[msg %s] %s left pending: %v", xm.ID, msg.Type, err)
		} else {
			c.logger.Errorw("handler failed, message left pending",
				"id", xm.ID, "type", msg.Type, "aggregate_id", msg.AggregateID, "err", err)
		}
		return
	}

	if err := client.XAck(ctx, c.opts.Stream, c.opts.Group, xm.ID).Err(); err != nil {
		c.logger.Errorf("[msg %s] xack failed: %v", xm.ID, err)
		return
	}
	if c.m != nil {
		c.m.Consumer.AckedTotal.WithLabelValues(msg.Type).Inc()
	}
}

// decode не падает: битый payload становится пустой map,
// тип и aggregate_id обработчик всё равно видит
func (c *RedisConsumer) decode(xm redis.XMessage) entity.StreamMessage {
	msg := entity.StreamMessage{
		ID:          xm.ID,
		Type:        stringField(xm.Values, entity.FieldType),
		AggregateID: stringField(xm.Values, entity.FieldAggregateID),
	}

	if raw := stringField(xm.Values, entity.FieldCreatedAt); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			msg.CreatedAt = t
		}
	}

	payload, err := common.DecodePayload([]byte(stringField(xm.Values, entity.FieldPayload)))
	if err != nil {
		c.logger.Warn((&appers.DecodeError{MessageID: xm.ID, Err: err}).Error())
	}
	msg.Payload = payload
	return msg
}

func stringField(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func safeHandle(ctx context.Context, handler HandlerFunc, msg entity.StreamMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
