package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"tasks/pkg/config"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrRedisClosed = errors.New("redis connection is closed")

// RedisBroker владеет единственным соединением с Redis в процессе.
// Клиент подключается при первом обращении и общий для producer, consumer и блокировок.
type RedisBroker struct {
	mu     sync.RWMutex
	client redis.UniversalClient
	closed bool
	conf   config.Redis
	logger *zap.SugaredLogger
}

func NewRedisBroker(conf config.Redis, logger *zap.SugaredLogger) *RedisBroker {
	return &RedisBroker{conf: conf, logger: logger}
}

// NewRedisBrokerFromClient оборачивает уже созданный клиент
func NewRedisBrokerFromClient(client redis.UniversalClient, logger *zap.SugaredLogger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

// Client возвращает клиент, подключаясь при необходимости
func (rb *RedisBroker) Client(ctx context.Context) (redis.UniversalClient, error) {
	rb.mu.RLock()
	if rb.client != nil {
		c := rb.client
		rb.mu.RUnlock()
		return c, nil
	}
	closed := rb.closed
	rb.mu.RUnlock()
	if closed {
		return nil, ErrRedisClosed
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return nil, ErrRedisClosed
	}
	if rb.client != nil {
		return rb.client, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         rb.conf.Addr,
		Password:     rb.conf.Password,
		DB:           rb.conf.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		rb.logger.Errorf("redis ping %s failed: %v", rb.conf.Addr, err)
		return nil, fmt.Errorf("redis connect: ping: %w", err)
	}

	rb.logger.Infof("connected to redis at %s, db %d", rb.conf.Addr, rb.conf.DB)
	rb.client = rdb
	return rb.client, nil
}

func (rb *RedisBroker) HealthCheck(ctx context.Context) error {
	c, err := rb.Client(ctx)
	if err != nil {
		return err
	}
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close идемпотентен
func (rb *RedisBroker) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return nil
	}
	rb.closed = true
	if rb.client == nil {
		return nil
	}
	err := rb.client.Close()
	rb.client = nil
	return err
}
