package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"tasks/pkg/broker"
	"tasks/pkg/config"
	"tasks/pkg/metrics"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// clientPool - пул для redsync поверх общего клиента брокера, своих соединений не открывает
type clientPool struct {
	broker *broker.RedisBroker
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.broker.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis client for lock pool: %w", err)
	}
	return goredis.NewPool(rdb).Get(ctx)
}

// Locker создаёт блокировки по ключу с общим TTL и интервалом продления
type Locker struct {
	rs            *redsync.Redsync
	ttl           time.Duration
	renewInterval time.Duration
	logger        *zap.SugaredLogger
	m             *metrics.Metrics
}

func NewLocker(b *broker.RedisBroker, conf config.Lock, logger *zap.SugaredLogger, m *metrics.Metrics) *Locker {
	ttl := conf.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
		conf.TTL = ttl
	}
	return &Locker{
		rs:            redsync.New(&clientPool{broker: b}),
		ttl:           ttl,
		renewInterval: conf.RenewInterval(),
		logger:        logger,
		m:             m,
	}
}

func (l *Locker) NewLock(key string) *Lock {
	return &Lock{key: key, locker: l}
}

// Lock - аренда ключа одним владельцем. Каждый Acquire берёт новый токен,
// Release удаляет ключ, только пока в нём этот токен.
type Lock struct {
	key    string
	locker *Locker

	mu    sync.Mutex
	mutex *redsync.Mutex
	token string
	stop  chan struct{}
	done  chan struct{}
	held  bool
}

func (k *Lock) Key() string { return k.key }

// Token - значение, записанное последним успешным Acquire
func (k *Lock) Token() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.token
}

// Acquire делает одну попытку SET NX PX. Занятый ключ даёт (false, nil),
// ошибка Redis даёт (false, err). После успеха горутина продлевает ключ до Release.
func (k *Lock) Acquire(ctx context.Context) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.held {
		return true, nil
	}

	token, err := uuid.NewV4()
	if err != nil {
		return false, fmt.Errorf("lock token: %w", err)
	}
	value := token.String()

	mutex := k.locker.rs.NewMutex(k.key,
		redsync.WithExpiry(k.locker.ttl),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return value, nil }),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			k.locker.logger.Debugf("[lock %s] already held elsewhere", k.key)
			if k.locker.m != nil {
				k.locker.m.Lock.BusyTotal.Inc()
			}
			return false, nil
		}
		if k.locker.m != nil {
			k.locker.m.Lock.ErrorsTotal.WithLabelValues("acquire").Inc()
		}
		return false, fmt.Errorf("acquire lock %s: %w", k.key, err)
	}

	k.mutex = mutex
	k.token = value
	k.held = true
	k.stop = make(chan struct{})
	k.done = make(chan struct{})
	go k.renew(mutex, k.stop, k.done)

	if k.locker.m != nil {
		k.locker.m.Lock.AcquiredTotal.Inc()
	}
	k.locker.logger.Debugf("[lock %s] acquired, ttl=%s renew every %s", k.key, k.locker.ttl, k.locker.renewInterval)
	return true, nil
}

// renew продлевает ключ каждые renewInterval с проверкой токена:
// ключ, перешедший к другому владельцу, не забирается
func (k *Lock) renew(mutex *redsync.Mutex, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(k.locker.renewInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), k.locker.renewInterval)
			ok, err := mutex.ExtendContext(ctx)
			cancel()
			if err != nil || !ok {
				if k.locker.m != nil {
					k.locker.m.Lock.ErrorsTotal.WithLabelValues("extend").Inc()
				}
				k.locker.logger.Warnf("[lock %s] extend failed (ok=%t): %v", k.key, ok, err)
			}
		}
	}
}

// Release останавливает продление и удаляет ключ, если в нём наш токен.
// Ошибки только логируются. Без удержания блокировки ничего не делает.
func (k *Lock) Release(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.held {
		return
	}
	close(k.stop)
	<-k.done
	k.held = false

	ok, err := k.mutex.UnlockContext(ctx)
	switch {
	case err != nil && errors.Is(err, redsync.ErrLockAlreadyExpired):
		k.locker.logger.Warnf("[lock %s] expired before release", k.key)
	case err != nil && !isContention(err):
		if k.locker.m != nil {
			k.locker.m.Lock.ErrorsTotal.WithLabelValues("release").Inc()
		}
		k.locker.logger.Errorf("[lock %s] release failed: %v", k.key, err)
	case !ok:
		k.locker.logger.Warnf("[lock %s] held by another owner at release, left untouched", k.key)
	default:
		k.locker.logger.Debugf("[lock %s] released", k.key)
	}
	k.mutex = nil
}

func isContention(err error) bool {
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
