package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tasks/internal/application/entity"
	"tasks/pkg/broker"
	"tasks/pkg/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testStream = "tasks:events"
	testGroup  = "tasks-workers"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newConsumer(t *testing.T, mr *miniredis.Miniredis, name string) *RedisConsumer {
	t.Helper()
	logger := zap.NewNop().Sugar()
	b := broker.NewRedisBrokerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)
	t.Cleanup(func() { _ = b.Close() })
	return NewRedisConsumer(b, Options{
		Stream:       testStream,
		Group:        testGroup,
		Consumer:     name,
		Count:        5,
		IdleSleep:    10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
	}, logger, metrics.NewNop())
}

func addMessage(t *testing.T, client *redis.Client, values ...any) string {
	t.Helper()
	id, err := client.XAdd(context.Background(), &redis.XAddArgs{Stream: testStream, Values: values}).Result()
	require.NoError(t, err)
	return id
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), testStream, testGroup).Result()
	require.NoError(t, err)
	return p.Count
}

func TestEnsureGroup_Idempotent(t *testing.T) {
	mr, client := setupRedis(t)
	c := newConsumer(t, mr, "c1")
	ctx := context.Background()

	require.NoError(t, c.EnsureGroup(ctx))
	require.NoError(t, c.EnsureGroup(ctx))

	groups, err := client.XInfoGroups(ctx, testStream).Result()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, testGroup, groups[0].Name)
}

func TestEnsureGroup_KeepsCursor(t *testing.T) {
	mr, client := setupRedis(t)
	c := newConsumer(t, mr, "c1")
	ctx := context.Background()
	require.NoError(t, c.EnsureGroup(ctx))

	addMessage(t, client, entity.FieldType, entity.EventTaskCreated, entity.FieldPayload, "{}")
	ok := func(context.Context, entity.StreamMessage) error { return nil }

	n, err := c.ReadBatch(ctx, ok)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Zero(t, pendingCount(t, client))

	// повторный EnsureGroup не сбрасывает позицию группы
	require.NoError(t, c.EnsureGroup(ctx))
	n, err = c.ReadBatch(ctx, ok)
	require.NoError(t, err)
	assert.Zero(t, n, "acked message is not delivered again")
}

func TestEnsureGroup_ReadsMessagesWrittenBeforeGroup(t *testing.T) {
	mr, client := setupRedis(t)
	c := newConsumer(t, mr, "c1")
	ctx := context.Background()

	addMessage(t, client, entity.FieldType, "early", entity.FieldPayload, "{}")
	require.NoError(t, c.EnsureGroup(ctx))

	var got []string
	n, err := c.ReadBatch(ctx, func(_ context.Context, m entity.StreamMessage) error {
		got = append(got, m.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"early"}, got)
}

func TestReadBatch_AcksOnSuccess(t *testing.T) {
	mr, client := setupRedis(t)
	c := newConsumer(t, mr, "c1")
	ctx := context.Background()
	require.NoError(t, c.EnsureGroup(ctx))

	id := addMessage(t, client,
		entity.FieldType, entity.EventTaskCreated,
		entity.FieldAggregateID, "task-1",
		entity.FieldPayload, `{"task_id":"task-1","n":2}`,
		entity.FieldCreatedAt, "2026-03-01T12:00:00Z",
	)

	var got entity.StreamMessage
	n, err := c.ReadBatch(ctx, func(_ context.Context, m entity.StreamMessage) error {
		got = m
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, id, got.ID)
	assert.Equal(t, entity.EventTaskCreated, got.Type)
	assert.Equal(t, "task-1", got.AggregateID)
	assert.Equal(t, "task-1", got.Payload["task_id"])
	assert.EqualValues(t, 2, got.Payload["n"])
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got.CreatedAt.UTC())

	assert.Zero(t, pendingCount(t, client))
}

func TestReadBatch_FailureLeavesPending(t *testing.T) {
	mr, client := setupRedis(t)
	c := newConsumer(t, mr, "c1")
	ctx := context.Background()
	require.NoError(t, c.EnsureGroup(ctx))

	addMessage(t, client, entity.FieldType, entity.EventTaskCreated, entity.FieldPayload, "{}")

	n, err := c.ReadBatch(ctx, func(context.Context, entity.StreamMessage) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, pendingCount(t, client))

	// ">" отдаёт только новые записи, упавшая здесь повторно не приходит
	n, err = c.ReadBatch(ctx, func(context.Context, entity.StreamMessage) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadBatch_MalformedPayload(t *testing.T) {
	mr, client := setupRedis(t)
	c := newConsumer(t, mr, "c1")
	ctx := context.Background()
	require.NoError(t, c.EnsureGroup(ctx))

	addMessage(t, client, entity.FieldType, "x", entity.FieldAggregateID, "a", entity.FieldPayload, "{not json")

	var got entity.StreamMessage
	_, err := c.ReadBatch(ctx, func(_ context.Context, m entity.StreamMessage) error {
		got = m
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "x", got.Type)
	assert.Equal(t, "a", got.AggregateID)
	assert.NotNil(t, got.Payload)
	assert.Empty(t, got.Payload)
	assert.Zero(t, pendingCount(t, client))
}

func TestReadBatch_PanicIsNotAcked(t *testing.T) {
	mr, client := setupRedis(t)
	c := newConsumer(t, mr, "c1")
	ctx := context.Background()
	require.NoError(t, c.EnsureGroup(ctx))

	addMessage(t, client, entity.FieldType, "x", entity.FieldPayload, "{}")

	_, err := c.ReadBatch(ctx, func(context.Context, entity.StreamMessage) error { panic("bad handler") })
	require.NoError(t, err)
	assert.EqualValues(t, 1, pendingCount(t, client))
}

func TestReclaim_TakesOverPendingFromAnotherConsumer(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	crashed := newConsumer(t, mr, "c1")
	require.NoError(t, crashed.EnsureGroup(ctx))
	id := addMessage(t, client, entity.FieldType, entity.EventTaskCreated, entity.FieldPayload, "{}")

	_, err := crashed.ReadBatch(ctx, func(context.Context, entity.StreamMessage) error {
		return errors.New("crashed mid-way")
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, pendingCount(t, client))

	healthy := newConsumer(t, mr, "c2")
	var got []string
	n, err := healthy.Reclaim(ctx, func(_ context.Context, m entity.StreamMessage) error {
		got = append(got, m.ID)
		return nil
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{id}, got)
	assert.Zero(t, pendingCount(t, client))
}

func TestCompetingConsumers_EachMessageOnce(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	const total = 30
	for i := 0; i < total; i++ {
		addMessage(t, client, entity.FieldType, "x", entity.FieldPayload, "{}")
	}

	var (
		mu    sync.Mutex
		seen  = map[string]int{}
		count atomic.Int64
	)
	handler := func(_ context.Context, m entity.StreamMessage) error {
		mu.Lock()
		seen[m.ID]++
		mu.Unlock()
		count.Add(1)
		return nil
	}

	c1 := newConsumer(t, mr, "c1")
	c2 := newConsumer(t, mr, "c2")
	require.NoError(t, c1.EnsureGroup(ctx))

	c1.Start(ctx, handler)
	c2.Start(ctx, handler)

	assert.Eventually(t, func() bool { return count.Load() == total }, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, c1.Stop(stopCtx))
	require.NoError(t, c2.Stop(stopCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered %d times", id, n)
	}
	assert.Zero(t, pendingCount(t, client))
}

func TestStop_IsIdempotentAndClosesConnection(t *testing.T) {
	mr, _ := setupRedis(t)
	c := newConsumer(t, mr, "c1")
	ctx := context.Background()
	require.NoError(t, c.EnsureGroup(ctx))

	c.Start(ctx, func(context.Context, entity.StreamMessage) error { return nil })
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))

	_, err := c.ReadBatch(ctx, func(context.Context, entity.StreamMessage) error { return nil })
	assert.ErrorIs(t, err, broker.ErrRedisClosed)
}
