package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tasks/internal/appers"
	"tasks/internal/application/entity"
	"tasks/pkg/broker"
	"tasks/pkg/config"
	"tasks/pkg/metrics"
	"tasks/pkg/redislock"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLockProvider(t *testing.T) (LockProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := zap.NewNop().Sugar()
	b := broker.NewRedisBrokerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)
	t.Cleanup(func() { _ = b.Close() })

	locker := redislock.NewLocker(b, config.Lock{TTL: 5 * time.Second, RenewFraction: 1.0 / 3.0}, logger, metrics.NewNop())
	return func(key string) TaskLock { return locker.NewLock(key) }, mr
}

func newPendingTask(t *testing.T, store *fakeStore) *entity.Task {
	t.Helper()
	task, err := entity.NewTask("resize", map[string]any{"w": 1})
	require.NoError(t, err)
	store.putTask(task)
	return task
}

func createdMsg(task *entity.Task) entity.StreamMessage {
	return entity.StreamMessage{
		ID:          "1-0",
		Type:        entity.EventTaskCreated,
		AggregateID: task.ID.String(),
		Payload:     map[string]any{"task_id": task.ID.String()},
	}
}

func newTestWorker(store *fakeStore, locks LockProvider, p Processor) *Worker {
	return NewWorker(store, store, locks, p, WorkerConfig{Stream: "tasks:events"}, zap.NewNop().Sugar())
}

func TestWorker_ProcessesAndEmitsEvent(t *testing.T) {
	locks, mr := newLockProvider(t)
	store := newFakeStore()
	task := newPendingTask(t, store)
	proc := &fakeProcessor{}

	w := newTestWorker(store, locks, proc)
	require.NoError(t, w.HandleTaskCreated(context.Background(), createdMsg(task)))

	got := store.task(task.ID)
	assert.Equal(t, entity.TaskProcessed, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.LastError)
	assert.Equal(t, 1, proc.count())

	events := store.eventsOfType(entity.EventTaskProcessed)
	require.Len(t, events, 1)
	assert.Equal(t, task.ID.String(), events[0].AggregateID)
	assert.Equal(t, "tasks:events", events[0].Stream)

	assert.False(t, mr.Exists("task-lock:"+task.ID.String()), "lock is released after processing")
}

func TestWorker_FallsBackToPayloadTaskID(t *testing.T) {
	locks, _ := newLockProvider(t)
	store := newFakeStore()
	task := newPendingTask(t, store)

	msg := createdMsg(task)
	msg.AggregateID = ""

	w := newTestWorker(store, locks, &fakeProcessor{})
	require.NoError(t, w.HandleTaskCreated(context.Background(), msg))
	assert.Equal(t, entity.TaskProcessed, store.task(task.ID).State)
}

func TestWorker_MissingTaskIDIsSkipped(t *testing.T) {
	locks, _ := newLockProvider(t)
	store := newFakeStore()
	proc := &fakeProcessor{}

	w := newTestWorker(store, locks, proc)
	err := w.HandleTaskCreated(context.Background(), entity.StreamMessage{Type: entity.EventTaskCreated, Payload: map[string]any{}})
	assert.NoError(t, err)
	assert.Zero(t, proc.count())
}

type processorFunc func(ctx context.Context, task *entity.Task) error

func (f processorFunc) Process(ctx context.Context, task *entity.Task) error { return f(ctx, task) }

func TestWorker_TaskIsProcessingWhileRunning(t *testing.T) {
	locks, _ := newLockProvider(t)
	store := newFakeStore()
	task := newPendingTask(t, store)

	var during entity.TaskState
	w := newTestWorker(store, locks, processorFunc(func(context.Context, *entity.Task) error {
		during = store.task(task.ID).State
		return nil
	}))
	require.NoError(t, w.HandleTaskCreated(context.Background(), createdMsg(task)))

	assert.Equal(t, entity.TaskProcessing, during)
	assert.Equal(t, entity.TaskProcessed, store.task(task.ID).State)
}

func TestWorker_LockBusyLeavesMessagePending(t *testing.T) {
	locks, mr := newLockProvider(t)
	store := newFakeStore()
	task := newPendingTask(t, store)
	proc := &fakeProcessor{}

	require.NoError(t, mr.Set("task-lock:"+task.ID.String(), "another-worker"))

	w := newTestWorker(store, locks, proc)
	err := w.HandleTaskCreated(context.Background(), createdMsg(task))
	assert.ErrorIs(t, err, appers.ErrLockBusy)
	assert.Zero(t, proc.count())
	assert.Equal(t, entity.TaskPending, store.task(task.ID).State)

	got, _ := mr.Get("task-lock:" + task.ID.String())
	assert.Equal(t, "another-worker", got)
}

func TestWorker_AlreadyProcessedIsAcked(t *testing.T) {
	locks, _ := newLockProvider(t)
	store := newFakeStore()
	task := newPendingTask(t, store)
	task.State = entity.TaskProcessed
	store.putTask(task)
	proc := &fakeProcessor{}

	w := newTestWorker(store, locks, proc)
	assert.NoError(t, w.HandleTaskCreated(context.Background(), createdMsg(task)))
	assert.Zero(t, proc.count())
	assert.Empty(t, store.eventsOfType(entity.EventTaskProcessed))
}

func TestWorker_UnknownTaskIsAcked(t *testing.T) {
	locks, _ := newLockProvider(t)
	store := newFakeStore()
	ghost := &entity.Task{ID: uuid.Must(uuid.NewV4())}

	w := newTestWorker(store, locks, &fakeProcessor{})
	assert.NoError(t, w.HandleTaskCreated(context.Background(), createdMsg(ghost)))
}

func TestWorker_ProcessingFailureIsRecorded(t *testing.T) {
	locks, mr := newLockProvider(t)
	store := newFakeStore()
	task := newPendingTask(t, store)
	proc := &fakeProcessor{err: errors.New("image too large")}

	w := newTestWorker(store, locks, proc)
	err := w.HandleTaskCreated(context.Background(), createdMsg(task))
	require.Error(t, err)
	assert.ErrorIs(t, err, proc.err)

	got := store.task(task.ID)
	assert.Equal(t, entity.TaskFailed, got.State)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "image too large", *got.LastError)

	events := store.eventsOfType(entity.EventTaskFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "image too large", events[0].Payload["error"])
	assert.False(t, mr.Exists("task-lock:"+task.ID.String()))
}

func TestWorker_PersistFailureIsReturned(t *testing.T) {
	locks, mr := newLockProvider(t)
	store := newFakeStore()
	task := newPendingTask(t, store)
	store.writeErr = errors.New("connection refused")

	w := newTestWorker(store, locks, &fakeProcessor{})
	err := w.HandleTaskCreated(context.Background(), createdMsg(task))

	var pe *appers.PersistenceError
	assert.ErrorAs(t, err, &pe)
	assert.False(t, mr.Exists("task-lock:"+task.ID.String()))
}

// blockingProcessor считает, сколько вызовов Process пересекаются
type blockingProcessor struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func (p *blockingProcessor) Process(ctx context.Context, _ *entity.Task) error {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	p.calls.Add(1)
	for {
		cur := p.maxSeen.Load()
		if n <= cur || p.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	return nil
}

func TestWorker_SameTaskNeverProcessedConcurrently(t *testing.T) {
	locks, _ := newLockProvider(t)
	store := newFakeStore()
	task := newPendingTask(t, store)
	proc := &blockingProcessor{}

	w1 := newTestWorker(store, locks, proc)
	w2 := newTestWorker(store, locks, proc)

	var (
		wg   sync.WaitGroup
		busy atomic.Int32
	)
	for _, w := range []*Worker{w1, w2, w1, w2} {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.HandleTaskCreated(context.Background(), createdMsg(task)); errors.Is(err, appers.ErrLockBusy) {
				busy.Add(1)
			}
		}(w)
	}
	wg.Wait()

	assert.EqualValues(t, 1, proc.maxSeen.Load(), "processing of one task must never overlap")
	assert.GreaterOrEqual(t, proc.calls.Load(), int32(1))
	assert.LessOrEqual(t, proc.calls.Load()+busy.Load(), int32(4))
	assert.Equal(t, entity.TaskProcessed, store.task(task.ID).State)
}

func TestSimulatedProcessor_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SimulatedProcessor{Delay: time.Minute}.Process(ctx, &entity.Task{})
	assert.ErrorIs(t, err, context.Canceled)
}
