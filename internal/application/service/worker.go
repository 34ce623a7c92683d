package service

import (
	"context"
	"errors"
	"fmt"
	"tasks/internal/appers"
	"tasks/internal/application/common"
	"tasks/internal/application/entity"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

type TaskLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// LockProvider возвращает новый handle блокировки для key
type LockProvider func(key string) TaskLock

type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*entity.Task, error)
	UpsertTask(ctx context.Context, t *entity.Task) error
}

type TaskWriter interface {
	WriteWithOutbox(ctx context.Context, t *entity.Task, e *entity.OutboxRecord) error
}

// Processor выполняет работу по одной задаче
type Processor interface {
	Process(ctx context.Context, task *entity.Task) error
}

// SimulatedProcessor имитирует работу ожиданием Delay
type SimulatedProcessor struct {
	Delay time.Duration
}

func (p SimulatedProcessor) Process(ctx context.Context, _ *entity.Task) error {
	return common.SleepCtx(ctx, p.Delay)
}

type WorkerConfig struct {
	Stream        string
	LockKeyPrefix string
}

// Worker обрабатывает события задач под блокировкой задачи и сохраняет
// результат вместе со следующим событием
type Worker struct {
	store     TaskStore
	writer    TaskWriter
	locks     LockProvider
	processor Processor
	cfg       WorkerConfig
	logger    *zap.SugaredLogger
}

func NewWorker(store TaskStore, writer TaskWriter, locks LockProvider, processor Processor, cfg WorkerConfig, logger *zap.SugaredLogger) *Worker {
	if cfg.LockKeyPrefix == "" {
		cfg.LockKeyPrefix = "task-lock:"
	}
	return &Worker{
		store:     store,
		writer:    writer,
		locks:     locks,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
	}
}

// HandleTaskCreated обрабатывает задачу из msg. nil - сообщение можно подтвердить
func (w *Worker) HandleTaskCreated(ctx context.Context, msg entity.StreamMessage) error {
	taskID, ok := resolveTaskID(msg)
	if !ok {
		w.logger.Warnf("[msg %s] no task id in %s event, skipping", msg.ID, msg.Type)
		return nil
	}

	lock := w.locks(w.cfg.LockKeyPrefix + taskID.String())
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("[task: %s] acquire lock: %w", taskID, err)
	}
	if !acquired {
		return fmt.Errorf("[task: %s] %w", taskID, appers.ErrLockBusy)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	task, err := w.store.GetTask(ctx, taskID)
	if errors.Is(err, appers.ErrTaskNotFound) {
		w.logger.Warnf("[task: %s] referenced by %s but not in store, skipping", taskID, msg.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("[task: %s] load: %w", taskID, err)
	}
	if task.State == entity.TaskProcessed {
		w.logger.Infof("[task: %s] already processed, acking redelivery %s", taskID, msg.ID)
		return nil
	}

	w.logger.Infow("handle event", "type", msg.Type, "task_id", taskID.String(), "delivery", msg.DeliveryCount)

	task.State = entity.TaskProcessing
	if err := w.store.UpsertTask(ctx, task); err != nil {
		return fmt.Errorf("[task: %s] mark processing: %w", taskID, err)
	}

	procErr := w.processor.Process(ctx, task)

	task.Attempts++
	event := &entity.OutboxRecord{
		Stream:      w.cfg.Stream,
		AggregateID: taskID.String(),
	}
	if procErr != nil {
		cause := procErr.Error()
		task.State = entity.TaskFailed
		task.LastError = &cause
		event.EventType = entity.EventTaskFailed
		event.Payload = map[string]any{
			"task_id":  taskID,
			"state":    string(task.State),
			"attempts": task.Attempts,
			"error":    cause,
		}
	} else {
		task.State = entity.TaskProcessed
		task.LastError = nil
		event.EventType = entity.EventTaskProcessed
		event.Payload = map[string]any{
			"task_id":  taskID,
			"state":    string(task.State),
			"attempts": task.Attempts,
		}
	}

	if err := w.writer.WriteWithOutbox(ctx, task, event); err != nil {
		return fmt.Errorf("[task: %s] persist %s: %w", taskID, task.State, err)
	}

	if procErr != nil {
		w.logger.Errorf("[task: %s] processing failed, attempt %d: %v", taskID, task.Attempts, procErr)
		return fmt.Errorf("[task: %s] process: %w", taskID, procErr)
	}

	w.logger.Infof("[task: %s] marked as processed", taskID)
	return nil
}

// resolveTaskID берёт aggregate_id, иначе payload.task_id
func resolveTaskID(msg entity.StreamMessage) (uuid.UUID, bool) {
	if id, err := uuid.FromString(msg.AggregateID); err == nil {
		return id, true
	}
	if raw, ok := msg.Payload["task_id"].(string); ok {
		if id, err := uuid.FromString(raw); err == nil {
			return id, true
		}
	}
	return uuid.Nil, false
}
