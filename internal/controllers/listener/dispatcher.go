package listener

import (
	"context"
	"sync"
	"tasks/internal/application/entity"
	"tasks/internal/transport/consumer"

	"go.uber.org/zap"
)

// Dispatcher направляет сообщение обработчику, зарегистрированному для его типа
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]consumer.HandlerFunc
	logger   *zap.SugaredLogger
}

func NewDispatcher(logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]consumer.HandlerFunc),
		logger:   logger,
	}
}

// Register заменяет обработчик, если он уже был для eventType
func (d *Dispatcher) Register(eventType string, h consumer.HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

// Handle - consumer.HandlerFunc. Сообщения неизвестных типов подтверждаются
func (d *Dispatcher) Handle(ctx context.Context, msg entity.StreamMessage) error {
	d.mu.RLock()
	h, ok := d.handlers[msg.Type]
	d.mu.RUnlock()

	if !ok {
		d.logger.Debugf("[msg %s] no handler for type %q, acked", msg.ID, msg.Type)
		return nil
	}
	return h(ctx, msg)
}
