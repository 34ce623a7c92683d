package entity

import (
	"time"
)

const (
	EventTaskCreated   = "task.created"
	EventTaskProcessed = "task.processed"
	EventTaskFailed    = "task.failed"
)

// OutboxRecord - строка outbox_events, событие, которое должно попасть в Stream
type OutboxRecord struct {
	ID           int64          `db:"id"`
	Stream       string         `db:"stream"`
	EventType    string         `db:"event_type"`
	AggregateID  string         `db:"aggregate_id"` // tasks.id
	Payload      map[string]any `db:"payload"`
	CreatedAt    time.Time      `db:"created_at"`
	Published    bool           `db:"published"`
	PublishedAt  *time.Time     `db:"published_at"`
	MessageID    *string        `db:"message_id"` // id, выданный логом
	Attempts     int            `db:"attempts"`
	LastError    *string        `db:"last_error"`
	ClaimedUntil *time.Time     `db:"claimed_until"`
}

// Message превращает запись в сообщение для producer
func (r OutboxRecord) Message() StreamMessage {
	return StreamMessage{
		Type:        r.EventType,
		AggregateID: r.AggregateID,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
	}
}
