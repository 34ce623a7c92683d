package entity

import "time"

// Поля записи лога
const (
	FieldType        = "type"
	FieldAggregateID = "aggregate_id"
	FieldPayload     = "payload"
	FieldCreatedAt   = "created_at"
)

// StreamMessage - одна запись лога. ID и DeliveryCount назначает лог,
// остальное пишет producer
type StreamMessage struct {
	ID            string
	Type          string
	AggregateID   string
	Payload       map[string]any
	CreatedAt     time.Time
	DeliveryCount int64
}
