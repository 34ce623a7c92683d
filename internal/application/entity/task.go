package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskProcessing TaskState = "processing"
	TaskProcessed  TaskState = "processed"
	TaskFailed     TaskState = "failed"
)

type Task struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
	State     TaskState      `json:"state"`
	Attempts  int            `json:"attempts"`
	LastError *string        `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewTask создаёт pending задачу с новым id
func NewTask(name string, payload map[string]any) (*Task, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		Name:      name,
		Payload:   payload,
		State:     TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CreateTaskRequest тело POST /v1/tasks
type CreateTaskRequest struct {
	Name    string         `json:"name" validate:"required,min=1,max=200,taskname" example:"resize-image"`
	Payload map[string]any `json:"payload"`
}

type CreateTaskResponse struct {
	ID     string `json:"id" example:"7f1c5a5e-3f0b-4a53-9d6f-1f0a3c8f2b11"`
	Status string `json:"status" example:"created"`
}

type TaskResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
	State     string         `json:"state"`
	Attempts  int            `json:"attempts"`
	LastError *string        `json:"last_error"`
}

func NewTaskResponse(t *Task) TaskResponse {
	payload := t.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return TaskResponse{
		ID:        t.ID.String(),
		Name:      t.Name,
		Payload:   payload,
		State:     string(t.State),
		Attempts:  t.Attempts,
		LastError: t.LastError,
	}
}
