package appers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

type ErrorResp struct {
	StatusCode int    `json:"statusCode,omitempty"`
	StatusDesc string `json:"statusDesc,omitempty"`
}

func (e ErrorResp) Error() string {
	return e.StatusDesc
}

var (
	ErrTaskNotFound = ErrorResp{
		http.StatusNotFound,
		"task not found",
	}
	ErrTaskAlreadyExists = ErrorResp{
		http.StatusConflict,
		"task already exists",
	}
	ErrInvalidTaskID = ErrorResp{
		StatusCode: http.StatusBadRequest,
		StatusDesc: "invalid task id, must be a UUID",
	}
)

// ErrLockBusy - блокировку задачи держит другой воркер, сообщение остаётся в pending
var ErrLockBusy = errors.New("task lock is held by another worker")

// PersistenceError - хранилище недоступно или отвергло запись, транзакция откатена
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// PublishError - лог не принял сообщение
type PublishError struct {
	Stream string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Stream, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DecodeError - payload записи лога не удалось разобрать
type DecodeError struct {
	MessageID string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message %s: %v", e.MessageID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func SanitizeError(c *fiber.Ctx, err error) error {
	var errResp ErrorResp

	if ok := errors.As(err, &errResp); ok {
		return c.Status(errResp.StatusCode).JSON(fiber.Map{
			"detail": errResp.StatusDesc,
		})
	}
	return NewErr(c, http.StatusInternalServerError, err)
}

func NewErr(ctx *fiber.Ctx, status int, err error) error {
	return ctx.Status(status).JSON(fiber.Map{
		"detail": err.Error(),
	})
}
