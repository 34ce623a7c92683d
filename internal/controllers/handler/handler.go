package handler

import (
	"context"
	"errors"
	"fmt"
	"tasks/internal/appers"
	"tasks/internal/application/common"
	"tasks/internal/application/entity"
	use_cases "tasks/internal/application/use-cases"
	"tasks/pkg/validator"
	"time"

	playgroundvalidator "github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

type Handler interface {
	CreateTask(c *fiber.Ctx) error
	GetTask(c *fiber.Ctx) error
	HealthCheck(c *fiber.Ctx) error
}
type HandlerImpl struct {
	usecase use_cases.UseCaser
	logger  *zap.SugaredLogger
}

func NewTaskHandler(usecase use_cases.UseCaser, logger *zap.SugaredLogger) *HandlerImpl {
	return &HandlerImpl{
		usecase: usecase,
		logger:  logger,
	}
}

// formatValidationErrors форматирует ошибки валидации в понятный формат для клиента
func formatValidationErrors(err error) fiber.Map {
	var details []string
	var validationErrors playgroundvalidator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			field := e.Field()
			var message string
			switch e.Tag() {
			case "required":
				message = fmt.Sprintf("поле '%s' обязательно для заполнения", field)
			case "min":
				message = fmt.Sprintf("поле '%s' должно содержать минимум %s символов", field, e.Param())
			case "max":
				message = fmt.Sprintf("поле '%s' должно содержать максимум %s символов", field, e.Param())
			case "taskname":
				message = fmt.Sprintf("поле '%s' не должно содержать управляющих символов", field)
			default:
				message = fmt.Sprintf("поле '%s' не прошло валидацию: %s", field, e.Tag())
			}
			details = append(details, message)
		}
	} else {
		details = append(details, err.Error())
	}
	return fiber.Map{
		"error":   "validation failed",
		"details": details,
	}
}

// HealthCheck godoc
// @Summary     Проверка состояния сервиса
// @Description Проверяет доступность PostgreSQL и брокера (Redis или Kafka).
// @Produce     json
// @Success     200   {object} entity.HealthCheckResponse "Все сервисы доступны"
// @Failure     503   {object} entity.HealthCheckResponse "Один или несколько сервисов недоступны"
// @tags        Health
// @Router      /health [get]
func (h *HandlerImpl) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	dbHealthy, brokerHealthy, _ := h.usecase.HealthCheck(ctx)

	health := entity.HealthCheckResponse{
		Status:  dbHealthy && brokerHealthy,
		Message: "success",
		Version: common.Version,
		Checks: entity.HealthCheckResponseData{
			Database: entity.HealthCheckItem{Status: dbHealthy, Type: "postgresql"},
			Broker:   entity.HealthCheckItem{Status: brokerHealthy, Type: "broker"},
		},
	}
	if !dbHealthy {
		health.Checks.Database.Error = "Database connection failed"
		health.Message = "Some services are unavailable"
	}
	if !brokerHealthy {
		health.Checks.Broker.Error = "Broker connection failed"
		health.Message = "Some services are unavailable"
	}

	if !health.Status {
		return c.Status(fiber.StatusServiceUnavailable).JSON(health)
	}
	return c.Status(fiber.StatusOK).JSON(health)
}

// CreateTask godoc
// @Summary     Создание задачи
// @Description Сохраняет задачу и событие task.created в одной транзакции. Событие публикуется в стрим асинхронно.
// @Accept      json
// @Produce     json
// @Param       body  body     entity.CreateTaskRequest  true  "Данные задачи"
// @Success     201   {object} entity.CreateTaskResponse
// @Failure     400
// @Failure     409
// @Failure     500
// @tags        Task
// @Router      /v1/tasks [post]
func (h *HandlerImpl) CreateTask(c *fiber.Ctx) error {
	var req entity.CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Errorf("error parsing body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if err := validator.Validate.Struct(&req); err != nil {
		h.logger.Warnf("validation error: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(formatValidationErrors(err))
	}

	task, err := h.usecase.CreateTask(c.UserContext(), req)
	if err != nil {
		h.logger.Errorf("[name: %s] CreateTask failed: %v", req.Name, err)
		return appers.SanitizeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(entity.CreateTaskResponse{
		ID:     task.ID.String(),
		Status: "created",
	})
}

// GetTask godoc
// @Summary     Получение задачи
// @Description Возвращает задачу по идентификатору вместе с текущим состоянием обработки
// @Produce     json
// @Param       id   path     string  true  "ID задачи (UUID)"
// @Success     200  {object} entity.TaskResponse
// @Failure     400
// @Failure     404
// @Failure     500
// @tags        Task
// @Router      /v1/tasks/{id} [get]
func (h *HandlerImpl) GetTask(c *fiber.Ctx) error {
	id, err := uuid.FromString(c.Params("id"))
	if err != nil {
		return appers.SanitizeError(c, appers.ErrInvalidTaskID)
	}

	task, err := h.usecase.GetTask(c.UserContext(), id)
	if err != nil {
		return appers.SanitizeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(entity.NewTaskResponse(task))
}
