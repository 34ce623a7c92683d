package handler

import (
	"net/http"
	"tasks/pkg/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/swagger"
	"go.uber.org/zap"
)

type Router struct {
	handler Handler
	app     *fiber.App
	conf    *config.Config
	metrics http.Handler
	logger  *zap.SugaredLogger
}

// NewRouter. metrics может быть nil, тогда /metrics не монтируется
func NewRouter(handler Handler, app *fiber.App, conf *config.Config, metrics http.Handler, logger *zap.SugaredLogger) *Router {
	return &Router{
		logger:  logger,
		app:     app,
		conf:    conf,
		metrics: metrics,
		handler: handler,
	}
}

func (r *Router) RegisterRouter() {
	r.app.Get("/health", r.handler.HealthCheck)
	if r.metrics != nil {
		r.app.Get("/metrics", adaptor.HTTPHandler(r.metrics))
	}

	r.app.Get("/swagger/*", swagger.New(swagger.Config{
		DeepLinking: false,
		URL:         "/swagger/doc.json",
	}))

	v1 := r.app.Group("/v1")

	v1.Post("/tasks", r.handler.CreateTask)
	v1.Get("/tasks/:id", r.handler.GetTask)
}

// RegisterProbes монтирует только /health и /metrics, для процесса воркера
func (r *Router) RegisterProbes() {
	r.app.Get("/health", r.handler.HealthCheck)
	if r.metrics != nil {
		r.app.Get("/metrics", adaptor.HTTPHandler(r.metrics))
	}
}
