package httpserver

import (
	"strconv"
	"strings"
	"tasks/pkg/config"
	"tasks/pkg/metrics"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func NewFiber(conf config.Server, m *metrics.Metrics) *fiber.App {
	bodyLimit := conf.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}

	app := fiber.New(
		fiber.Config{
			ReadBufferSize:        1024 * 100,
			BodyLimit:             bodyLimit,
			DisableStartupMessage: !conf.Debug,
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				code := fiber.StatusInternalServerError
				if e, ok := err.(*fiber.Error); ok {
					code = e.Code
				}
				return c.Status(code).JSON(fiber.Map{
					"status":  false,
					"message": err.Error(),
				})
			},
		},
	)

	app.Use(
		cors.New(cors.Config{
			AllowOrigins:  "*",
			ExposeHeaders: "Authorization",
		}),
		recover.New(recover.Config{
			EnableStackTrace: conf.Debug,
		}),
	)
	if conf.Debug {
		app.Use(logger.New())
	}

	if m != nil {
		app.Use(prometheusMiddleware(m))
	}

	return app
}

// prometheusMiddleware считает запросы по шаблону роута, а не по фактическому пути,
// чтобы id задач не раздували кардинальность
func prometheusMiddleware(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Path()
		method := strings.ToUpper(c.Method())
		if r := c.Route(); r != nil {
			if r.Path != "" {
				path = r.Path
			}
			if r.Method != "" {
				method = strings.ToUpper(r.Method)
			}
		}

		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		statusStr := strconv.Itoa(status)

		m.API.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
		m.API.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(time.Since(start).Seconds())
		return err
	}
}
