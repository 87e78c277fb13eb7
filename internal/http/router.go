package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"murmur/internal/config"
	"murmur/internal/metrics"
	"murmur/internal/model"
	"murmur/internal/services"
)

// Pinger is a dependency the deep health check pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Describer is implemented by checks that can report what they found,
// such as the detected GPUs. The deep health check includes the details.
type Describer interface {
	Details() any
}

// Dependencies are the collaborators the HTTP layer is wired to.
type Dependencies struct {
	Service services.TranscriptionService
	// Redis backs the submit rate limit; nil disables it.
	Redis *redis.Client
	// Checks are pinged by GET /health?deep=true, keyed by name.
	Checks map[string]Pinger
	Logger *slog.Logger
}

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

func NewServer(cfg *config.Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.Server.BodyLimitBytes,
		DisableStartupMessage: true,
		ErrorHandler:          fiberErrorHandler(logger),
	})

	// Inject config, service and logger into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("service", deps.Service)
		c.Locals("logger", logger)
		return c.Next()
	})
	app.Use(requestLogMiddleware(logger))

	app.Get("/health", healthHandler(deps.Checks))
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})
	app.Get("/models", modelsHandler)
	app.Get("/formats", formatsHandler)

	var rateMw fiber.Handler
	if deps.Redis != nil && cfg.RateLimit.SubmitPerMinute > 0 {
		rateMw = rateLimitMiddleware(cfg.RateLimit.SubmitPerMinute, deps.Redis)
	} else {
		rateMw = func(c *fiber.Ctx) error { return c.Next() }
	}
	app.Post("/transcribe", rateMw, transcribeHandler)

	app.Get("/jobs", jobsListHandler)
	app.Get("/jobs/:id", jobDetailHandler)
	app.Get("/jobs/:id/download", jobDownloadHandler)
	app.Delete("/jobs/:id", jobDeleteHandler)

	app.Get("/ws/jobs/:id", wsUpgradeMiddleware, websocket.New(jobEventsSocket(logger)))

	return &Server{
		app:    app,
		config: cfg,
		logger: logger,
	}
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info("http_listen", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func healthHandler(checks map[string]Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		resp := fiber.Map{}
		for name, p := range checks {
			result := "ok"
			if err := p.Ping(ctx); err != nil {
				result = "error"
				status = "error"
			}
			if d, ok := p.(Describer); ok {
				resp[name] = fiber.Map{"status": result, "details": d.Details()}
				continue
			}
			resp[name] = result
		}
		resp["status"] = status
		if status != "ok" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
		}
		return c.JSON(resp)
	}
}

// fiberErrorHandler renders errors raised by fiber itself, such as an
// oversized body or an unknown route, in the error envelope.
func fiberErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if !errors.As(err, &fe) {
			return writeError(c, logger, err)
		}
		kind := model.KindValidation
		switch {
		case fe.Code == fiber.StatusNotFound:
			kind = model.KindNotFound
		case fe.Code >= fiber.StatusInternalServerError:
			kind = model.KindInternal
		}
		msg := fe.Message
		if fe.Code == fiber.StatusRequestEntityTooLarge {
			msg = "request body exceeds the upload limit"
		}
		return c.Status(fe.Code).JSON(ErrorResponse{
			Success: false,
			Code:    string(kind),
			Error:   msg,
		})
	}
}
