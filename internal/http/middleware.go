package http

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"murmur/internal/metrics"
)

// requestLogMiddleware assigns a request id and records one log line and
// one metrics sample per request.
func requestLogMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)

		err := c.Next()
		if err != nil {
			// Render now so the logged status is the one sent.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
			err = nil
		}

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Route().Path

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		attrs := []any{
			"request_id", reqID,
			"method", method,
			"path", c.Path(),
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if jobID := c.Locals("job_id"); jobID != nil {
			attrs = append(attrs, "job_id", jobID)
		}
		logger.Info("request", attrs...)

		return err
	}
}

// rateLimitMiddleware enforces a per-minute fixed-window limit per client
// address using Redis.
func rateLimitMiddleware(limit int, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if limit <= 0 {
			return c.Next()
		}

		now := time.Now().UTC()
		window := now.Format("200601021504") // YYYYMMDDHHMM minute window
		key := fmt.Sprintf("murmur:rl:submit:%s:%s", c.IP(), window)

		ctx := c.Context()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
				Success: false,
				Code:    "InternalError",
				Error:   "rate limit check failed",
			})
		}
		if count == 1 {
			// First hit in this window; set TTL
			_ = rdb.Expire(ctx, key, time.Minute)
		}

		if count > int64(limit) {
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", 60-now.Second()))
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Success: false,
				Code:    "RateLimitExceeded",
				Error:   "rate limit exceeded, try again later",
			})
		}

		return c.Next()
	}
}
