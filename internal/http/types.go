package http

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"murmur/internal/model"
	"murmur/internal/services"
)

// ErrorResponse is the error envelope shared by every route.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}

type SubmitResponse struct {
	JobID  string       `json:"jobId"`
	Status model.Status `json:"status"`
}

type DeleteResponse struct {
	JobID   string       `json:"jobId"`
	Status  model.Status `json:"status,omitempty"`
	Deleted bool         `json:"deleted,omitempty"`
}

type ListJobsResponse struct {
	Jobs []model.Job `json:"jobs"`
}

type ModelsResponse struct {
	Models []services.ModelInfo `json:"models"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return fiber.StatusBadRequest
	case model.KindNotFound:
		return fiber.StatusNotFound
	case model.KindConflict:
		return fiber.StatusConflict
	case model.KindTimeout:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

// writeError renders err in the error envelope. Internal details are only
// logged.
func writeError(c *fiber.Ctx, logger *slog.Logger, err error) error {
	var me *model.Error
	if !errors.As(err, &me) {
		me = model.Internal(err)
	}
	if me.Kind == model.KindInternal && logger != nil {
		logger.Error("request_failed", "request_id", c.Locals("request_id"), "path", c.Path(), "error", err)
	}
	pub := me.Public()
	return c.Status(statusFor(pub.Kind)).JSON(ErrorResponse{
		Success: false,
		Code:    string(pub.Kind),
		Error:   pub.Message,
	})
}
