package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/dosewatch/internal/errors"
	"github.com/gmsas95/dosewatch/internal/metrics"
)

// requestLogger logs each request and feeds the request metrics.
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		latency := time.Since(start)

		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else if err != nil {
			status = statusFor(err)
		}

		metrics.RecordRequest(status < 400)
		metrics.RecordResponseTime(latency)
		s.logger.Debug("HTTP request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", latency),
		)
		return err
	}
}

// errorHandler renders returned errors as JSON, mapping coded errors to
// HTTP statuses.
func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(ErrorResponse{Error: fe.Message})
		}

		status := statusFor(err)
		if status >= 500 {
			logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
		}
		return c.Status(status).JSON(errorBody(err))
	}
}

func statusFor(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.CodeValidation:
		return fiber.StatusBadRequest
	case apperrors.CodeNotFound:
		return fiber.StatusNotFound
	case apperrors.CodePermissionDenied:
		return fiber.StatusForbidden
	case apperrors.CodeSchedulingPartial:
		return fiber.StatusMultiStatus
	case apperrors.CodeNotifyFailed:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return ErrorResponse{Error: appErr.Message, Code: appErr.Code, Details: appErr.Details}
	}
	return ErrorResponse{Error: err.Error()}
}
