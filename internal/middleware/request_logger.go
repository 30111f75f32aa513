package middleware

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RequestLogger writes one structured access log line per request.
func RequestLogger(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			// The app's ErrorHandler writes the response after we return.
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", requestID(c)),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}

		switch {
		case status >= fiber.StatusInternalServerError:
			logger.Error("Request failed", fields...)
		case status >= fiber.StatusBadRequest:
			logger.Warn("Request rejected", fields...)
		default:
			logger.Info("Request served", fields...)
		}
		return err
	}
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return c.GetRespHeader(fiber.HeaderXRequestID)
}
