package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/payments"
)

// PaymentEventKey is the fiber local holding the verified payments.Event.
const PaymentEventKey = "payment_event"

// ValidatePaymentSignature verifies Cashfree webhook signatures and parses
// the event before the handler runs.
func ValidatePaymentSignature(gateway payments.Gateway, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sig := payments.Signature{
			Value:     c.Get("x-webhook-signature"),
			Timestamp: c.Get("x-webhook-timestamp"),
		}

		ev, err := gateway.VerifyWebhook(c.Body(), sig)
		switch {
		case errors.Is(err, payments.ErrInvalidSignature):
			// Either a forged call or a rotated secret; both need an operator.
			logger.Warn("Payment webhook signature rejected, operator attention needed",
				zap.String("ip", c.IP()),
				zap.String("timestamp", sig.Timestamp),
				zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		case err != nil:
			logger.Warn("Malformed payment webhook", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid webhook payload",
			})
		}

		c.Locals(PaymentEventKey, ev)
		return c.Next()
	}
}
