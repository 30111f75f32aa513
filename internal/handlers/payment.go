package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/middleware"
	"github.com/Ananth-NQI/cakepe-backend/internal/payments"
	"github.com/Ananth-NQI/cakepe-backend/internal/services"
)

// PaymentSettler applies verified payment events.
type PaymentSettler interface {
	SettlePayment(ctx context.Context, ev payments.Event) (services.SettlementOutcome, error)
}

type PaymentHandler struct {
	settler PaymentSettler
	logger  *zap.Logger
}

func NewPaymentHandler(settler PaymentSettler, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		settler: settler,
		logger:  logger.Named("payments"),
	}
}

// HandleWebhook settles a Cashfree webhook already verified by
// middleware.ValidatePaymentSignature. Every outcome but a store failure is
// acknowledged with 200 so Cashfree stops retrying.
func (h *PaymentHandler) HandleWebhook(c *fiber.Ctx) error {
	ev, ok := c.Locals(middleware.PaymentEventKey).(payments.Event)
	if !ok {
		return fiber.NewError(fiber.StatusInternalServerError, "payment webhook reached handler unverified")
	}

	outcome, err := h.settler.SettlePayment(c.UserContext(), ev)
	if err != nil {
		h.logger.Error("Failed to settle payment",
			zap.String("reference", ev.Reference),
			zap.String("event", ev.Type),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record payment",
		})
	}

	return c.JSON(fiber.Map{
		"status":    outcome,
		"reference": ev.Reference,
	})
}
