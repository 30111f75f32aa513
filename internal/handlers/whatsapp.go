package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/services"
)

// ErrValidation marks a request body that failed validation.
var ErrValidation = errors.New("invalid request")

// MessageDispatcher runs one inbound customer message.
type MessageDispatcher interface {
	HandleMessage(ctx context.Context, msg services.InboundMessage) (*services.MessageResult, error)
}

// WhatsAppHandler handles WhatsApp webhook requests
type WhatsAppHandler struct {
	dispatcher MessageDispatcher
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewWhatsAppHandler creates a new WhatsApp handler
func NewWhatsAppHandler(dispatcher MessageDispatcher, logger *zap.Logger) *WhatsAppHandler {
	return &WhatsAppHandler{
		dispatcher: dispatcher,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.Named("whatsapp"),
	}
}

// ProcessMessageRequest is the JSON body of POST /api/process_message.
type ProcessMessageRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
	Name        string `json:"name" validate:"required,max=128"`
	Message     string `json:"message" validate:"required,max=4096"`
}

// TwilioWebhookPayload is the form Twilio posts for an incoming WhatsApp message.
type TwilioWebhookPayload struct {
	MessageSid  string `form:"MessageSid"`
	AccountSid  string `form:"AccountSid"`
	From        string `form:"From" validate:"required,e164"` // whatsapp:+919876543210, normalized before validation
	To          string `form:"To"`
	Body        string `form:"Body" validate:"required,max=4096"`
	ProfileName string `form:"ProfileName" validate:"max=128"`
	NumMedia    string `form:"NumMedia"`
}

// ProcessMessage handles POST /api/process_message.
func (h *WhatsAppHandler) ProcessMessage(c *fiber.Ctx) error {
	var req ProcessMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.PhoneNumber = NormalizePhone(req.PhoneNumber)
	req.Message = strings.TrimSpace(req.Message)
	req.Name = strings.TrimSpace(req.Name)

	if err := h.check(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	res, err := h.dispatcher.HandleMessage(c.UserContext(), services.InboundMessage{
		Phone: req.PhoneNumber,
		Name:  req.Name,
		Text:  req.Message,
	})
	if err != nil {
		h.logger.Error("Failed to process message", zap.String("customer", req.PhoneNumber), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": services.MsgTemporaryFailure,
		})
	}

	return c.JSON(fiber.Map{
		"status":      "ok",
		"reply":       res.Reply,
		"order_id":    res.OrderID,
		"order_state": res.OrderState,
	})
}

// HandleWebhook processes incoming WhatsApp messages from Twilio. The reply
// goes out through the messenger, so the TwiML response stays empty.
func (h *WhatsAppHandler) HandleWebhook(c *fiber.Ctx) error {
	var payload TwilioWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		h.logger.Warn("Error parsing webhook", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}

	// Status callbacks carry no body; acknowledge and move on.
	if strings.TrimSpace(payload.Body) == "" {
		return emptyTwiML(c)
	}

	payload.From = NormalizePhone(payload.From)
	payload.Body = strings.TrimSpace(payload.Body)
	if err := h.check(&payload); err != nil {
		// Answered in TwiML; the message never reaches the dispatcher.
		h.logger.Warn("Rejected WhatsApp message", zap.String("customer", payload.From), zap.Int("length", len(payload.Body)), zap.Error(err))
		return replyTwiML(c, services.MsgNotUnderstood)
	}

	h.logger.Debug("WhatsApp message received", zap.String("customer", payload.From), zap.String("sid", payload.MessageSid))
	_, err := h.dispatcher.HandleMessage(c.UserContext(), services.InboundMessage{
		Phone: payload.From,
		Name:  strings.TrimSpace(payload.ProfileName),
		Text:  payload.Body,
	})
	if err != nil {
		h.logger.Error("Failed to process message", zap.String("customer", payload.From), zap.Error(err))
		// Twilio retries on 5xx, which would replay the message.
	}
	return emptyTwiML(c)
}

func (h *WhatsAppHandler) check(v interface{}) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: %s failed %s", ErrValidation, strings.ToLower(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

func emptyTwiML(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationXML)
	return c.SendString(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
}

// replyTwiML answers the sender directly in the webhook response.
func replyTwiML(c *fiber.Ctx, text string) error {
	doc, err := twiml.Messages([]twiml.Element{&twiml.MessagingMessage{Body: text}})
	if err != nil {
		return fmt.Errorf("failed to render TwiML: %w", err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationXML)
	return c.SendString(doc)
}

// NormalizePhone turns the shapes WhatsApp numbers arrive in into E.164:
// the Twilio "whatsapp:" prefix, spaces, dashes and brackets are dropped,
// and a bare 10 digit number is taken as Indian.
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "whatsapp:")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, s)

	switch {
	case strings.HasPrefix(s, "+"):
		return s
	case strings.HasPrefix(s, "00"):
		return "+" + s[2:]
	case len(s) == 10:
		return "+91" + s
	case len(s) == 12 && strings.HasPrefix(s, "91"):
		return "+" + s
	}
	return s
}
