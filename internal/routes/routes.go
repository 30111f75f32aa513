package routes

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/config"
	"github.com/Ananth-NQI/cakepe-backend/internal/handlers"
	"github.com/Ananth-NQI/cakepe-backend/internal/middleware"
	"github.com/Ananth-NQI/cakepe-backend/internal/payments"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Config     *config.Config
	Dispatcher handlers.MessageDispatcher
	Settler    handlers.PaymentSettler
	Gateway    payments.Gateway
	Store      handlers.Pinger
	Logger     *zap.Logger
	Version    string
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, d Deps) {
	whatsapp := handlers.NewWhatsAppHandler(d.Dispatcher, d.Logger)
	payment := handlers.NewPaymentHandler(d.Settler, d.Logger)
	health := handlers.NewHealthHandler(d.Version, d.Config.StorageType(), d.Store)

	// Root endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Welcome to CakePe Backend!",
			"version": d.Version,
			"endpoints": fiber.Map{
				"health":          "/health",
				"process_message": "/api/process_message",
				"payment_webhook": "/api/webhook",
				"webhook":         "/webhook/whatsapp",
			},
		})
	})

	app.Get("/health", health.Check)

	// API routes
	api := app.Group("/api")
	api.Post("/process_message", whatsapp.ProcessMessage)
	api.Post("/webhook", middleware.ValidatePaymentSignature(d.Gateway, d.Logger), payment.HandleWebhook)

	// ========== WEBHOOK ROUTES ==========
	webhooks := app.Group("/webhook")

	// WhatsApp webhook - ENVIRONMENT-AWARE VALIDATION
	if d.Config.IsDevelopment() || d.Config.Twilio.DisableValidation {
		// Development: Skip validation for ngrok
		d.Logger.Warn("WhatsApp webhook validation DISABLED")
		webhooks.Post("/whatsapp", whatsapp.HandleWebhook)
	} else {
		webhooks.Post("/whatsapp", middleware.ValidateTwilioSignature(d.Config.Twilio.AuthToken, d.Logger), whatsapp.HandleWebhook)
	}
}
