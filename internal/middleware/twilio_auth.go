package middleware

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/twilio/twilio-go/client"
	"go.uber.org/zap"
)

// ValidateTwilioSignature validates that the webhook request is from Twilio
func ValidateTwilioSignature(authToken string, logger *zap.Logger) fiber.Handler {
	validator := client.NewRequestValidator(authToken)

	return func(c *fiber.Ctx) error {
		twilioSignature := c.Get("X-Twilio-Signature")
		if twilioSignature == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing Twilio signature",
			})
		}

		formParams := make(map[string]string)
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			formParams[string(key)] = string(value)
		})

		if !validator.Validate(getFullURL(c), formParams, twilioSignature) {
			logger.Warn("Rejected WhatsApp webhook with bad signature",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}

		return c.Next()
	}
}

// getFullURL rebuilds the URL Twilio signed. Cloud Run terminates TLS in
// front of us, so anything but plain http is reported as https.
func getFullURL(c *fiber.Ctx) string {
	protocol := "https"
	if c.Protocol() == "http" && c.Get("X-Forwarded-Proto") != "https" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s%s", protocol, c.Hostname(), c.OriginalURL())
}
