package services

import (
	"fmt"
	"strings"

	"github.com/Ananth-NQI/cakepe-backend/internal/models"
)

// TemplateConfig holds template configuration
type TemplateConfig struct {
	Description string
	Parameters  []string
	Body        string // {{name}} placeholders, one per parameter
}

// NoticeTemplates maps each order outcome to the message the customer gets.
var NoticeTemplates = map[models.NotificationKind]TemplateConfig{
	models.NotificationPaid: {
		Description: "Payment received, order confirmed",
		Parameters:  []string{"item", "amount", "currency", "business"},
		Body:        "Payment received! Your {{item}} cake ({{amount}} {{currency}}) is confirmed. Thank you for ordering from {{business}}.",
	},
	models.NotificationFailed: {
		Description: "Payment failed or link closed",
		Parameters:  []string{"item"},
		Body:        "Your payment for the {{item}} cake did not go through. Send us a message whenever you'd like to try again.",
	},
	models.NotificationExpired: {
		Description: "Order expired without payment",
		Parameters:  []string{"item"},
		Body:        "Your {{item}} order has expired since we didn't hear back. Just message us when you'd like to order again.",
	},
}

// Plain replies for failures the customer should hear about in words, not
// error codes.
const (
	MsgOrderChanged     = "Sorry, your order was updated while I was replying. Could you tell me again what you'd like?"
	MsgNotUnderstood    = "Sorry, I didn't understand that. Could you rephrase?"
	MsgTemporaryFailure = "Sorry, something went wrong on our side. Please try again in a moment."
)

// RenderTemplate fills a notice template, failing on missing parameters.
func RenderTemplate(kind models.NotificationKind, params map[string]string) (string, error) {
	template, exists := NoticeTemplates[kind]
	if !exists {
		return "", fmt.Errorf("template '%s' not found", kind)
	}

	// Validate required parameters
	pairs := make([]string, 0, 2*len(template.Parameters))
	for _, name := range template.Parameters {
		value, ok := params[name]
		if !ok {
			return "", fmt.Errorf("missing required parameter: %s", name)
		}
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template.Body), nil
}

// NoticeParams builds template parameters for an order.
func NoticeParams(o models.Order, business string) map[string]string {
	item := o.Item
	if item == "" {
		item = "cake"
	}
	return map[string]string{
		"item":     item,
		"amount":   fmt.Sprintf("%d", o.Amount),
		"currency": o.Currency,
		"business": business,
	}
}
