package agent

import (
	"fmt"
	"strings"

	"github.com/Ananth-NQI/cakepe-backend/internal/models"
)

// SystemPrompt tells the model who it is, what is on sale and where the
// customer's order stands.
func SystemPrompt(business, menu string, order *models.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the WhatsApp ordering assistant for %s. Keep replies short and friendly.\n\n", business)
	fmt.Fprintf(&b, "Menu:\n%s\n\n", menu)
	b.WriteString("Use lookup_catalog for prices. Once the customer confirms a cake, call create_payment_link with it. ")
	b.WriteString("Never write a payment URL yourself.\n\n")

	switch {
	case order == nil || !order.State.Active():
		b.WriteString("The customer has no open order.")
	case order.State == models.OrderStateAwaitingPayment && order.Reference() != "":
		fmt.Fprintf(&b, "The customer ordered %s for %d %s and has a payment link: %s. Remind them to pay; the item cannot change.",
			order.Item, order.Amount, order.Currency, order.PaymentURL)
	case order.State == models.OrderStateAwaitingPayment:
		fmt.Fprintf(&b, "The customer chose %s for %d %s but has no payment link yet. Create one; the item cannot change.",
			order.Item, order.Amount, order.Currency)
	default:
		b.WriteString("The customer has an open order and has not chosen a cake yet.")
	}
	return b.String()
}
