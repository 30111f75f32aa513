// Package agent runs one bounded tool-calling conversation turn against a
// language model and reports what the model proposed for the order.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/catalog"
	"github.com/Ananth-NQI/cakepe-backend/internal/models"
	"github.com/Ananth-NQI/cakepe-backend/internal/payments"
)

// ErrLoopExceeded means the model kept calling tools past the round limit.
var ErrLoopExceeded = errors.New("agent exceeded tool round limit")

const (
	// ApologyReply is sent whenever a turn cannot produce a model answer.
	ApologyReply = "Sorry, I'm having trouble right now. Please send your message again in a moment."
	// PaymentUnavailableReply replaces the model's text when no payment
	// link could be created, so a customer never receives an invented URL.
	PaymentUnavailableReply = "Sorry, our payment service is unavailable right now. Your order is saved; please message us again shortly and we'll send your payment link."

	// maxReplyRunes is the longest WhatsApp body Twilio delivers.
	maxReplyRunes = 1600

	toolLookupCatalog     = "lookup_catalog"
	toolCreatePaymentLink = "create_payment_link"
)

// ProposalKind orders proposals by strength. A turn keeps only its strongest.
type ProposalKind int

const (
	ProposalNone ProposalKind = iota
	ProposalNegotiate
	ProposalSelectItem
	ProposalLinkCreated
)

func (k ProposalKind) String() string {
	switch k {
	case ProposalNegotiate:
		return "negotiate"
	case ProposalSelectItem:
		return "select_item"
	case ProposalLinkCreated:
		return "link_created"
	}
	return "none"
}

// Proposal is what the turn suggests doing to the order. The caller turns it
// into state machine events; the agent never changes an order itself.
type Proposal struct {
	Kind      ProposalKind
	Item      string
	Amount    int64
	Reference string
	URL       string
}

// Input is everything the orchestrator knows about the conversation.
type Input struct {
	Customer models.Customer
	// History is oldest first and ends with the message being answered.
	History []models.Turn
	// Order is the customer's active order, nil when there is none.
	Order *models.Order
}

type Result struct {
	Reply    string
	Proposal Proposal
	Rounds   int
}

// Options tunes an Orchestrator.
type Options struct {
	MaxRounds    int
	Timeout      time.Duration
	Currency     string
	BusinessName string
}

// Orchestrator drives the model through at most MaxRounds calls per turn.
type Orchestrator struct {
	model   Model
	catalog *catalog.Catalog
	gateway payments.Gateway
	opts    Options
	logger  *zap.Logger
}

func NewOrchestrator(model Model, cat *catalog.Catalog, gateway payments.Gateway, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.MaxRounds < 1 {
		opts.MaxRounds = 1
	}
	return &Orchestrator{
		model:   model,
		catalog: cat,
		gateway: gateway,
		opts:    opts,
		logger:  logger.Named("agent"),
	}
}

// turnState is the explicit loop state of one turn.
type turnState struct {
	round     int
	maxRounds int

	proposal      Proposal
	gatewayFailed bool
}

func (s *turnState) propose(p Proposal) {
	if p.Kind > s.proposal.Kind {
		s.proposal = p
	}
}

// Run answers the last message in in.History. It always returns a Result
// with a reply fit for the customer; a non-nil error explains why that
// reply is an apology and the proposal is empty.
func (o *Orchestrator) Run(ctx context.Context, in Input) (Result, error) {
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	state := &turnState{maxRounds: o.opts.MaxRounds}
	req := Request{
		System:   SystemPrompt(o.opts.BusinessName, o.catalog.Describe(o.opts.Currency), in.Order),
		Messages: historyMessages(in.History),
		Tools:    toolSpecs(),
	}

	for state.round < state.maxRounds {
		state.round++

		reply, err := o.model.Converse(ctx, req)
		if err != nil {
			return Result{Reply: ApologyReply, Rounds: state.round}, fmt.Errorf("model call in round %d: %w", state.round, err)
		}
		if len(reply.ToolCalls) == 0 {
			return o.finish(state, reply.Text), nil
		}

		req.Messages = append(req.Messages, Message{Role: RoleAssistant, Text: reply.Text, ToolCalls: reply.ToolCalls})
		results := make([]ToolResult, 0, len(reply.ToolCalls))
		for _, call := range reply.ToolCalls {
			results = append(results, o.runTool(ctx, state, in, call))
		}
		req.Messages = append(req.Messages, Message{Role: RoleUser, ToolResults: results})
	}

	o.logger.Warn("Agent turn hit round limit",
		zap.String("customer", in.Customer.Phone),
		zap.Int("rounds", state.round),
		zap.String("dropped_proposal", state.proposal.Kind.String()))
	return Result{Reply: ApologyReply, Rounds: state.round}, ErrLoopExceeded
}

func (o *Orchestrator) finish(state *turnState, text string) Result {
	text = strings.TrimSpace(text)
	p := state.proposal

	switch {
	case p.Kind == ProposalLinkCreated:
		text = withPaymentLink(text, p.URL)
	case state.gatewayFailed:
		text = PaymentUnavailableReply
	case text == "":
		text = ApologyReply
	}
	return Result{Reply: text, Proposal: p, Rounds: state.round}
}

// withPaymentLink makes sure url survives in the delivered reply, shortening
// the model's text when the whole reply would not fit one message.
func withPaymentLink(text, url string) string {
	if strings.Contains(text, url) && utf8.RuneCountInString(text) <= maxReplyRunes {
		return text
	}
	suffix := "Pay here: " + url
	room := maxReplyRunes - utf8.RuneCountInString(suffix) - len("\n\n")
	if room < 2 {
		return suffix
	}
	if r := []rune(text); len(r) > room {
		text = strings.TrimSpace(string(r[:room-1])) + "…"
	}
	if text == "" {
		return suffix
	}
	return text + "\n\n" + suffix
}

type toolInput struct {
	Item string `json:"item"`
}

func (o *Orchestrator) runTool(ctx context.Context, state *turnState, in Input, call ToolCall) ToolResult {
	var args toolInput
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return toolError(call, "input must be an object like {\"item\": \"chocolate\"}")
		}
	}

	switch call.Name {
	case toolLookupCatalog:
		return o.lookupCatalog(state, in, call, args)
	case toolCreatePaymentLink:
		return o.createPaymentLink(ctx, state, in, call, args)
	}
	return toolError(call, "unknown tool "+call.Name)
}

func (o *Orchestrator) lookupCatalog(state *turnState, in Input, call ToolCall, args toolInput) ToolResult {
	if in.Order != nil && in.Order.State.Active() {
		state.propose(Proposal{Kind: ProposalNegotiate})
	}
	if strings.TrimSpace(args.Item) == "" {
		return ToolResult{CallID: call.ID, Content: o.catalog.Describe(o.opts.Currency)}
	}
	item, ok := o.catalog.Lookup(args.Item)
	if !ok {
		return toolError(call, fmt.Sprintf("no item %q. Available:\n%s", args.Item, o.catalog.Describe(o.opts.Currency)))
	}
	return ToolResult{CallID: call.ID, Content: fmt.Sprintf("%s - %d %s", item.Name, item.Price, o.opts.Currency)}
}

func (o *Orchestrator) createPaymentLink(ctx context.Context, state *turnState, in Input, call ToolCall, args toolInput) ToolResult {
	order := in.Order
	if order == nil || !order.State.Active() {
		return toolError(call, "there is no open order; ask the customer which cake they would like first")
	}
	if state.proposal.Kind == ProposalLinkCreated {
		return ToolResult{CallID: call.ID, Content: "payment link already created: " + state.proposal.URL}
	}
	if order.Reference() != "" {
		return ToolResult{CallID: call.ID, Content: "payment link already sent: " + order.PaymentURL}
	}

	name := strings.TrimSpace(args.Item)
	if name == "" {
		name = order.Item
	}
	item, ok := o.catalog.Lookup(name)
	amount := item.Price
	if order.State == models.OrderStateAwaitingPayment {
		// Item and price were fixed when the customer chose.
		if !strings.EqualFold(name, order.Item) {
			return toolError(call, fmt.Sprintf("the customer already chose %s; it cannot be changed on this order", order.Item))
		}
		item, ok, amount = catalog.Item{Name: order.Item, Price: order.Amount}, true, order.Amount
	}
	if !ok {
		return toolError(call, fmt.Sprintf("no item %q. Available:\n%s", name, o.catalog.Describe(o.opts.Currency)))
	}

	state.propose(Proposal{Kind: ProposalSelectItem, Item: item.Name, Amount: amount})

	link, err := o.gateway.CreateLink(ctx, payments.LinkRequest{
		OrderID:       order.ID,
		Amount:        amount,
		Currency:      o.opts.Currency,
		CustomerPhone: in.Customer.Phone,
		CustomerName:  in.Customer.Name,
		Purpose:       fmt.Sprintf("%s cake from %s", item.Name, o.opts.BusinessName),
	})
	if err != nil {
		state.gatewayFailed = true
		o.logger.Warn("Payment link creation failed",
			zap.String("order_id", order.ID),
			zap.Int64("amount", amount),
			zap.Error(err))
		return toolError(call, "payment service unavailable, do not invent a link: "+err.Error())
	}

	state.propose(Proposal{Kind: ProposalLinkCreated, Item: item.Name, Amount: amount, Reference: link.Reference, URL: link.URL})
	return ToolResult{CallID: call.ID, Content: fmt.Sprintf("payment link for %s (%d %s): %s", item.Name, amount, o.opts.Currency, link.URL)}
}

func toolError(call ToolCall, msg string) ToolResult {
	return ToolResult{CallID: call.ID, Content: msg, IsError: true}
}

// historyMessages maps stored turns to model messages. Consecutive turns of
// one direction are merged and leading assistant turns are dropped, since a
// conversation must open with the user.
func historyMessages(turns []models.Turn) []Message {
	var msgs []Message
	for _, t := range turns {
		role := RoleUser
		if t.Direction == models.DirectionOutbound {
			role = RoleAssistant
		}
		if len(msgs) == 0 && role == RoleAssistant {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Text += "\n" + t.Text
			continue
		}
		msgs = append(msgs, Message{Role: role, Text: t.Text})
	}
	return msgs
}

func toolSpecs() []ToolSpec {
	return []ToolSpec{
		{
			Name:        toolLookupCatalog,
			Description: "Look up cakes and prices. Omit item to list the whole menu.",
			Properties: map[string]any{
				"item": map[string]any{"type": "string", "description": "cake name, e.g. chocolate"},
			},
		},
		{
			Name:        toolCreatePaymentLink,
			Description: "Create a payment link for the customer's chosen cake. Call only after the customer has confirmed the item.",
			Properties: map[string]any{
				"item": map[string]any{"type": "string", "description": "cake name from the menu"},
			},
			Required: []string{"item"},
		},
	}
}
