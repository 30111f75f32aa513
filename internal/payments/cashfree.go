package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/config"
)

// CashfreeGateway talks to the Cashfree Payment Links API.
type CashfreeGateway struct {
	cfg    config.CashfreeConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewCashfreeGateway creates a gateway client from config.
func NewCashfreeGateway(cfg config.CashfreeConfig, logger *zap.Logger) *CashfreeGateway {
	return &CashfreeGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("cashfree"),
		now:    time.Now,
	}
}

type createLinkRequest struct {
	LinkID          string            `json:"link_id"`
	LinkAmount      int64             `json:"link_amount"`
	LinkCurrency    string            `json:"link_currency"`
	LinkPurpose     string            `json:"link_purpose"`
	CustomerDetails customerDetails   `json:"customer_details"`
	LinkNotify      linkNotify        `json:"link_notify"`
	LinkNotes       map[string]string `json:"link_notes,omitempty"`
}

type customerDetails struct {
	CustomerPhone string `json:"customer_phone"`
	CustomerName  string `json:"customer_name,omitempty"`
}

type linkNotify struct {
	SendSMS   bool `json:"send_sms"`
	SendEmail bool `json:"send_email"`
}

type linkResponse struct {
	CfLinkID     flexString `json:"cf_link_id"`
	LinkID       string     `json:"link_id"`
	LinkURL      string     `json:"link_url"`
	LinkStatus   string     `json:"link_status"`
	LinkAmount   float64    `json:"link_amount"`
	LinkCurrency string     `json:"link_currency"`
}

// charges reports whether the link bills exactly the requested amount.
func (l linkResponse) charges(req LinkRequest) bool {
	return l.LinkAmount == float64(req.Amount) && strings.EqualFold(l.LinkCurrency, req.Currency)
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
}

// maxLinkIDs bounds how many link ids one order may use. A new id is only
// needed when an earlier link was created for a different amount.
const maxLinkIDs = 5

// LinkID derives Cashfree's merchant link id from an order id. It is
// stable so a retried create hits 409 instead of minting a second link.
func LinkID(orderID string) string {
	return "lnk_" + strings.ReplaceAll(orderID, "-", "")
}

func linkIDFor(orderID string, n int) string {
	if n <= 1 {
		return LinkID(orderID)
	}
	return fmt.Sprintf("%s_%d", LinkID(orderID), n)
}

// CreateLink creates a payment link, retrying transient failures with
// exponential backoff.
func (g *CashfreeGateway) CreateLink(ctx context.Context, req LinkRequest) (Link, error) {
	if req.Amount <= 0 || req.Amount > g.cfg.MaxAmount {
		return Link{}, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		link, err := g.createOnce(ctx, req)
		if err == nil {
			return link, nil
		}
		lastErr = err
		if !errors.Is(err, ErrGatewayUnavailable) || attempt == g.cfg.MaxAttempts {
			break
		}

		wait := g.cfg.RetryBackoff << (attempt - 1)
		g.logger.Warn("Payment link attempt failed, retrying",
			zap.String("order_id", req.OrderID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Link{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
	return Link{}, lastErr
}

// createOnce walks the order's link ids. A 409 means the id is taken: the
// existing link is reused when it is active and bills the same amount,
// cancelled when it is active for another amount, and skipped otherwise.
func (g *CashfreeGateway) createOnce(ctx context.Context, req LinkRequest) (Link, error) {
	for n := 1; n <= maxLinkIDs; n++ {
		linkID := linkIDFor(req.OrderID, n)
		body, err := json.Marshal(createLinkRequest{
			LinkID:       linkID,
			LinkAmount:   req.Amount,
			LinkCurrency: req.Currency,
			LinkPurpose:  req.Purpose,
			CustomerDetails: customerDetails{
				CustomerPhone: cashfreePhone(req.CustomerPhone),
				CustomerName:  req.CustomerName,
			},
			LinkNotes: map[string]string{"order_id": req.OrderID},
		})
		if err != nil {
			return Link{}, fmt.Errorf("failed to encode link request: %w", err)
		}

		resp, err := g.do(ctx, http.MethodPost, "/links", body)
		if err != nil {
			return Link{}, err
		}
		if resp.status != http.StatusConflict {
			lr, err := decodeLink(resp)
			if err != nil {
				return Link{}, err
			}
			return lr.link(), nil
		}

		resp, err = g.do(ctx, http.MethodGet, "/links/"+linkID, nil)
		if err != nil {
			return Link{}, err
		}
		existing, err := decodeLink(resp)
		if err != nil {
			return Link{}, err
		}

		switch {
		case existing.LinkStatus == "ACTIVE" && existing.charges(req):
			// An earlier attempt created the link but its response was lost.
			g.logger.Info("Payment link already exists, reusing it", zap.String("link_id", linkID))
			return existing.link(), nil
		case existing.LinkStatus == "ACTIVE":
			g.logger.Warn("Cancelling payment link created for another amount",
				zap.String("order_id", req.OrderID),
				zap.String("link_id", linkID),
				zap.Float64("link_amount", existing.LinkAmount),
				zap.Int64("amount", req.Amount))
			if err := g.cancel(ctx, linkID); err != nil {
				return Link{}, err
			}
		case existing.LinkStatus == "PAID":
			g.logger.Error("Stale payment link was paid, needs manual refund or fulfilment",
				zap.String("order_id", req.OrderID),
				zap.String("link_id", linkID),
				zap.String("reference", string(existing.CfLinkID)))
		}
	}
	return Link{}, fmt.Errorf("%w: order %s used all %d link ids", ErrGatewayRejected, req.OrderID, maxLinkIDs)
}

func (g *CashfreeGateway) cancel(ctx context.Context, linkID string) error {
	resp, err := g.do(ctx, http.MethodPost, "/links/"+linkID+"/cancel", nil)
	if err != nil {
		return err
	}
	if err := resp.check(); err != nil {
		if errors.Is(err, ErrGatewayRejected) {
			// Already paid or expired, nothing left to cancel.
			g.logger.Warn("Payment link could not be cancelled", zap.String("link_id", linkID), zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

func decodeLink(resp apiResponse) (linkResponse, error) {
	if err := resp.check(); err != nil {
		return linkResponse{}, err
	}
	var lr linkResponse
	if err := json.Unmarshal(resp.body, &lr); err != nil {
		return linkResponse{}, fmt.Errorf("%w: undecodable response: %v", ErrGatewayUnavailable, err)
	}
	if lr.CfLinkID == "" || lr.LinkURL == "" {
		return linkResponse{}, fmt.Errorf("%w: response without link id or url", ErrGatewayUnavailable)
	}
	return lr, nil
}

func (l linkResponse) link() Link {
	return Link{URL: l.LinkURL, Reference: string(l.CfLinkID)}
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) check() error {
	switch {
	case r.status >= 200 && r.status < 300:
		return nil
	case r.status == http.StatusTooManyRequests || r.status >= 500:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, r.status)
	}
	var er errorResponse
	_ = json.Unmarshal(r.body, &er)
	return fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, r.status, er.Message)
}

func (g *CashfreeGateway) do(ctx context.Context, method, path string, body []byte) (apiResponse, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.cfg.BaseURL, "/")+path, rdr)
	if err != nil {
		return apiResponse{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-client-id", g.cfg.ClientID)
	req.Header.Set("x-client-secret", g.cfg.ClientSecret)
	req.Header.Set("x-api-version", g.cfg.APIVersion)

	resp, err := g.client.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiResponse{}, fmt.Errorf("%w: reading response: %v", ErrGatewayUnavailable, err)
	}
	return apiResponse{status: resp.StatusCode, body: data}, nil
}

// Sign computes the webhook signature Cashfree sends for a payload.
func (g *CashfreeGateway) Sign(timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(g.cfg.ClientSecret))
	mac.Write([]byte(timestamp))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type webhookPayload struct {
	Type      string      `json:"type"`
	EventTime string      `json:"event_time"`
	Data      webhookData `json:"data"`
}

type webhookData struct {
	CfLinkID   flexString `json:"cf_link_id"`
	LinkID     string     `json:"link_id"`
	LinkStatus string     `json:"link_status"`
	Order      struct {
		OrderID   string                `json:"order_id"`
		OrderTags map[string]flexString `json:"order_tags"`
	} `json:"order"`
	Payment struct {
		PaymentStatus string `json:"payment_status"`
	} `json:"payment"`
}

// VerifyWebhook authenticates a webhook and maps it to an Event.
func (g *CashfreeGateway) VerifyWebhook(payload []byte, sig Signature) (Event, error) {
	if sig.Value == "" || sig.Timestamp == "" {
		return Event{}, fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}
	expected := g.Sign(sig.Timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(sig.Value)) {
		return Event{}, ErrInvalidSignature
	}
	if g.cfg.WebhookTolerance > 0 {
		ms, err := strconv.ParseInt(sig.Timestamp, 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidSignature, sig.Timestamp)
		}
		skew := g.now().Sub(time.UnixMilli(ms))
		if skew > g.cfg.WebhookTolerance || skew < -g.cfg.WebhookTolerance {
			return Event{}, fmt.Errorf("%w: timestamp outside tolerance (%s)", ErrInvalidSignature, skew)
		}
	}

	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	return mapEvent(p)
}

func mapEvent(p webhookPayload) (Event, error) {
	ev := Event{Kind: EventIgnored, Type: p.Type}

	switch p.Type {
	case "PAYMENT_LINK_EVENT":
		ev.Status = p.Data.LinkStatus
		ev.Reference = string(p.Data.CfLinkID)
		switch p.Data.LinkStatus {
		case "PAID":
			ev.Kind = EventSucceeded
		case "EXPIRED", "CANCELLED":
			ev.Kind = EventFailed
		}
	case "PAYMENT_SUCCESS_WEBHOOK":
		ev.Status = p.Data.Payment.PaymentStatus
		ev.Reference = string(p.Data.Order.OrderTags["cf_link_id"])
		ev.Kind = EventSucceeded
	default:
		// PAYMENT_FAILED_WEBHOOK and friends: the customer can retry on the
		// same link, so a failed attempt does not settle the order.
		ev.Status = p.Data.Payment.PaymentStatus
		ev.Reference = string(p.Data.Order.OrderTags["cf_link_id"])
	}

	if ev.Kind != EventIgnored && ev.Reference == "" {
		return Event{}, fmt.Errorf("%w: %s without link reference", ErrMalformedPayload, p.Type)
	}
	return ev, nil
}

// flexString decodes a JSON string or number; Cashfree sends cf_link_id
// as either depending on the API version.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// cashfreePhone reduces an E.164 number to the digits Cashfree accepts.
// Indian numbers drop the country code.
func cashfreePhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) == 12 && strings.HasPrefix(digits, "91") {
		return digits[2:]
	}
	return digits
}
