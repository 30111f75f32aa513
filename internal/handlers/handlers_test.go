package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/middleware"
	"github.com/Ananth-NQI/cakepe-backend/internal/models"
	"github.com/Ananth-NQI/cakepe-backend/internal/payments"
	"github.com/Ananth-NQI/cakepe-backend/internal/services"
)

type fakeDispatcher struct {
	handle func(ctx context.Context, msg services.InboundMessage) (*services.MessageResult, error)
	calls  []services.InboundMessage
}

func (f *fakeDispatcher) HandleMessage(ctx context.Context, msg services.InboundMessage) (*services.MessageResult, error) {
	f.calls = append(f.calls, msg)
	if f.handle == nil {
		return &services.MessageResult{Reply: "ok"}, nil
	}
	return f.handle(ctx, msg)
}

type fakeSettler struct {
	settle func(ctx context.Context, ev payments.Event) (services.SettlementOutcome, error)
	calls  int
}

func (f *fakeSettler) SettlePayment(ctx context.Context, ev payments.Event) (services.SettlementOutcome, error) {
	f.calls++
	return f.settle(ctx, ev)
}

type fakeGateway struct {
	verify func(payload []byte, sig payments.Signature) (payments.Event, error)
}

func (f *fakeGateway) CreateLink(context.Context, payments.LinkRequest) (payments.Link, error) {
	return payments.Link{}, errors.New("not used")
}

func (f *fakeGateway) VerifyWebhook(payload []byte, sig payments.Signature) (payments.Event, error) {
	return f.verify(payload, sig)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newApp(d *fakeDispatcher, s *fakeSettler, g *fakeGateway) *fiber.App {
	app := fiber.New()
	wa := NewWhatsAppHandler(d, zap.NewNop())
	app.Post("/api/process_message", wa.ProcessMessage)
	app.Post("/webhook/whatsapp", wa.HandleWebhook)
	app.Post("/api/webhook", middleware.ValidatePaymentSignature(g, zap.NewNop()), NewPaymentHandler(s, zap.NewNop()).HandleWebhook)
	return app
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out
}

func postJSON(t *testing.T, app *fiber.App, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestProcessMessage_Success(t *testing.T) {
	d := &fakeDispatcher{handle: func(_ context.Context, msg services.InboundMessage) (*services.MessageResult, error) {
		return &services.MessageResult{Reply: "Which flavour?", OrderID: "o1", OrderState: models.OrderStateStarted}, nil
	}}
	app := newApp(d, &fakeSettler{}, &fakeGateway{})

	resp := postJSON(t, app, "/api/process_message",
		`{"phone_number":"98765 43210","name":"Asha","message":"  I want a cake "}`, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	out := decode(t, resp)
	assert.Equal(t, "Which flavour?", out["reply"])
	assert.Equal(t, "o1", out["order_id"])
	assert.Equal(t, "started", out["order_state"])

	require.Len(t, d.calls, 1)
	assert.Equal(t, services.InboundMessage{Phone: "+919876543210", Name: "Asha", Text: "I want a cake"}, d.calls[0])
}

func TestProcessMessage_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing phone", `{"name":"Asha","message":"hi"}`},
		{"bad phone", `{"phone_number":"call me","name":"Asha","message":"hi"}`},
		{"missing name", `{"phone_number":"+919876543210","message":"hi"}`},
		{"blank message", `{"phone_number":"+919876543210","name":"Asha","message":"   "}`},
		{"message too long", `{"phone_number":"+919876543210","name":"Asha","message":"` + strings.Repeat("a", 4097) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			app := newApp(d, &fakeSettler{}, &fakeGateway{})

			resp := postJSON(t, app, "/api/process_message", tt.body, nil)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode(t, resp)["error"])
			assert.Empty(t, d.calls)
		})
	}
}

func TestProcessMessage_DispatchFailure(t *testing.T) {
	d := &fakeDispatcher{handle: func(context.Context, services.InboundMessage) (*services.MessageResult, error) {
		return nil, errors.New("store down")
	}}
	app := newApp(d, &fakeSettler{}, &fakeGateway{})

	resp := postJSON(t, app, "/api/process_message", `{"phone_number":"+919876543210","name":"Asha","message":"hi"}`, nil)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, services.MsgTemporaryFailure, decode(t, resp)["error"])
}

func TestTwilioWebhook(t *testing.T) {
	d := &fakeDispatcher{}
	app := newApp(d, &fakeSettler{}, &fakeGateway{})

	form := url.Values{"From": {"whatsapp:+919876543210"}, "Body": {"chocolate"}, "ProfileName": {"Asha"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "<Response></Response>")

	require.Len(t, d.calls, 1)
	assert.Equal(t, services.InboundMessage{Phone: "+919876543210", Name: "Asha", Text: "chocolate"}, d.calls[0])

	// Status callbacks have no body.
	form = url.Values{"From": {"whatsapp:+919876543210"}, "MessageStatus": {"delivered"}}
	req = httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, d.calls, 1)
}

func TestTwilioWebhook_RejectedMessageGetsReply(t *testing.T) {
	tests := []struct {
		name string
		form url.Values
	}{
		{"body too long", url.Values{"From": {"whatsapp:+919876543210"}, "Body": {strings.Repeat("a", 4097)}}},
		{"sender not a phone number", url.Values{"From": {"whatsapp:bakery"}, "Body": {"chocolate"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			app := newApp(d, &fakeSettler{}, &fakeGateway{})

			req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			resp, err := app.Test(req, -1)
			require.NoError(t, err)

			assert.Equal(t, fiber.StatusOK, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), "xml")
			body, _ := io.ReadAll(resp.Body)
			assert.Contains(t, string(body), "<Message>")
			assert.Contains(t, string(body), "Could you rephrase?")
			assert.Empty(t, d.calls)
		})
	}
}

func TestPaymentWebhook(t *testing.T) {
	verified := func([]byte, payments.Signature) (payments.Event, error) {
		return payments.Event{Kind: payments.EventSucceeded, Reference: "R1", Type: "PAYMENT_LINK_EVENT"}, nil
	}
	tests := []struct {
		name     string
		verify   func([]byte, payments.Signature) (payments.Event, error)
		outcome  services.SettlementOutcome
		err      error
		status   int
		settled  bool
		wantBody string
	}{
		{"processed", verified, services.OutcomeProcessed, nil, 200, true, "processed"},
		{"duplicate", verified, services.OutcomeDuplicate, nil, 200, true, "duplicate"},
		{"orphan", verified, services.OutcomeOrphan, nil, 200, true, "orphan"},
		{"late", verified, services.OutcomeLate, nil, 200, true, "late"},
		{"store failure", verified, "", errors.New("connection refused"), 500, true, ""},
		{"bad signature", func([]byte, payments.Signature) (payments.Event, error) {
			return payments.Event{}, payments.ErrInvalidSignature
		}, "", nil, 401, false, ""},
		{"malformed", func([]byte, payments.Signature) (payments.Event, error) {
			return payments.Event{}, payments.ErrMalformedPayload
		}, "", nil, 400, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSig payments.Signature
			g := &fakeGateway{verify: func(p []byte, sig payments.Signature) (payments.Event, error) {
				gotSig = sig
				return tt.verify(p, sig)
			}}
			s := &fakeSettler{settle: func(context.Context, payments.Event) (services.SettlementOutcome, error) {
				return tt.outcome, tt.err
			}}
			app := newApp(&fakeDispatcher{}, s, g)

			resp := postJSON(t, app, "/api/webhook", `{"type":"PAYMENT_LINK_EVENT"}`, map[string]string{
				"x-webhook-signature": "sig",
				"x-webhook-timestamp": "1700000000000",
			})
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, payments.Signature{Value: "sig", Timestamp: "1700000000000"}, gotSig)
			assert.Equal(t, tt.settled, s.calls == 1)

			out := decode(t, resp)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, out["status"])
				assert.Equal(t, "R1", out["reference"])
			} else {
				assert.NotEmpty(t, out["error"])
			}
		})
	}
}

func TestHealth(t *testing.T) {
	app := fiber.New()
	app.Get("/ok", NewHealthHandler("1.0.0", "In-Memory (Testing)", fakePinger{}).Check)
	app.Get("/down", NewHealthHandler("1.0.0", "PostgreSQL Database", fakePinger{err: errors.New("refused")}).Check)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "In-Memory (Testing)", decode(t, resp)["storage"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/down", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"whatsapp:+919876543210": "+919876543210",
		"+91 98765-43210":        "+919876543210",
		"9876543210":             "+919876543210",
		"919876543210":           "+919876543210",
		"0044 20 7946 0958":      "+442079460958",
		"+1 (415) 523-8886":      "+14155238886",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}
