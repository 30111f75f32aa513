package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/agent"
	"github.com/Ananth-NQI/cakepe-backend/internal/catalog"
	"github.com/Ananth-NQI/cakepe-backend/internal/config"
	"github.com/Ananth-NQI/cakepe-backend/internal/models"
	"github.com/Ananth-NQI/cakepe-backend/internal/payments"
)

type cashfreeLink struct {
	CfLinkID     int64   `json:"cf_link_id"`
	LinkID       string  `json:"link_id"`
	LinkURL      string  `json:"link_url"`
	LinkStatus   string  `json:"link_status"`
	LinkAmount   float64 `json:"link_amount"`
	LinkCurrency string  `json:"link_currency"`
}

// fakeCashfree keeps payment links by merchant link id and answers like the
// links API: 409 for a taken id, GET by id, and cancel.
type fakeCashfree struct {
	mu     sync.Mutex
	links  map[string]*cashfreeLink
	nextID int64
}

func newFakeCashfree(t *testing.T) (*fakeCashfree, *payments.CashfreeGateway) {
	t.Helper()
	f := &fakeCashfree{links: map[string]*cashfreeLink{}, nextID: 5000}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	gw := payments.NewCashfreeGateway(config.CashfreeConfig{
		BaseURL:      srv.URL,
		APIVersion:   "2023-08-01",
		ClientID:     "cf-id",
		ClientSecret: "cf-secret",
		MaxAmount:    100000,
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
		Timeout:      time.Second,
	}, zap.NewNop())
	return f, gw
}

func (f *fakeCashfree) link(id string) cashfreeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.links[id]; ok {
		return *l
	}
	return cashfreeLink{}
}

func (f *fakeCashfree) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	write := func(status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	notFound := map[string]string{"message": "link not found", "code": "link_not_found"}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/links"), "/")
	switch {
	case r.Method == http.MethodPost && path == "":
		var body struct {
			LinkID       string `json:"link_id"`
			LinkAmount   int64  `json:"link_amount"`
			LinkCurrency string `json:"link_currency"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			write(http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		if _, taken := f.links[body.LinkID]; taken {
			write(http.StatusConflict, map[string]string{"message": "link_id already exists", "code": "link_post_failed"})
			return
		}
		f.nextID++
		l := &cashfreeLink{
			CfLinkID:     f.nextID,
			LinkID:       body.LinkID,
			LinkURL:      "https://payments.cashfree.com/links/" + body.LinkID,
			LinkStatus:   "ACTIVE",
			LinkAmount:   float64(body.LinkAmount),
			LinkCurrency: body.LinkCurrency,
		}
		f.links[body.LinkID] = l
		write(http.StatusOK, l)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/cancel"):
		l, ok := f.links[strings.TrimSuffix(path, "/cancel")]
		if !ok {
			write(http.StatusNotFound, notFound)
			return
		}
		l.LinkStatus = "CANCELLED"
		write(http.StatusOK, l)
	case r.Method == http.MethodGet:
		l, ok := f.links[path]
		if !ok {
			write(http.StatusNotFound, notFound)
			return
		}
		write(http.StatusOK, l)
	default:
		write(http.StatusMethodNotAllowed, map[string]string{"message": "unsupported"})
	}
}

func TestChangedItemAfterAbandonedLinkGetsFreshLink(t *testing.T) {
	ctx := context.Background()
	cf, gw := newFakeCashfree(t)
	h := buildHarness(t, catalog.Default(), nil, harnessOptions{gateway: gw})

	h.model.script(agent.Reply{Text: "Which flavour would you like?"})
	orderID := h.send(t, "I want to order a cake").OrderID
	require.NotEmpty(t, orderID)

	// The link is created at Cashfree but the turn runs out of rounds, so
	// the order never records it.
	h.model.script(
		agent.Reply{ToolCalls: []agent.ToolCall{tool("t1", "create_payment_link", "chocolate")}},
		agent.Reply{ToolCalls: []agent.ToolCall{tool("t2", "lookup_catalog", "chocolate")}},
		agent.Reply{ToolCalls: []agent.ToolCall{tool("t3", "lookup_catalog", "vanilla")}},
		agent.Reply{ToolCalls: []agent.ToolCall{tool("t4", "lookup_catalog", "butterscotch")}},
		agent.Reply{ToolCalls: []agent.ToolCall{tool("t5", "lookup_catalog", "")}},
	)
	res := h.send(t, "chocolate I think")
	assert.Equal(t, agent.ApologyReply, res.Reply)
	abandoned := cf.link(payments.LinkID(orderID))
	require.Equal(t, float64(500), abandoned.LinkAmount)
	o := h.order(t, orderID)
	assert.Equal(t, models.OrderStateStarted, o.State)
	assert.Empty(t, o.Reference())

	h.model.script(
		agent.Reply{ToolCalls: []agent.ToolCall{tool("t6", "create_payment_link", "butterscotch")}},
		agent.Reply{Text: "Butterscotch it is, 700 INR."},
	)
	res = h.send(t, "actually make it butterscotch")

	fresh := cf.link(payments.LinkID(orderID) + "_2")
	require.NotZero(t, fresh.CfLinkID)
	assert.Equal(t, float64(700), fresh.LinkAmount)
	assert.Equal(t, "CANCELLED", cf.link(payments.LinkID(orderID)).LinkStatus)
	assert.Contains(t, res.Reply, fresh.LinkURL)

	o = h.order(t, orderID)
	assert.Equal(t, models.OrderStateAwaitingPayment, o.State)
	assert.Equal(t, "butterscotch", o.Item)
	assert.Equal(t, int64(700), o.Amount)
	assert.Equal(t, strconv.FormatInt(fresh.CfLinkID, 10), o.Reference())

	out, err := h.svc.SettlePayment(ctx, paid(o.Reference()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)
	assert.Equal(t, models.OrderStatePaid, h.order(t, orderID).State)
}
