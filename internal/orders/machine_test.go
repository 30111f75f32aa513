package orders

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ananth-NQI/cakepe-backend/internal/models"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func mustApply(t *testing.T, o models.Order, ev Event) (models.Order, []Effect) {
	t.Helper()
	next, effects, err := Apply(o, ev)
	require.NoError(t, err)
	return next, effects
}

func started(t *testing.T) models.Order {
	t.Helper()
	o, _ := mustApply(t, models.Order{}, Event{
		Kind: EventIntentDetected, At: t0, OrderID: "ord-1", CustomerID: "+919800000001", Currency: "INR",
	})
	return o
}

func awaitingPayment(t *testing.T, ref string) models.Order {
	t.Helper()
	o, _ := mustApply(t, started(t), Event{Kind: EventItemSelected, At: t0.Add(time.Minute), Item: "chocolate", Amount: 500})
	if ref != "" {
		o, _ = mustApply(t, o, Event{Kind: EventLinkCreated, At: t0.Add(2 * time.Minute), Reference: ref, URL: "https://pay.example/" + ref})
	}
	return o
}

func TestApply_HappyPath(t *testing.T) {
	o := started(t)
	assert.Equal(t, models.OrderStateStarted, o.State)
	assert.Equal(t, 1, o.Version)
	assert.Equal(t, t0, o.CreatedAt)

	o, effects := mustApply(t, o, Event{Kind: EventNegotiating, At: t0.Add(30 * time.Second)})
	assert.Equal(t, models.OrderStateAwaitingSelection, o.State)
	assert.Empty(t, effects)

	o, effects = mustApply(t, o, Event{Kind: EventItemSelected, At: t0.Add(time.Minute), Item: "chocolate", Amount: 500})
	assert.Equal(t, models.OrderStateAwaitingPayment, o.State)
	assert.Equal(t, int64(500), o.Amount)
	require.Len(t, effects, 1)
	assert.Equal(t, Effect{Kind: EffectRequestPaymentLink, OrderID: "ord-1", CustomerID: "+919800000001", Amount: 500}, effects[0])

	o, effects = mustApply(t, o, Event{Kind: EventLinkCreated, At: t0.Add(2 * time.Minute), Reference: "R1", URL: "https://pay.example/R1"})
	assert.Equal(t, "R1", o.Reference())
	assert.Equal(t, models.OrderStateAwaitingPayment, o.State)
	assert.Empty(t, effects)

	o, effects = mustApply(t, o, Event{Kind: EventPaymentSucceeded, At: t0.Add(5 * time.Minute), Reference: "R1"})
	assert.Equal(t, models.OrderStatePaid, o.State)
	assert.Equal(t, 5, o.Version)
	require.Len(t, effects, 2)
	assert.Equal(t, EffectNotifyCustomer, effects[0].Kind)
	assert.Equal(t, models.NotificationPaid, effects[0].Notice)
	assert.Equal(t, EffectReleaseSlot, effects[1].Kind)
}

func TestApply_PaymentFailed(t *testing.T) {
	o, effects := mustApply(t, awaitingPayment(t, "R1"), Event{Kind: EventPaymentFailed, At: t0.Add(time.Hour), Reference: "R1"})
	assert.Equal(t, models.OrderStateFailed, o.State)
	require.Len(t, effects, 2)
	assert.Equal(t, models.NotificationFailed, effects[0].Notice)
}

func TestApply_DuplicateSettlementIsNoop(t *testing.T) {
	paid, _ := mustApply(t, awaitingPayment(t, "R1"), Event{Kind: EventPaymentSucceeded, At: t0.Add(time.Hour), Reference: "R1"})

	for _, kind := range []EventKind{EventPaymentSucceeded, EventPaymentFailed} {
		next, effects, err := Apply(paid, Event{Kind: kind, At: t0.Add(2 * time.Hour), Reference: "R1"})
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.Empty(t, effects)
		assert.Equal(t, paid, next)
	}
}

func TestApply_LateSettlementOnExpired(t *testing.T) {
	o := awaitingPayment(t, "R1")
	expired, _ := mustApply(t, o, Event{Kind: EventTimedOut, At: o.UpdatedAt.Add(3 * time.Hour), TTL: 2 * time.Hour})

	_, effects, err := Apply(expired, Event{Kind: EventPaymentSucceeded, At: t0.Add(4 * time.Hour), Reference: "R1"})
	assert.ErrorIs(t, err, ErrLateSettlement)
	assert.Empty(t, effects)

	_, _, err = Apply(expired, Event{Kind: EventPaymentFailed, At: t0.Add(4 * time.Hour), Reference: "R1"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestApply_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		order func(t *testing.T) models.Order
		event Event
		want  error
	}{
		{"second active order", started, Event{Kind: EventIntentDetected, OrderID: "ord-2", CustomerID: "c"}, ErrActiveOrder},
		{"intent without ids", func(*testing.T) models.Order { return models.Order{} }, Event{Kind: EventIntentDetected}, ErrInvalidTransition},
		{"select with zero amount", started, Event{Kind: EventItemSelected, Item: "chocolate"}, ErrInvalidTransition},
		{"swap frozen item", func(t *testing.T) models.Order { return awaitingPayment(t, "") }, Event{Kind: EventItemSelected, Item: "vanilla", Amount: 300}, ErrAmountFrozen},
		{"reselect after link", func(t *testing.T) models.Order { return awaitingPayment(t, "R1") }, Event{Kind: EventItemSelected, Item: "chocolate", Amount: 500}, ErrDuplicate},
		{"link before selection", started, Event{Kind: EventLinkCreated, Reference: "R1"}, ErrInvalidTransition},
		{"replayed link", func(t *testing.T) models.Order { return awaitingPayment(t, "R1") }, Event{Kind: EventLinkCreated, Reference: "R1"}, ErrDuplicate},
		{"second link", func(t *testing.T) models.Order { return awaitingPayment(t, "R1") }, Event{Kind: EventLinkCreated, Reference: "R2"}, ErrInvalidTransition},
		{"payment for other reference", func(t *testing.T) models.Order { return awaitingPayment(t, "R1") }, Event{Kind: EventPaymentSucceeded, Reference: "R2"}, ErrReferenceMismatch},
		{"payment without link", func(t *testing.T) models.Order { return awaitingPayment(t, "") }, Event{Kind: EventPaymentSucceeded, Reference: "R1"}, ErrReferenceMismatch},
		{"negotiate after selection", func(t *testing.T) models.Order { return awaitingPayment(t, "") }, Event{Kind: EventNegotiating}, ErrInvalidTransition},
		{"timeout inside window", started, Event{Kind: EventTimedOut, At: t0.Add(time.Minute), TTL: time.Hour}, ErrNotStale},
		{"timeout on absent order", func(*testing.T) models.Order { return models.Order{} }, Event{Kind: EventTimedOut, At: t0, TTL: time.Hour}, ErrInvalidTransition},
		{"unknown event", started, Event{Kind: "bogus"}, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := tt.order(t)
			next, effects, err := Apply(o, tt.event)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
			assert.Empty(t, effects)
			assert.Equal(t, o, next, "failed apply must not change the order")
		})
	}
}

func TestApply_ReRequestLinkAtFrozenAmount(t *testing.T) {
	o := awaitingPayment(t, "")

	next, effects := mustApply(t, o, Event{Kind: EventItemSelected, At: t0.Add(time.Hour), Item: "chocolate", Amount: 650})
	assert.Equal(t, int64(500), next.Amount, "amount stays frozen even if the catalog price moved")
	assert.Equal(t, o.Version, next.Version)
	require.Len(t, effects, 1)
	assert.Equal(t, int64(500), effects[0].Amount)
}

func TestApply_TimeoutReleasesSlot(t *testing.T) {
	o := awaitingPayment(t, "R1")

	expired, effects := mustApply(t, o, Event{Kind: EventTimedOut, At: o.UpdatedAt.Add(2 * time.Hour), TTL: 2 * time.Hour})
	assert.Equal(t, models.OrderStateExpired, expired.State)
	require.Len(t, effects, 2)
	assert.Equal(t, models.NotificationExpired, effects[0].Notice)
	assert.Equal(t, EffectReleaseSlot, effects[1].Kind)

	// The slot is free again: a new order can be started over the expired one.
	next, _ := mustApply(t, expired, Event{Kind: EventIntentDetected, At: t0.Add(5 * time.Hour), OrderID: "ord-2", CustomerID: o.CustomerID})
	assert.Equal(t, "ord-2", next.ID)
	assert.Equal(t, 1, next.Version)
	assert.Equal(t, models.OrderStateStarted, next.State)
}

func TestApply_RecentMessageKeepsOrderAlive(t *testing.T) {
	o := started(t)
	ev := Event{Kind: EventTimedOut, At: t0.Add(3 * time.Hour), TTL: 2 * time.Hour, LastActivity: t0.Add(90 * time.Minute)}

	_, _, err := Apply(o, ev)
	assert.ErrorIs(t, err, ErrNotStale)

	ev.LastActivity = t0.Add(30 * time.Minute)
	next, _ := mustApply(t, o, ev)
	assert.Equal(t, models.OrderStateExpired, next.State)
}

func TestApply_DoesNotAliasInput(t *testing.T) {
	o := awaitingPayment(t, "R1")
	ref := o.PaymentReference

	next, _ := mustApply(t, o, Event{Kind: EventPaymentSucceeded, At: t0.Add(time.Hour), Reference: "R1"})
	*next.PaymentReference = "changed"

	assert.Equal(t, "R1", *ref)
	assert.Equal(t, models.OrderStateAwaitingPayment, o.State)
}

func TestApply_Deterministic(t *testing.T) {
	events := []Event{
		{Kind: EventNegotiating, At: t0},
		{Kind: EventItemSelected, At: t0, Item: "vanilla", Amount: 300},
		{Kind: EventLinkCreated, At: t0, Reference: "R9", URL: "u"},
		{Kind: EventPaymentSucceeded, At: t0, Reference: "R9"},
		{Kind: EventPaymentFailed, At: t0, Reference: "R9"},
		{Kind: EventTimedOut, At: t0.Add(time.Hour), TTL: time.Minute},
	}
	states := []models.Order{started(t), awaitingPayment(t, ""), awaitingPayment(t, "R9")}

	for _, o := range states {
		for _, ev := range events {
			a, ea, erra := Apply(o, ev)
			b, eb, errb := Apply(o, ev)
			assert.Equal(t, a, b)
			assert.Equal(t, ea, eb)
			assert.Equal(t, erra, errb)
		}
	}
}
