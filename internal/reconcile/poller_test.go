package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-order-pipeline/internal/identity"
	"github.com/example/ec-order-pipeline/internal/notification"
	"github.com/example/ec-order-pipeline/internal/order"
	"github.com/example/ec-order-pipeline/internal/payment"
	"github.com/example/ec-order-pipeline/internal/store/mocks"
)

type fakeSessionClient struct {
	lines []payment.LineItem
	err   error
	calls int
}

func (f *fakeSessionClient) SessionLineItems(ctx context.Context, sessionID string) ([]payment.LineItem, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.lines, nil
}

type countingSender struct {
	mu    sync.Mutex
	count int
}

func (c *countingSender) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return "<msg@test>", nil
}

type fixedResolver struct{}

func (fixedResolver) Resolve(ctx context.Context, userID string) (identity.Recipient, error) {
	return identity.Recipient{Email: "jo@example.com", Name: "Jo"}, nil
}

func newTestPoller(sessions payment.SessionClient) (*Poller, *mocks.MockOrderStore, *countingSender) {
	orderStore := mocks.NewMockOrderStore()
	creator := order.NewCreator(orderStore, nil)
	sender := &countingSender{}
	gate := notification.NewGate(orderStore, fixedResolver{}, sender, nil)
	p := NewPoller(orderStore, creator, gate, sessions)
	p.baseDelay = time.Millisecond
	return p, orderStore, sender
}

var testSnapshot = []order.CartLine{
	{ProductID: "p1", Quantity: 2, Price: 1000},
	{ProductID: "p2", Quantity: 1, Price: 2500},
}

// ============================================
// Run Tests
// ============================================

func TestPoller_Run_OrderAlreadySettled(t *testing.T) {
	p, orderStore, sender := newTestPoller(nil)
	ctx := context.Background()

	orderStore.AddOrder(&order.Order{ID: "order-1", UserID: "user-1", PaymentSessionID: "sess_1", Total: 4500})
	orderStore.SetCart("user-1", testSnapshot)

	outcome, err := p.Run(ctx, "user-1", "sess_1", nil)

	require.NoError(t, err)
	assert.Equal(t, StateComplete, outcome.State)
	assert.True(t, outcome.WasDuplicate)
	assert.Equal(t, "order-1", outcome.Order.ID)

	// The stale cart is consumed, nothing is re-created or re-notified
	cart, _ := orderStore.CartItems(ctx, "user-1")
	assert.Empty(t, cart)
	assert.Empty(t, orderStore.InsertOrderCalls)
	assert.Equal(t, 0, sender.count)
}

func TestPoller_Run_WebhookLandsDuringBackoff(t *testing.T) {
	p, orderStore, sender := newTestPoller(nil)
	ctx := context.Background()

	// Miss the initial check and the first retry; the webhook's order is
	// visible from the second retry on.
	orderStore.AddOrder(&order.Order{ID: "order-1", UserID: "user-1", PaymentSessionID: "sess_1", Total: 4500})
	orderStore.MissFinds = 2

	outcome, err := p.Run(ctx, "user-1", "sess_1", testSnapshot)

	require.NoError(t, err)
	assert.Equal(t, StateComplete, outcome.State)
	assert.True(t, outcome.WasDuplicate)
	assert.Equal(t, "order-1", outcome.Order.ID)
	assert.Empty(t, orderStore.InsertOrderCalls)
	assert.Equal(t, 0, sender.count)
	// Initial check plus one missed retry plus the hit
	assert.Len(t, orderStore.FindBySessionCalls, 3)
}

func TestPoller_Run_CreatesAfterWindowCloses(t *testing.T) {
	p, orderStore, sender := newTestPoller(nil)
	ctx := context.Background()

	outcome, err := p.Run(ctx, "user-1", "sess_1", testSnapshot)

	require.NoError(t, err)
	assert.Equal(t, StateComplete, outcome.State)
	assert.False(t, outcome.WasDuplicate)
	require.NotNil(t, outcome.Order)
	assert.Equal(t, int64(4500), outcome.Order.Total)

	// All retries exhausted before creating
	assert.Len(t, orderStore.FindBySessionCalls, 1+p.maxAttempts+1) // +1 inside Create's fast path
	assert.Equal(t, 1, sender.count)

	stored, ok := orderStore.Order(outcome.Order.ID)
	require.True(t, ok)
	assert.True(t, stored.ConfirmationEmailSent)
}

func TestPoller_Run_FallsBackToStoredCart(t *testing.T) {
	p, orderStore, _ := newTestPoller(nil)
	ctx := context.Background()

	orderStore.SetCart("user-1", testSnapshot)

	outcome, err := p.Run(ctx, "user-1", "sess_1", nil)

	require.NoError(t, err)
	assert.Equal(t, StateComplete, outcome.State)
	assert.Equal(t, int64(4500), outcome.Order.Total)
}

func TestPoller_Run_ReconstructsFromSession(t *testing.T) {
	sessions := &fakeSessionClient{lines: []payment.LineItem{
		{ProductID: "p1", Description: "Widget", Quantity: 2, UnitPrice: 1000},
		{ProductID: "", Description: "Loose Gadget", Quantity: 1, UnitPrice: 2500},
		{ProductID: "p9", Description: "Freebie", Quantity: 0, UnitPrice: 100},
	}}
	p, orderStore, sender := newTestPoller(sessions)
	ctx := context.Background()

	outcome, err := p.Run(ctx, "user-1", "sess_1", nil)

	require.NoError(t, err)
	assert.Equal(t, StateComplete, outcome.State)
	assert.Equal(t, 1, sessions.calls)
	assert.Equal(t, int64(4500), outcome.Order.Total)
	assert.Equal(t, 1, sender.count)

	// The unmatched line keeps its description as identifier; the
	// zero-quantity line is dropped.
	items, err := orderStore.OrderItems(ctx, outcome.Order.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "p1", items[0].ProductID)
	assert.Equal(t, "Loose Gadget", items[1].ProductID)
}

func TestPoller_Run_SessionClientFailure(t *testing.T) {
	sessions := &fakeSessionClient{err: errors.New("provider timeout")}
	p, _, _ := newTestPoller(sessions)

	outcome, err := p.Run(context.Background(), "user-1", "sess_1", nil)

	require.Error(t, err)
	assert.Equal(t, StateError, outcome.State)
	assert.Nil(t, outcome.Order)
}

func TestPoller_Run_CreateFailureIsSurfaced(t *testing.T) {
	p, orderStore, sender := newTestPoller(nil)

	orderStore.InsertOrderErr = errors.New("db down")

	outcome, err := p.Run(context.Background(), "user-1", "sess_1", testSnapshot)

	require.Error(t, err)
	assert.Equal(t, StateError, outcome.State)
	assert.Equal(t, 0, sender.count)
}

func TestPoller_Run_CancelledDuringBackoff(t *testing.T) {
	p, orderStore, _ := newTestPoller(nil)
	p.baseDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome, err := p.Run(ctx, "user-1", "sess_1", testSnapshot)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateWaiting, outcome.State)
	// Abandoning mid-wait creates nothing
	assert.Empty(t, orderStore.InsertOrderCalls)
}

// A racing webhook that lands between the last check and the create is
// absorbed by the duplicate-detection path.
func TestPoller_Run_LosesCreateRace(t *testing.T) {
	p, orderStore, sender := newTestPoller(nil)
	ctx := context.Background()

	winner, err := orderStore.InsertOrder(ctx, "user-1", 4500, "sess_1")
	require.NoError(t, err)
	// All poller reads miss, as if the winner landed just before the insert.
	orderStore.MissFinds = 1 + p.maxAttempts

	outcome, err := p.Run(ctx, "user-1", "sess_1", testSnapshot)

	require.NoError(t, err)
	assert.Equal(t, StateComplete, outcome.State)
	assert.True(t, outcome.WasDuplicate)
	assert.Equal(t, winner.ID, outcome.Order.ID)
	assert.Equal(t, 1, orderStore.OrderCount())
	assert.Equal(t, 0, sender.count)
}
