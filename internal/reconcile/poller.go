package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/example/ec-order-pipeline/internal/notification"
	"github.com/example/ec-order-pipeline/internal/order"
	"github.com/example/ec-order-pipeline/internal/payment"
)

// State names the poller's position in its run. Error is reachable from
// any state.
type State string

const (
	StateChecking  State = "checking"
	StateWaiting   State = "waiting"
	StateCreating  State = "creating"
	StateNotifying State = "notifying"
	StateComplete  State = "complete"
	StateError     State = "error"
)

// Store is the slice of the order store the poller needs.
type Store interface {
	FindOrderBySession(ctx context.Context, sessionID string) (*order.Order, bool, error)
	CartItems(ctx context.Context, userID string) ([]order.CartLine, error)
	ClearCart(ctx context.Context, userID string) error
}

// Outcome is what one reconciliation run produced.
type Outcome struct {
	State        State        `json:"state"`
	Order        *order.Order `json:"order,omitempty"`
	WasDuplicate bool         `json:"was_duplicate"`
}

// Poller is the client-driven fallback path. After a checkout redirect it
// waits, with exponential backoff, for the webhook to materialize the
// order; only when the window closes does it create the order itself.
//
// Every wait iteration is a plain read, so abandoning the run mid-backoff
// (user navigates away, request context cancelled) leaves no partial
// state; even the final create is safe to abandon because the next run or
// the webhook will hit the duplicate-detection path.
type Poller struct {
	store    Store
	creator  *order.Creator
	gate     *notification.Gate
	sessions payment.SessionClient

	maxAttempts int
	baseDelay   time.Duration
}

func NewPoller(store Store, creator *order.Creator, gate *notification.Gate, sessions payment.SessionClient) *Poller {
	return &Poller{
		store:       store,
		creator:     creator,
		gate:        gate,
		sessions:    sessions,
		maxAttempts: 5,
		baseDelay:   time.Second,
	}
}

// Run reconciles one checkout landing. snapshot is the client's view of
// the cart and may be empty; the poller falls back to the stored cart and
// then to the payment session's own line items.
func (p *Poller) Run(ctx context.Context, userID, sessionID string, snapshot []order.CartLine) (*Outcome, error) {
	existing, found, err := p.store.FindOrderBySession(ctx, sessionID)
	if err != nil {
		return &Outcome{State: StateError}, err
	}
	if found {
		p.clearCart(ctx, userID)
		log.Printf("[Reconciler] Session %s already settled by order %s", sessionID, existing.ID)
		return &Outcome{State: StateComplete, Order: existing, WasDuplicate: true}, nil
	}

	// Give the asynchronous webhook a window to land first: 1s, 2s, 4s,
	// 8s, 16s between re-checks.
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		delay := p.baseDelay << attempt
		log.Printf("[Reconciler] Session %s not settled, waiting %s (attempt %d/%d)",
			sessionID, delay, attempt+1, p.maxAttempts)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Outcome{State: StateWaiting}, ctx.Err()
		case <-timer.C:
		}

		existing, found, err = p.store.FindOrderBySession(ctx, sessionID)
		if err != nil {
			return &Outcome{State: StateError}, err
		}
		if found {
			p.clearCart(ctx, userID)
			log.Printf("[Reconciler] Webhook settled session %s during backoff (order %s)", sessionID, existing.ID)
			return &Outcome{State: StateComplete, Order: existing, WasDuplicate: true}, nil
		}
	}

	// The webhook has not visibly succeeded; create the order ourselves.
	snapshot, err = p.resolveSnapshot(ctx, userID, sessionID, snapshot)
	if err != nil {
		return &Outcome{State: StateError}, err
	}

	result, err := p.creator.Create(ctx, userID, sessionID, snapshot)
	if err != nil {
		// Hard stop, surfaced to the user; never retried silently.
		return &Outcome{State: StateError}, err
	}
	if result.WasDuplicate {
		return &Outcome{State: StateComplete, Order: result.Order, WasDuplicate: true}, nil
	}

	// Email failure does not invalidate an already-created order.
	if _, err := p.gate.SendConfirmation(ctx, result.Order.ID, userID); err != nil {
		log.Printf("[Reconciler] Confirmation email failed for order %s: %v", result.Order.ID, err)
	}

	log.Printf("[Reconciler] Created order %s for session %s via fallback path", result.Order.ID, sessionID)
	return &Outcome{State: StateComplete, Order: result.Order, WasDuplicate: false}, nil
}

// resolveSnapshot picks the first non-empty cart source: the client's
// snapshot, the stored cart, then the payment session's own line items.
func (p *Poller) resolveSnapshot(ctx context.Context, userID, sessionID string, snapshot []order.CartLine) ([]order.CartLine, error) {
	if len(snapshot) > 0 {
		return snapshot, nil
	}

	stored, err := p.store.CartItems(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		return stored, nil
	}

	if p.sessions == nil {
		return nil, nil
	}
	lines, err := p.sessions.SessionLineItems(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reconstructing cart from session %s: %w", sessionID, err)
	}

	rebuilt := make([]order.CartLine, 0, len(lines))
	for _, line := range lines {
		productID := line.ProductID
		if productID == "" {
			// No catalog match in the item metadata; keep the provider's
			// description as the identifier rather than failing the order.
			productID = line.Description
		}
		if productID == "" || line.Quantity <= 0 {
			continue
		}
		rebuilt = append(rebuilt, order.CartLine{
			ProductID: productID,
			Quantity:  line.Quantity,
			Price:     line.UnitPrice,
		})
	}
	if len(rebuilt) > 0 {
		log.Printf("[Reconciler] Reconstructed %d cart lines from session %s", len(rebuilt), sessionID)
	}
	return rebuilt, nil
}

func (p *Poller) clearCart(ctx context.Context, userID string) {
	if err := p.store.ClearCart(ctx, userID); err != nil {
		log.Printf("[Reconciler] Failed to clear cart for user %s: %v", userID, err)
	}
}
