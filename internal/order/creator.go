package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

var (
	// ErrDuplicateSession is how the store reports a uniqueness violation on
	// payment_session_id. For the creator it is not a failure: it means the
	// other creation path already won the race.
	ErrDuplicateSession = errors.New("an order already exists for this payment session")

	ErrEmptyCart    = errors.New("cannot create an order from an empty cart")
	ErrInvalidTotal = errors.New("order total must be positive")
	ErrItemCreation = errors.New("failed to create order items")
)

// Store is the slice of the order store the creator needs.
type Store interface {
	FindOrderBySession(ctx context.Context, sessionID string) (*Order, bool, error)
	InsertOrder(ctx context.Context, userID string, total int64, sessionID string) (*Order, error)
	InsertOrderItems(ctx context.Context, orderID string, items []Item) error
	DeleteOrder(ctx context.Context, orderID string) error
	ClearCart(ctx context.Context, userID string) error
	RemoveFromWishlist(ctx context.Context, userID string, productIDs []string) error
}

// Publisher emits order facts to the event feed. Optional; a nil publisher
// disables publishing.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// OrderCreated is published after a new order is materialized.
type OrderCreated struct {
	OrderID          string    `json:"order_id"`
	UserID           string    `json:"user_id"`
	PaymentSessionID string    `json:"payment_session_id"`
	Total            int64     `json:"total"`
	CreatedAt        time.Time `json:"created_at"`
}

// Result is the outcome of Create. WasDuplicate is set when the order
// already existed, which callers treat as success.
type Result struct {
	Order        *Order `json:"order"`
	WasDuplicate bool   `json:"was_duplicate"`
}

// Creator materializes exactly one order per payment session. Both the
// webhook path and the reconciliation fallback go through here; the race
// between them is resolved by the store's uniqueness constraint, never by
// a lock.
type Creator struct {
	store     Store
	publisher Publisher
}

func NewCreator(store Store, publisher Publisher) *Creator {
	return &Creator{store: store, publisher: publisher}
}

// Create produces the order for the given payment session, or returns the
// pre-existing one with WasDuplicate set. The snapshot must be non-empty;
// reconstructing it from the payment provider is the caller's job.
func (c *Creator) Create(ctx context.Context, userID, sessionID string, snapshot []CartLine) (*Result, error) {
	// Fast idempotency path: always check before mutating anything.
	existing, found, err := c.store.FindOrderBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if found {
		log.Printf("[OrderCreator] Order %s already exists for session %s", existing.ID, sessionID)
		return &Result{Order: existing, WasDuplicate: true}, nil
	}

	if len(snapshot) == 0 {
		return nil, ErrEmptyCart
	}

	var total int64
	for _, line := range snapshot {
		total += line.Price * int64(line.Quantity)
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: got %d for session %s", ErrInvalidTotal, total, sessionID)
	}

	o, err := c.store.InsertOrder(ctx, userID, total, sessionID)
	if err != nil {
		if errors.Is(err, ErrDuplicateSession) {
			// Lost the race between the existence check and the insert.
			// The winner's order is the result, not an error.
			winner, found, qerr := c.store.FindOrderBySession(ctx, sessionID)
			if qerr != nil {
				return nil, qerr
			}
			if !found {
				return nil, fmt.Errorf("conflict on session %s but no order found: %w", sessionID, err)
			}
			log.Printf("[OrderCreator] Lost insert race for session %s, using order %s", sessionID, winner.ID)
			return &Result{Order: winner, WasDuplicate: true}, nil
		}
		return nil, err
	}

	items := make([]Item, len(snapshot))
	for i, line := range snapshot {
		items[i] = Item{
			OrderID:   o.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Price:     line.Price,
		}
	}
	if err := c.store.InsertOrderItems(ctx, o.ID, items); err != nil {
		// An order must never exist with zero items. Free the session's
		// uniqueness slot so a future attempt can succeed.
		if derr := c.store.DeleteOrder(ctx, o.ID); derr != nil {
			log.Printf("[OrderCreator] Failed to roll back order %s: %v", o.ID, derr)
		}
		return nil, fmt.Errorf("%w: %v", ErrItemCreation, err)
	}

	// Best effort from here on: the order is the durable artifact.
	if err := c.store.ClearCart(ctx, userID); err != nil {
		log.Printf("[OrderCreator] Failed to clear cart for user %s: %v", userID, err)
	}
	productIDs := make([]string, len(items))
	for i, item := range items {
		productIDs[i] = item.ProductID
	}
	if err := c.store.RemoveFromWishlist(ctx, userID, productIDs); err != nil {
		log.Printf("[OrderCreator] Failed to remove wishlist items for user %s: %v", userID, err)
	}

	c.publish(ctx, o)

	log.Printf("[OrderCreator] Created order %s for session %s (total %d)", o.ID, sessionID, total)
	return &Result{Order: o, WasDuplicate: false}, nil
}

func (c *Creator) publish(ctx context.Context, o *Order) {
	if c.publisher == nil {
		return
	}
	event := OrderCreated{
		OrderID:          o.ID,
		UserID:           o.UserID,
		PaymentSessionID: o.PaymentSessionID,
		Total:            o.Total,
		CreatedAt:        o.CreatedAt,
	}
	if err := c.publisher.Publish(ctx, o.ID, event); err != nil {
		log.Printf("[OrderCreator] Failed to publish order.created for %s: %v", o.ID, err)
	}
}
