package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/ec-order-pipeline/internal/notification"
	"github.com/example/ec-order-pipeline/internal/order"
	"github.com/example/ec-order-pipeline/internal/payment"
)

// ErrMissingUser means the event carried no user id in its metadata, so
// there is nothing to create an order against. Terminal for the event.
var ErrMissingUser = errors.New("event has no user id")

// ErrMissingSession means the event carried no payment session id.
var ErrMissingSession = errors.New("event has no session id")

// CartReader is the slice of the order store the ingress needs.
type CartReader interface {
	CartItems(ctx context.Context, userID string) ([]order.CartLine, error)
}

// Ack is the outcome reported back to the provider. Any Ack means the
// event must not be redelivered.
type Ack struct {
	OrderID      string `json:"order_id,omitempty"`
	WasDuplicate bool   `json:"was_duplicate,omitempty"`
	NoOp         bool   `json:"no_op,omitempty"`
}

// Ingress processes one signed payment event. It is the primary creation
// path; the reconciliation poller is the fallback when delivery is delayed
// or dropped. Both converge on the same creator, so redelivery and races
// resolve to the one existing order.
type Ingress struct {
	secret    string
	tolerance time.Duration
	carts     CartReader
	creator   *order.Creator
	gate      *notification.Gate
}

func NewIngress(secret string, carts CartReader, creator *order.Creator, gate *notification.Gate) *Ingress {
	return &Ingress{
		secret:    secret,
		tolerance: payment.DefaultTolerance,
		carts:     carts,
		creator:   creator,
		gate:      gate,
	}
}

// Handle verifies and processes a raw webhook delivery. A returned error
// means the provider should retry (or, for signature and payload errors,
// reject); a returned Ack means the event is settled.
func (i *Ingress) Handle(ctx context.Context, body []byte, sigHeader string) (*Ack, error) {
	if err := payment.VerifySignature(body, sigHeader, i.secret, i.tolerance); err != nil {
		log.Printf("[Webhook] Rejected event: %v", err)
		return nil, err
	}

	event, err := payment.ParseEvent(body)
	if err != nil {
		return nil, err
	}

	if event.Type != payment.EventCheckoutCompleted {
		log.Printf("[Webhook] Ignoring event type %s", event.Type)
		return &Ack{NoOp: true}, nil
	}
	if event.SessionID == "" {
		return nil, ErrMissingSession
	}
	if event.UserID == "" {
		return nil, ErrMissingUser
	}

	snapshot, err := i.carts.CartItems(ctx, event.UserID)
	if err != nil {
		return nil, fmt.Errorf("reading cart for user %s: %w", event.UserID, err)
	}

	result, err := i.creator.Create(ctx, event.UserID, event.SessionID, snapshot)
	if err != nil {
		if errors.Is(err, order.ErrEmptyCart) {
			// Cart already consumed by a prior delivery of this event or by
			// the fallback path, and no order either way. Nothing to do.
			log.Printf("[Webhook] Empty cart and no order for session %s, accepting as no-op", event.SessionID)
			return &Ack{NoOp: true}, nil
		}
		return nil, err
	}

	if !result.WasDuplicate {
		// The order is the durable artifact; the email is best-effort and
		// independently retryable, so its failure never fails the ack.
		if _, err := i.gate.SendConfirmation(ctx, result.Order.ID, event.UserID); err != nil {
			log.Printf("[Webhook] Confirmation email failed for order %s: %v", result.Order.ID, err)
		}
	}

	log.Printf("[Webhook] Settled session %s (order %s, duplicate=%v)",
		event.SessionID, result.Order.ID, result.WasDuplicate)
	return &Ack{OrderID: result.Order.ID, WasDuplicate: result.WasDuplicate}, nil
}
