package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/ec-order-pipeline/internal/email"
	"github.com/example/ec-order-pipeline/internal/identity"
	"github.com/example/ec-order-pipeline/internal/order"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrNotOwner      = errors.New("order does not belong to this user")
	ErrNoItems       = errors.New("order has no items")
	ErrNoRecipient   = errors.New("no recipient email could be resolved")
	ErrWrongStatus   = errors.New("order status does not allow this notification")
)

// Store is the slice of the order store the gate needs.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*order.Order, bool, error)
	OrderItems(ctx context.Context, orderID string) ([]order.Item, error)
	MarkEmailSent(ctx context.Context, orderID string, kind order.EmailKind) (bool, error)
}

// ConfirmationSent is published after a notification email goes out.
type ConfirmationSent struct {
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Kind      order.EmailKind `json:"kind"`
	MessageID string          `json:"message_id"`
	SentAt    time.Time       `json:"sent_at"`
}

// Result reports what a send attempt did. AlreadySent means the flag was
// already set and nothing was dispatched.
type Result struct {
	Sent        bool `json:"sent"`
	AlreadySent bool `json:"was_already_sent"`
}

// Gate dispatches order emails at most once per (order, kind). The sent
// flag is flipped by an atomic conditional update, and only after the
// provider reports success, so a failed send stays retryable.
type Gate struct {
	store     Store
	resolver  identity.Resolver
	sender    email.Sender
	publisher order.Publisher
}

func NewGate(store Store, resolver identity.Resolver, sender email.Sender, publisher order.Publisher) *Gate {
	return &Gate{store: store, resolver: resolver, sender: sender, publisher: publisher}
}

// SendConfirmation sends the order confirmation email if it has not been
// sent yet.
func (g *Gate) SendConfirmation(ctx context.Context, orderID, userID string) (*Result, error) {
	return g.send(ctx, orderID, userID, order.EmailConfirmation)
}

// SendShipped sends the shipping notice. The order must be in shipped
// status; anything else is a hard error with zero dispatches.
func (g *Gate) SendShipped(ctx context.Context, orderID, userID string) (*Result, error) {
	return g.send(ctx, orderID, userID, order.EmailShipped)
}

// SendDelivered sends the delivery notice. The order must be delivered.
func (g *Gate) SendDelivered(ctx context.Context, orderID, userID string) (*Result, error) {
	return g.send(ctx, orderID, userID, order.EmailDelivered)
}

func (g *Gate) send(ctx context.Context, orderID, userID string, kind order.EmailKind) (*Result, error) {
	o, found, err := g.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrOrderNotFound
	}
	if o.UserID != userID {
		return nil, ErrNotOwner
	}

	if err := checkStatus(o, kind); err != nil {
		return nil, err
	}

	if o.EmailSent(kind) {
		return &Result{AlreadySent: true}, nil
	}

	subject, body, err := g.compose(ctx, o, kind)
	if err != nil {
		return nil, err
	}

	recipient, err := g.resolver.Resolve(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNoEmail) {
			return nil, fmt.Errorf("%w: user %s", ErrNoRecipient, userID)
		}
		return nil, err
	}

	messageID, err := g.sender.Send(ctx, recipient.Email, subject, body)
	if err != nil {
		// Not marked sent: the flag staying false is what makes a failed
		// send retryable by the next call.
		log.Printf("[Notifier] Failed to send %s email for order %s: %v", kind, orderID, err)
		return &Result{Sent: false}, err
	}

	changed, err := g.store.MarkEmailSent(ctx, orderID, kind)
	if err != nil {
		log.Printf("[Notifier] Sent %s email for order %s but failed to mark flag: %v", kind, orderID, err)
		return &Result{Sent: true}, err
	}
	if !changed {
		log.Printf("[Notifier] %s email for order %s was marked sent by a concurrent caller", kind, orderID)
	}

	g.publish(ctx, o, kind, messageID)

	log.Printf("[Notifier] %s email sent to %s for order %s", kind, recipient.Email, orderID)
	return &Result{Sent: true}, nil
}

// checkStatus enforces the status precondition for status-driven mails.
func checkStatus(o *order.Order, kind order.EmailKind) error {
	switch kind {
	case order.EmailShipped:
		if o.Status != order.StatusShipped {
			return fmt.Errorf("%w: order %s is %s, not shipped", ErrWrongStatus, o.ID, o.Status)
		}
	case order.EmailDelivered:
		if o.Status != order.StatusDelivered {
			return fmt.Errorf("%w: order %s is %s, not delivered", ErrWrongStatus, o.ID, o.Status)
		}
	}
	return nil
}

func (g *Gate) compose(ctx context.Context, o *order.Order, kind order.EmailKind) (subject, body string, err error) {
	switch kind {
	case order.EmailConfirmation:
		items, err := g.store.OrderItems(ctx, o.ID)
		if err != nil {
			return "", "", err
		}
		if len(items) == 0 {
			// An order must never reach send time with zero items; better a
			// hard error than an empty email.
			return "", "", fmt.Errorf("%w: order %s", ErrNoItems, o.ID)
		}
		lines := make([]email.LineItem, len(items))
		for i, item := range items {
			lines[i] = email.LineItem{
				ProductID: item.ProductID,
				Name:      item.Name,
				Quantity:  item.Quantity,
				Price:     item.Price,
			}
		}
		return email.ConfirmationSubject(o.ID), email.BuildConfirmationBody(o.ID, o.Total, lines), nil
	case order.EmailShipped:
		return email.ShippedSubject(o.ID), email.BuildShippedBody(o.ID, o.TrackingNumber), nil
	case order.EmailDelivered:
		return email.DeliveredSubject(o.ID), email.BuildDeliveredBody(o.ID), nil
	}
	return "", "", fmt.Errorf("unknown email kind %q", kind)
}

func (g *Gate) publish(ctx context.Context, o *order.Order, kind order.EmailKind, messageID string) {
	if g.publisher == nil {
		return
	}
	event := ConfirmationSent{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Kind:      kind,
		MessageID: messageID,
		SentAt:    time.Now().UTC(),
	}
	if err := g.publisher.Publish(ctx, o.ID, event); err != nil {
		log.Printf("[Notifier] Failed to publish email fact for order %s: %v", o.ID, err)
	}
}
