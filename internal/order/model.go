package order

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// EmailKind selects which notification flag an order carries.
type EmailKind string

const (
	EmailConfirmation EmailKind = "confirmation"
	EmailShipped      EmailKind = "shipped"
	EmailDelivered    EmailKind = "delivered"
)

var (
	ErrInvalidStatus  = errors.New("invalid order status transition")
	ErrOrderDelivered = errors.New("order is already delivered")
	ErrOrderCancelled = errors.New("order is already cancelled")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusCancelled},
	StatusDelivered:  {}, // terminal state
	StatusCancelled:  {}, // terminal state
}

// CanTransitionTo checks if an order in status s may move to the target status
func (s Status) CanTransitionTo(target Status) bool {
	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// TransitionError returns an appropriate error for an invalid transition
func (s Status) TransitionError(target Status) error {
	switch s {
	case StatusCancelled:
		return ErrOrderCancelled
	case StatusDelivered:
		return ErrOrderDelivered
	default:
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, s, target)
	}
}

// Order is one finalized purchase. Amounts are in minor units.
type Order struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	PaymentSessionID      string     `json:"payment_session_id"`
	Total                 int64      `json:"total"`
	Status                Status     `json:"status"`
	TrackingNumber        string     `json:"tracking_number,omitempty"`
	ConfirmationEmailSent bool       `json:"confirmation_email_sent"`
	ShippedEmailSent      bool       `json:"shipped_email_sent"`
	DeliveredEmailSent    bool       `json:"delivered_email_sent"`
	CreatedAt             time.Time  `json:"created_at"`
	ShippedAt             *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt           *time.Time `json:"delivered_at,omitempty"`
}

// EmailSent reports whether the flag for the given mail kind is set.
func (o *Order) EmailSent(kind EmailKind) bool {
	switch kind {
	case EmailConfirmation:
		return o.ConfirmationEmailSent
	case EmailShipped:
		return o.ShippedEmailSent
	case EmailDelivered:
		return o.DeliveredEmailSent
	}
	return false
}

// Item is a line item. Price is the unit price captured at order time,
// deliberately decoupled from the live product price.
type Item struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"`
}

// CartLine is one pending cart selection, either read from the cart table
// or reconstructed from the payment session.
type CartLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"`
}
