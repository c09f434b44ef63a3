package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload means the event body could not be decoded. Terminal:
// redelivering the same bytes can never succeed, so callers must reject
// rather than ask the provider to retry.
var ErrMalformedPayload = errors.New("malformed event payload")

// EventCheckoutCompleted is the only event type that triggers order
// finalization. Everything else is acknowledged and ignored.
const EventCheckoutCompleted = "checkout.session.completed"

// Event is the provider's webhook payload after signature verification.
type Event struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	SessionID     string     `json:"session_id"`
	UserID        string     `json:"user_id"` // from session metadata
	CustomerEmail string     `json:"customer_email,omitempty"`
	CustomerName  string     `json:"customer_name,omitempty"`
	LineItems     []LineItem `json:"line_items,omitempty"`
	CreatedAt     time.Time  `json:"created_at,omitempty"`
}

// LineItem is one purchased line as the provider recorded it. ProductID
// comes from per-item metadata and may be empty when the session was built
// without it; UnitPrice is the provider's own captured price.
type LineItem struct {
	ProductID   string `json:"product_id,omitempty"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// ParseEvent decodes a verified webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &e, nil
}
