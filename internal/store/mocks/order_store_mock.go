package mocks

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ec-order-pipeline/internal/order"
)

// MockOrderStore is an in-memory order store for testing. Uniqueness on the
// payment session id and the conditional email-sent flip are both enforced
// under the same mutex, so racing callers observe the same semantics the
// Postgres constraints provide.
type MockOrderStore struct {
	mu           sync.Mutex
	orders       map[string]*order.Order // order id -> order
	bySession    map[string]string       // session id -> order id
	items        map[string][]order.Item // order id -> items
	carts        map[string][]order.CartLine
	wishlists    map[string][]string
	productNames map[string]string

	// MissFinds makes the next n FindOrderBySession calls report not
	// found, to force callers past the fast idempotency check.
	MissFinds int

	// Injectable failures
	FindErr        error
	InsertOrderErr error
	InsertItemsErr error
	DeleteOrderErr error
	ClearCartErr   error
	WishlistErr    error
	MarkEmailErr   error

	// Recorded calls
	InsertOrderCalls   []InsertOrderCall
	DeleteOrderCalls   []string
	ClearCartCalls     []string
	WishlistCalls      []WishlistCall
	MarkEmailSentCalls []MarkEmailSentCall
	FindBySessionCalls []string
}

type InsertOrderCall struct {
	UserID    string
	Total     int64
	SessionID string
}

type WishlistCall struct {
	UserID     string
	ProductIDs []string
}

type MarkEmailSentCall struct {
	OrderID string
	Kind    order.EmailKind
}

func NewMockOrderStore() *MockOrderStore {
	return &MockOrderStore{
		orders:       make(map[string]*order.Order),
		bySession:    make(map[string]string),
		items:        make(map[string][]order.Item),
		carts:        make(map[string][]order.CartLine),
		wishlists:    make(map[string][]string),
		productNames: make(map[string]string),
	}
}

// AddOrder seeds an existing order.
func (m *MockOrderStore) AddOrder(o *order.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	if o.PaymentSessionID != "" {
		m.bySession[o.PaymentSessionID] = o.ID
	}
}

// SetOrderItems seeds line items for an order.
func (m *MockOrderStore) SetOrderItems(orderID string, items []order.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[orderID] = append([]order.Item(nil), items...)
}

// SetCart seeds a user's cart.
func (m *MockOrderStore) SetCart(userID string, lines []order.CartLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[userID] = append([]order.CartLine(nil), lines...)
}

// SetWishlist seeds a user's wishlist.
func (m *MockOrderStore) SetWishlist(userID string, productIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wishlists[userID] = append([]string(nil), productIDs...)
}

// SetProductName seeds the catalog name used by OrderItems.
func (m *MockOrderStore) SetProductName(productID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.productNames[productID] = name
}

// Order returns a copy of a stored order, for assertions.
func (m *MockOrderStore) Order(orderID string) (order.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return order.Order{}, false
	}
	return *o, true
}

// OrderCount returns the number of stored orders.
func (m *MockOrderStore) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *MockOrderStore) FindOrderBySession(ctx context.Context, sessionID string) (*order.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FindBySessionCalls = append(m.FindBySessionCalls, sessionID)
	if m.FindErr != nil {
		return nil, false, m.FindErr
	}
	if m.MissFinds > 0 {
		m.MissFinds--
		return nil, false, nil
	}
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, false, nil
	}
	cp := *m.orders[id]
	return &cp, true, nil
}

func (m *MockOrderStore) GetOrder(ctx context.Context, orderID string) (*order.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FindErr != nil {
		return nil, false, m.FindErr
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, false, nil
	}
	cp := *o
	return &cp, true, nil
}

func (m *MockOrderStore) InsertOrder(ctx context.Context, userID string, total int64, sessionID string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertOrderCalls = append(m.InsertOrderCalls, InsertOrderCall{UserID: userID, Total: total, SessionID: sessionID})
	if m.InsertOrderErr != nil {
		return nil, m.InsertOrderErr
	}
	if _, exists := m.bySession[sessionID]; exists {
		return nil, fmt.Errorf("%w: session %s", order.ErrDuplicateSession, sessionID)
	}
	o := &order.Order{
		ID:               uuid.New().String(),
		UserID:           userID,
		PaymentSessionID: sessionID,
		Total:            total,
		Status:           order.StatusProcessing,
		CreatedAt:        time.Now().UTC(),
	}
	m.orders[o.ID] = o
	m.bySession[sessionID] = o.ID
	cp := *o
	return &cp, nil
}

func (m *MockOrderStore) InsertOrderItems(ctx context.Context, orderID string, items []order.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertItemsErr != nil {
		return m.InsertItemsErr
	}
	m.items[orderID] = append([]order.Item(nil), items...)
	return nil
}

func (m *MockOrderStore) DeleteOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteOrderCalls = append(m.DeleteOrderCalls, orderID)
	if m.DeleteOrderErr != nil {
		return m.DeleteOrderErr
	}
	if o, ok := m.orders[orderID]; ok {
		delete(m.bySession, o.PaymentSessionID)
		delete(m.orders, orderID)
		delete(m.items, orderID)
	}
	return nil
}

func (m *MockOrderStore) OrderItems(ctx context.Context, orderID string) ([]order.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := append([]order.Item(nil), m.items[orderID]...)
	for i := range items {
		if name, ok := m.productNames[items[i].ProductID]; ok {
			items[i].Name = name
		}
	}
	return items, nil
}

func (m *MockOrderStore) CartItems(ctx context.Context, userID string) ([]order.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]order.CartLine(nil), m.carts[userID]...), nil
}

func (m *MockOrderStore) ClearCart(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClearCartCalls = append(m.ClearCartCalls, userID)
	if m.ClearCartErr != nil {
		return m.ClearCartErr
	}
	delete(m.carts, userID)
	return nil
}

func (m *MockOrderStore) RemoveFromWishlist(ctx context.Context, userID string, productIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WishlistCalls = append(m.WishlistCalls, WishlistCall{UserID: userID, ProductIDs: productIDs})
	if m.WishlistErr != nil {
		return m.WishlistErr
	}
	remove := make(map[string]bool, len(productIDs))
	for _, id := range productIDs {
		remove[id] = true
	}
	var kept []string
	for _, id := range m.wishlists[userID] {
		if !remove[id] {
			kept = append(kept, id)
		}
	}
	m.wishlists[userID] = kept
	return nil
}

func (m *MockOrderStore) MarkEmailSent(ctx context.Context, orderID string, kind order.EmailKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkEmailSentCalls = append(m.MarkEmailSentCalls, MarkEmailSentCall{OrderID: orderID, Kind: kind})
	if m.MarkEmailErr != nil {
		return false, m.MarkEmailErr
	}
	o, ok := m.orders[orderID]
	if !ok {
		return false, nil
	}
	switch kind {
	case order.EmailConfirmation:
		if o.ConfirmationEmailSent {
			return false, nil
		}
		o.ConfirmationEmailSent = true
	case order.EmailShipped:
		if o.ShippedEmailSent {
			return false, nil
		}
		o.ShippedEmailSent = true
	case order.EmailDelivered:
		if o.DeliveredEmailSent {
			return false, nil
		}
		o.DeliveredEmailSent = true
	default:
		return false, fmt.Errorf("unknown email kind %q", kind)
	}
	return true, nil
}

func (m *MockOrderStore) UpdateOrderStatus(ctx context.Context, orderID string, target order.Status, trackingNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return sql.ErrNoRows
	}
	if !o.Status.CanTransitionTo(target) {
		return o.Status.TransitionError(target)
	}
	now := time.Now().UTC()
	o.Status = target
	switch target {
	case order.StatusShipped:
		o.TrackingNumber = trackingNumber
		o.ShippedAt = &now
	case order.StatusDelivered:
		o.DeliveredAt = &now
	}
	return nil
}
