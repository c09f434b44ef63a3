package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ec-order-pipeline/internal/order"
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

// Postgres implements the order store over plain database/sql.
//
// The single most important contract here is the UNIQUE constraint on
// orders.payment_session_id: the two creation paths run as independent
// processes, so the row-level constraint is what resolves their race.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// FindOrderBySession looks up an order by payment session id. Absence is a
// normal outcome, reported through the found flag rather than an error.
func (s *Postgres) FindOrderBySession(ctx context.Context, sessionID string) (*order.Order, bool, error) {
	return s.queryOrder(ctx, `WHERE payment_session_id = $1`, sessionID)
}

// GetOrder retrieves an order by id.
func (s *Postgres) GetOrder(ctx context.Context, orderID string) (*order.Order, bool, error) {
	return s.queryOrder(ctx, `WHERE id = $1`, orderID)
}

func (s *Postgres) queryOrder(ctx context.Context, where string, arg any) (*order.Order, bool, error) {
	var o order.Order
	var tracking sql.NullString
	var shippedAt, deliveredAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, payment_session_id, total, status, tracking_number,
		       confirmation_email_sent, shipped_email_sent, delivered_email_sent,
		       created_at, shipped_at, delivered_at
		FROM orders `+where,
		arg,
	).Scan(&o.ID, &o.UserID, &o.PaymentSessionID, &o.Total, &o.Status, &tracking,
		&o.ConfirmationEmailSent, &o.ShippedEmailSent, &o.DeliveredEmailSent,
		&o.CreatedAt, &shippedAt, &deliveredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	o.TrackingNumber = tracking.String
	if shippedAt.Valid {
		t := shippedAt.Time
		o.ShippedAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		o.DeliveredAt = &t
	}
	return &o, true, nil
}

// InsertOrder creates the order row. A uniqueness violation on the payment
// session id is mapped to order.ErrDuplicateSession so callers can treat it
// as "someone else already created this" instead of a fault.
func (s *Postgres) InsertOrder(ctx context.Context, userID string, total int64, sessionID string) (*order.Order, error) {
	o := &order.Order{
		ID:               uuid.New().String(),
		UserID:           userID,
		PaymentSessionID: sessionID,
		Total:            total,
		Status:           order.StatusProcessing,
		CreatedAt:        time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, payment_session_id, total, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.UserID, o.PaymentSessionID, o.Total, o.Status, o.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: session %s", order.ErrDuplicateSession, sessionID)
		}
		return nil, err
	}
	return o, nil
}

// InsertOrderItems writes the order's line items in one transaction so the
// set is all-or-nothing. Rolling back the order row itself on failure is
// the caller's compensation.
func (s *Postgres) InsertOrderItems(ctx context.Context, orderID string, items []order.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4)`,
			orderID, item.ProductID, item.Quantity, item.Price,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteOrder removes an order and its items. Used only as compensation
// when item creation fails after the order row landed.
func (s *Postgres) DeleteOrder(ctx context.Context, orderID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID); err != nil {
		return err
	}
	return tx.Commit()
}

// OrderItems returns the order's line items with product names where the
// catalog still has them.
func (s *Postgres) OrderItems(ctx context.Context, orderID string) ([]order.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oi.order_id, oi.product_id, COALESCE(p.name, ''), oi.quantity, oi.price
		FROM order_items oi
		LEFT JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = $1`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []order.Item
	for rows.Next() {
		var item order.Item
		if err := rows.Scan(&item.OrderID, &item.ProductID, &item.Name, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CartItems returns the user's current cart.
func (s *Postgres) CartItems(ctx context.Context, userID string) ([]order.CartLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, price
		FROM cart_items WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []order.CartLine
	for rows.Next() {
		var line order.CartLine
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.Price); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ClearCart deletes all cart rows for the user.
func (s *Postgres) ClearCart(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	return err
}

// RemoveFromWishlist removes the ordered products from the user's wishlist.
func (s *Postgres) RemoveFromWishlist(ctx context.Context, userID string, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM wishlist_items
		WHERE user_id = $1 AND product_id = ANY($2)`,
		userID, pq.Array(productIDs),
	)
	return err
}

// MarkEmailSent flips the sent flag for the given mail kind, but only if it
// is still false. The conditional WHERE makes the flip atomic: zero rows
// changed means another sender already marked it.
func (s *Postgres) MarkEmailSent(ctx context.Context, orderID string, kind order.EmailKind) (bool, error) {
	column, err := emailColumn(kind)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET `+column+` = TRUE WHERE id = $1 AND `+column+` = FALSE`,
		orderID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func emailColumn(kind order.EmailKind) (string, error) {
	switch kind {
	case order.EmailConfirmation:
		return "confirmation_email_sent", nil
	case order.EmailShipped:
		return "shipped_email_sent", nil
	case order.EmailDelivered:
		return "delivered_email_sent", nil
	}
	return "", fmt.Errorf("unknown email kind %q", kind)
}

// UpdateOrderStatus moves an order to a new status, validating the
// transition against the current row. The old status is part of the UPDATE
// guard so a concurrent transition cannot be overwritten.
func (s *Postgres) UpdateOrderStatus(ctx context.Context, orderID string, target order.Status, trackingNumber string) error {
	o, found, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !found {
		return sql.ErrNoRows
	}
	if !o.Status.CanTransitionTo(target) {
		return o.Status.TransitionError(target)
	}

	now := time.Now().UTC()
	var res sql.Result
	switch target {
	case order.StatusShipped:
		res, err = s.db.ExecContext(ctx, `
			UPDATE orders SET status = $1, tracking_number = $2, shipped_at = $3
			WHERE id = $4 AND status = $5`,
			target, trackingNumber, now, orderID, o.Status)
	case order.StatusDelivered:
		res, err = s.db.ExecContext(ctx, `
			UPDATE orders SET status = $1, delivered_at = $2
			WHERE id = $3 AND status = $4`,
			target, now, orderID, o.Status)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE orders SET status = $1
			WHERE id = $2 AND status = $3`,
			target, orderID, o.Status)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: order %s changed concurrently", order.ErrInvalidStatus, orderID)
	}
	return nil
}
