package identity

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNoEmail means no deliverable address exists for the user. Callers must
// treat this as a hard stop; a placeholder address is never substituted.
var ErrNoEmail = errors.New("no email address on record for user")

// Recipient is the resolved delivery target for a notification.
type Recipient struct {
	Email string
	Name  string
}

// Resolver maps a user id to an email recipient.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Recipient, error)
}

// PostgresResolver resolves recipients from the users table.
type PostgresResolver struct {
	db *sql.DB
}

func NewPostgresResolver(db *sql.DB) *PostgresResolver {
	return &PostgresResolver{db: db}
}

func (r *PostgresResolver) Resolve(ctx context.Context, userID string) (Recipient, error) {
	var rec Recipient
	var email sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT email, name FROM users WHERE id = $1`,
		userID,
	).Scan(&email, &rec.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Recipient{}, ErrNoEmail
		}
		return Recipient{}, err
	}
	if !email.Valid || email.String == "" {
		return Recipient{}, ErrNoEmail
	}
	rec.Email = email.String
	return rec, nil
}
