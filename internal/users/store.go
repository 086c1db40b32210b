package users

import (
	"context"

	"mailconsent/internal/email"
	dErrors "mailconsent/pkg/domain-errors"
)

// Error Contract:
// - ByID/ByEmail return ErrNotFound when no user exists
// - Create returns ErrConflict on a username or email uniqueness violation
// - Other failures are wrapped infrastructure errors
var (
	ErrNotFound = dErrors.New(dErrors.CodeNotFound, "user not found")
	ErrConflict = dErrors.New(dErrors.CodeConflict, "user already exists")
)

// Store defines the persistence interface for host users.
type Store interface {
	Create(ctx context.Context, user *User) error
	ByID(ctx context.Context, id int64) (*User, error)
	ByEmail(ctx context.Context, addr email.Address) (*User, error)
	Update(ctx context.Context, user *User) error
	// Delete removes the user row. Consent records and opt-outs referencing
	// the user keep their rows with the reference nulled, never cascaded.
	Delete(ctx context.Context, id int64) error
}
