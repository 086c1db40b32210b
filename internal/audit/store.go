package audit

import (
	"context"

	"github.com/google/uuid"
)

type Store interface {
	Append(ctx context.Context, event Event) error
	// ListByEmailHash returns the trail for one identity, oldest first.
	ListByEmailHash(ctx context.Context, emailHash uuid.UUID) ([]Event, error)
}
