// Package models holds the consent domain entities. Persistence and
// lifecycle rules live in the store and service packages; the types here only
// carry state and the invariants that can be expressed without a store.
package models

import (
	"time"

	"github.com/google/uuid"

	dErrors "mailconsent/pkg/domain-errors"
)

// Source is a named definition of the reason/context under which email
// consent was obtained, e.g. "monthly newsletter signup form". Sources are
// created by administrators or the seeder and rarely change; they are never
// hard-deleted while consent records reference them.
type Source struct {
	ID         int64
	Name       string
	Definition string

	// RequiresConfirmedEmail withholds validity until the recipient has
	// confirmed their address via the emailed link.
	RequiresConfirmedEmail bool
	// RequiresActiveUser withholds validity while the owning user account
	// is inactive.
	RequiresActiveUser bool

	// AutoCreateID is set for sources materialized by the seeder, so the
	// seeding process can find its own rows across restarts. Empty for
	// sources created by hand.
	AutoCreateID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Translation is an optional per-language rendering of a source's name and
// definition. At most one row per (source, language).
type Translation struct {
	ID           int64
	SourceID     int64
	LanguageCode string
	Name         string
	Definition   string
}

// Resolve returns the source's name and definition in the requested
// language, falling back to the base values when no translation exists.
func (s *Source) Resolve(translations []Translation, language string) (name, definition string) {
	for _, tr := range translations {
		if tr.SourceID == s.ID && tr.LanguageCode == language {
			return tr.Name, tr.Definition
		}
	}
	return s.Name, s.Definition
}

// Record is one grant of consent: one identity agreed, via one source, at
// one point in time.
//
// UserID is a weak reference into the host's user table. Deleting the user
// nulls it; the record itself survives, still carrying EmailHash so opt-outs
// remain matchable after a re-import.
type Record struct {
	ID       int64
	SourceID int64
	UserID   *int64

	// EmailConfirmationRequestedAt is set when a confirmation email was
	// triggered for this record. It stays set even if delivery failed; the
	// remedy for a failed send is resending, not reverting state.
	EmailConfirmationRequestedAt *time.Time
	EmailConfirmed               bool

	// EmailHash is derived from the owning user's address exactly once, at
	// first save, and never recomputed. See the identity package.
	EmailHash uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OptOut withdraws consent at one of two scopes: a single record, or
// everything for one identity.
//
// Invariant: ConsentID == nil exactly when IsEverything is true. Normalize
// enforces the forward direction; stores reject rows violating the reverse.
type OptOut struct {
	ID           int64
	UserID       *int64
	ConsentID    *int64
	IsEverything bool

	// EmailHash is captured independently of the consent record so the
	// opt-out keeps working after the user row is deleted.
	EmailHash uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Normalize forces the everything scope whenever the consent reference is
// absent. Call before persisting.
func (o *OptOut) Normalize() {
	if o.ConsentID == nil {
		o.IsEverything = true
	}
}

// Validate rejects rows that claim both a consent reference and the
// everything scope.
func (o *OptOut) Validate() error {
	if o.IsEverything && o.ConsentID != nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "everything opt-out must not reference a consent record")
	}
	if !o.IsEverything && o.ConsentID == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "scoped opt-out requires a consent reference")
	}
	return nil
}

// Campaign names an outbound email category and the sources whose consent
// authorizes sending it. Recipients never opt out of a campaign; they
// withdraw the consent it is based on.
type Campaign struct {
	ID        int64
	Name      string
	SourceIDs []int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
