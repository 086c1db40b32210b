// Package identity maps email addresses to stable, non-reversible
// identifiers. Consent and opt-out rows carry the identifier instead of the
// address, so they stay matchable against re-imported email lists after the
// address itself has been scrubbed from the live user table.
package identity

import (
	"github.com/google/uuid"

	"mailconsent/internal/email"
)

// HashEmail derives the identity hash for an address: a version 3 (MD5,
// URL-namespace) UUID of the literal address string.
//
// The hash is computed once when a record is first saved with a user and an
// address, and never recomputed. A later change to the user's email does not
// move existing consents or opt-outs; that point-in-time binding is what the
// token codec relies on to invalidate stale links.
func HashEmail(addr email.Address) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceURL, []byte(addr))
}
