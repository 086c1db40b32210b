// Package users manages the host application's user rows that consent
// records reference. Consent capture materializes users on the fly for
// addresses that have never logged in, so the package also owns username
// synthesis and the unusable-password marker for such accounts.
package users

import (
	"time"

	"mailconsent/internal/email"
)

// User is a host-application account. Accounts created by consent capture
// start inactive with an unusable password; they become real logins only if
// the host application later activates them.
type User struct {
	ID           int64
	Username     string
	Email        email.Address
	IsActive     bool
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasUsablePassword reports whether the account can authenticate with a
// password at all.
func (u *User) HasUsablePassword() bool {
	return u.PasswordHash != "" && u.PasswordHash != UnusablePassword
}
