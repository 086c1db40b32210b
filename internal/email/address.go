package email

import (
	"net/mail"
	"strings"

	dErrors "mailconsent/pkg/domain-errors"
)

// ErrInvalidAddress indicates an email address is not valid.
var ErrInvalidAddress = dErrors.New(dErrors.CodeValidation, "invalid email address")

// Address is how mailconsent represents email addresses.
type Address string

// ParseAddress parses the given string and checks if it's shaped like an email
// address. Note that this doesn't guarantee the address actually exists, it
// only checks the format.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)

	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return Address(""), ErrInvalidAddress
	}

	// mail.ParseAddress accepts addresses with names and comments:
	// "Alice <alice@example.com>(comment)". Only accept inputs that
	// consist of the address part.
	if addr.Address != trimmed {
		return Address(""), ErrInvalidAddress
	}

	return Address(addr.Address), nil
}

func (a Address) String() string {
	return string(a)
}

func (a *Address) UnmarshalText(text []byte) error {
	addr, err := ParseAddress(string(text))
	if err != nil {
		return err
	}

	*a = addr

	return nil
}
