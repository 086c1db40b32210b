package users

import (
	"crypto/rand"
	"math/big"
)

const (
	usernameLen     = 32
	usernameCharset = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// RandomUsername synthesizes a login name for users materialized from a bare
// email address. The name is not derived from the email; it only has to be
// unique, which the caller enforces against the store with a bounded retry.
func RandomUsername() string {
	b := make([]byte, usernameLen)
	max := big.NewInt(int64(len(usernameCharset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform entropy source is
			// broken, at which point serving traffic is unsafe anyway.
			panic(err)
		}
		b[i] = usernameCharset[n.Int64()]
	}
	return string(b)
}
