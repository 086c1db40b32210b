// Package token signs and validates the credentials embedded in consent
// email links. A token binds a record's identity hash and numeric id under a
// purpose-specific salt; it is the sole authorization for confirm,
// unsubscribe and undo actions, which must work from an emailed link with no
// login.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Codec issues and verifies purpose-salted tokens. Tokens are HS256 JWTs
// whose signing key is derived per salt, so a token issued for one purpose
// never validates under another.
//
// Tokens are deliberately not single-use and carry no expiry: validity is
// purely a function of the record's current (email hash, id) pair. That keeps
// unsubscribe and undo links stable and idempotent.
type Codec struct {
	signingKey []byte
}

// NewCodec creates a codec around the process-wide signing key.
func NewCodec(signingKey string) *Codec {
	return &Codec{signingKey: []byte(signingKey)}
}

type recordClaims struct {
	EmailHash string `json:"eh"`
	RecordID  string `json:"rid"`
	jwt.RegisteredClaims
}

// keyFor derives the signing key for one purpose salt.
func (c *Codec) keyFor(salt string) []byte {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(salt))
	return mac.Sum(nil)
}

// Issue produces a token binding (emailHash, recordID) under the given salt.
func (c *Codec) Issue(emailHash uuid.UUID, recordID int64, salt string) (string, error) {
	claims := recordClaims{
		EmailHash: emailHash.String(),
		RecordID:  strconv.FormatInt(recordID, 10),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(c.keyFor(salt))
}

// Verify reports whether the token validates for the given record identity
// under the given salt. It returns false, never an error, on malformed input,
// a bad signature, or an identity mismatch.
func (c *Codec) Verify(tokenStr string, emailHash uuid.UUID, recordID int64, salt string) bool {
	var claims recordClaims
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims,
		func(*jwt.Token) (any, error) { return c.keyFor(salt), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return false
	}

	hashMatch := subtle.ConstantTimeCompare([]byte(claims.EmailHash), []byte(emailHash.String())) == 1
	idMatch := claims.RecordID == strconv.FormatInt(recordID, 10)
	return hashMatch && idMatch
}
