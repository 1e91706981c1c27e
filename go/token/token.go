// Package token mints the opaque tokens that authenticate webhook URLs.
package token

import (
	"crypto/rand"
	"errors"
	"math/big"
	"regexp"

	"go.skia.org/infra/go/skerr"
)

// Length is the number of characters in a minted token.
const Length = 32

const (
	alphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	maxMintAttempts = 8
)

// ErrExhausted is returned when Mint fails to find an unused token within
// its attempt bound.
var ErrExhausted = errors.New("token space exhausted")

var wellFormed = regexp.MustCompile(`^[A-Za-z0-9]{32}$`)

// IsWellFormed reports whether t has the shape of a minted token.
func IsWellFormed(t string) bool {
	return wellFormed.MatchString(t)
}

// Generate returns a fresh Length-character token drawn uniformly from
// [A-Za-z0-9] using a cryptographic source. Tokens are opaque; no
// information is encoded in them.
func Generate() (string, error) {
	buf := make([]byte, Length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}

// Mint generates tokens until one passes the inUse check, bounded to
// maxMintAttempts before returning ErrExhausted.
func Mint(inUse func(string) bool) (string, error) {
	for i := 0; i < maxMintAttempts; i++ {
		t, err := Generate()
		if err != nil {
			return "", skerr.Wrap(err)
		}
		if !inUse(t) {
			return t, nil
		}
	}
	return "", skerr.Wrap(ErrExhausted)
}
