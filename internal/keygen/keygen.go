// Package keygen mints the human-shareable access keys handed out on upload.
package keygen

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// Prefix starts every access key.
	Prefix = "SESSION"

	low  = 10
	high = 99
)

var span = big.NewInt(high - low + 1)

// Generator returns a fresh access key on every call.
type Generator func() string

// Generate returns a key of the form SESSION_XX_YY_ZZ where each group is
// drawn uniformly from [10, 99]. Keys are not unique by construction; the
// metadata store rejects duplicates and callers regenerate.
func Generate() string {
	return fmt.Sprintf("%s_%d_%d_%d", Prefix, twoDigits(), twoDigits(), twoDigits())
}

func twoDigits() int64 {
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		// crypto/rand only fails when the OS entropy source is gone.
		panic(fmt.Sprintf("keygen: reading random source: %v", err))
	}
	return n.Int64() + low
}
