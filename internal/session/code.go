package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

// codeSpace is the number of distinct pairing codes (000000-999999).
const codeSpace = 1000000

// maxCodeAttempts bounds rejection sampling against active codes. The chance
// of this many consecutive collisions is negligible unless the registry is
// nearly full, in which case giving up is the right call.
const maxCodeAttempts = 1000

var codePattern = regexp.MustCompile(`^\d{6}$`)

// ValidCode reports whether raw is a well-formed 6-digit pairing code.
func ValidCode(raw string) bool {
	return codePattern.MatchString(raw)
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
