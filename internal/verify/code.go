package verify

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	codeMin = 1_000_000
	codeMax = 9_999_999
)

// generateCode returns a uniformly random 7-digit code.
func generateCode() (uint64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return 0, fmt.Errorf("generate code: %w", err)
	}
	return uint64(n.Int64()) + codeMin, nil
}
