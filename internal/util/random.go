package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// RandomDigits returns n decimal digits drawn uniformly from crypto/rand.
func RandomDigits(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		d, err := RandomIntn(10)
		if err != nil {
			return "", fmt.Errorf("generating random digit: %w", err)
		}
		sb.WriteByte(byte('0' + d))
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// WipeBytes zeroes b in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
