package attendance

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyringDigest(t *testing.T) {
	key := bytes.Repeat([]byte{7}, TokenKeySize)
	k1, err := NewKeyring(bytes.Clone(key))
	require.NoError(t, err)
	k2, err := NewKeyring(bytes.Clone(key))
	require.NoError(t, err)
	other, err := NewRandomKeyring()
	require.NoError(t, err)

	d1, err := k1.Digest("token")
	require.NoError(t, err)
	d2, err := k2.Digest("token")
	require.NoError(t, err)
	d3, err := other.Digest("token")
	require.NoError(t, err)
	d4, err := k1.Digest("token2")
	require.NoError(t, err)

	require.Len(t, d1, 64)
	require.Equal(t, d1, d2)
	require.NotEqual(t, d1, d3)
	require.NotEqual(t, d1, d4)
}

func TestKeyringRejectsShortKey(t *testing.T) {
	key := []byte("short")
	_, err := NewKeyring(key)
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Equal(t, make([]byte, len(key)), key)
}

func TestIssuerWindows(t *testing.T) {
	keys, err := NewRandomKeyring()
	require.NoError(t, err)
	issuer, err := NewIssuer(keys, 4)
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	seen := make(map[string]bool)
	for seq := uint64(1); seq <= 500; seq++ {
		w, err := issuer.Issue("s1", seq, 15, at)
		require.NoError(t, err)
		require.False(t, seen[w.TokenString])
		seen[w.TokenString] = true

		raw, err := base64.RawURLEncoding.DecodeString(w.TokenString)
		require.NoError(t, err)
		require.Len(t, raw, 32)
		require.Len(t, w.PIN, 4)
		require.Equal(t, seq, w.SequenceNumber)
		require.Equal(t, at.Add(15*time.Second), w.ExpiresAt())

		digest, err := issuer.Digest(w.TokenString)
		require.NoError(t, err)
		require.Equal(t, digest, w.digest)
	}
}

func TestNewIssuerPINDigits(t *testing.T) {
	keys, err := NewRandomKeyring()
	require.NoError(t, err)
	for _, n := range []int{3, 7} {
		_, err := NewIssuer(keys, n)
		require.ErrorIs(t, err, ErrInvalidConfig)
	}
	issuer, err := NewIssuer(keys, 0)
	require.NoError(t, err)
	require.Equal(t, DefaultPINDigits, issuer.pinDigits)
}
