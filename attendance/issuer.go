package attendance

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jmcleod/rollcall/internal/util"
)

const (
	tokenBytes = 32
	// DefaultPINDigits is the length of the numeric fallback PIN.
	DefaultPINDigits = 6
)

// Issuer mints token windows. It is stateless apart from its keyring.
type Issuer struct {
	keys      *Keyring
	pinDigits int
}

// NewIssuer returns an Issuer that indexes tokens with keys.
func NewIssuer(keys *Keyring, pinDigits int) (*Issuer, error) {
	if pinDigits == 0 {
		pinDigits = DefaultPINDigits
	}
	if pinDigits < MinPINDigits || pinDigits > MaxPINDigits {
		return nil, fmt.Errorf("%w: pin digits must be between %d and %d", ErrInvalidConfig, MinPINDigits, MaxPINDigits)
	}
	return &Issuer{keys: keys, pinDigits: pinDigits}, nil
}

// Issue mints the window with sequence number seq for a session. The token
// string is 32 bytes from crypto/rand, unpadded base64url encoded.
func (i *Issuer) Issue(sessionID string, seq uint64, ttlSeconds int, issuedAt time.Time) (TokenWindow, error) {
	raw, err := util.RandomBytes(tokenBytes)
	if err != nil {
		return TokenWindow{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	util.WipeBytes(raw)

	pin, err := util.RandomDigits(i.pinDigits)
	if err != nil {
		return TokenWindow{}, err
	}
	digest, err := i.keys.Digest(token)
	if err != nil {
		return TokenWindow{}, err
	}
	return TokenWindow{
		SessionID:      sessionID,
		TokenString:    token,
		PIN:            pin,
		IssuedAt:       issuedAt,
		TTLSeconds:     ttlSeconds,
		SequenceNumber: seq,
		digest:         digest,
	}, nil
}

// Digest returns the lookup digest of a presented token string.
func (i *Issuer) Digest(token string) (string, error) {
	return i.keys.Digest(token)
}

func (w TokenWindow) doc() windowDoc {
	return windowDoc{
		SessionID:  w.SessionID,
		Seq:        w.SequenceNumber,
		Digest:     w.digest,
		PIN:        w.PIN,
		IssuedAt:   w.IssuedAt,
		TTLSeconds: w.TTLSeconds,
	}
}
