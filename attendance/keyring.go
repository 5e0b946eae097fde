package attendance

import (
	"encoding/hex"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/blake2b"

	"github.com/jmcleod/rollcall/internal/util"
)

// TokenKeySize is the length in bytes of the token digest key.
const TokenKeySize = 32

// Keyring holds the secret used to index tokens by digest. The key lives in
// a memguard enclave and is only decrypted while a digest is computed.
type Keyring struct {
	key *memguard.Enclave
}

// NewKeyring seals key into a new Keyring. key is wiped.
func NewKeyring(key []byte) (*Keyring, error) {
	if len(key) != TokenKeySize {
		util.WipeBytes(key)
		return nil, fmt.Errorf("%w: token key must be %d bytes", ErrInvalidConfig, TokenKeySize)
	}
	return &Keyring{key: memguard.NewEnclave(key)}, nil
}

// NewRandomKeyring returns a Keyring with a fresh random key. Digests from
// a random keyring do not survive a restart.
func NewRandomKeyring() (*Keyring, error) {
	key, err := util.RandomBytes(TokenKeySize)
	if err != nil {
		return nil, err
	}
	return NewKeyring(key)
}

// Digest returns the keyed BLAKE2b-256 digest of token, hex encoded.
func (k *Keyring) Digest(token string) (string, error) {
	buf, err := k.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening token key: %w", err)
	}
	defer buf.Destroy()

	h, err := blake2b.New256(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("initialising digest: %w", err)
	}
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil)), nil
}
