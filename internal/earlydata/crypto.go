package earlydata

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of the store's AEAD master key.
const KeySize = chacha20poly1305.KeySize

// sealer wraps the ticket store's on-disk envelope: a random 96-bit
// nonce, the ChaCha20-Poly1305 ciphertext, and the 128-bit tag the AEAD
// appends. The key lives only in memory; a stolen cache file alone
// cannot be read or replayed against the origin.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

// seal encrypts the serialized ticket store for persistence.
func (s *sealer) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// open decrypts a blob previously produced by seal.
func (s *sealer) open(blob []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(blob) < n+s.aead.Overhead() {
		return nil, errors.New("earlydata: store blob shorter than nonce+tag")
	}
	nonce, ct := blob[:n], blob[n:]
	return s.aead.Open(nil, nonce, ct, nil)
}

// newReplayNonce returns a fresh random nonce for the early-data replay
// window (not the AEAD nonce above, which only protects the persisted
// store), hex-encoded for use as a header value.
func newReplayNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
