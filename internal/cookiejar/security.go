package cookiejar

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieExpired  = errors.New("cookiejar: refusing to store an expired cookie")
	ErrDomainMismatch = errors.New("cookiejar: Domain attribute does not cover the request host")
	ErrPublicSuffix   = errors.New("cookiejar: Domain attribute names a public suffix")
)

// sensitivePatterns marks cookie names whose values are worth
// encrypting at rest: session identifiers and anything token-like.
var sensitivePatterns = []string{"session", "token", "auth", "csrf", "secret", "sid", "password"}

func sensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// vault AEAD-encrypts sensitive cookie values with the jar's master
// key. Sealed values are base64 of nonce || ciphertext || tag.
type vault struct {
	aead cipher.AEAD
}

func newVault(key []byte) (*vault, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &vault{aead: aead}, nil
}

func (v *vault) seal(value string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (v *vault) open(sealed string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	n := v.aead.NonceSize()
	if len(raw) < n+v.aead.Overhead() {
		return "", errors.New("cookiejar: sealed value too short")
	}
	plain, err := v.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// CSRFIssuer hands out and validates per-origin CSRF tokens. Tokens are
// 32 random bytes, remembered with their issue time and expired after
// tokenTTL.
type CSRFIssuer struct {
	mu     sync.Mutex
	tokens map[string]map[string]time.Time // origin -> token -> issued
	now    func() time.Time
}

const tokenTTL = 4 * time.Hour

func newCSRFIssuer(now func() time.Time) *CSRFIssuer {
	return &CSRFIssuer{
		tokens: make(map[string]map[string]time.Time),
		now:    now,
	}
}

// Issue mints a fresh token bound to origin.
func (c *CSRFIssuer) Issue(origin string) (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	c.mu.Lock()
	if c.tokens[origin] == nil {
		c.tokens[origin] = make(map[string]time.Time)
	}
	c.tokens[origin][token] = c.now()
	c.mu.Unlock()
	return token, nil
}

// Validate checks a presented token against origin's outstanding set,
// consuming it on success.
func (c *CSRFIssuer) Validate(origin, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for t, issued := range c.tokens[origin] {
		if now.Sub(issued) > tokenTTL {
			delete(c.tokens[origin], t)
			continue
		}
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			delete(c.tokens[origin], t)
			return true
		}
	}
	return false
}
