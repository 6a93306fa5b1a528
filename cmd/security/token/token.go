package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// MinKeyBytes is the shortest HMAC key Hasher accepts when a key is required.
const MinKeyBytes = 32

// Hasher digests tokens for storage. The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed with key (trimmed).
// A blank key yields the SHA-256 fallback unless require is set.
func NewHasher(key string, require bool) (Hasher, error) {
	k := strings.TrimSpace(key)
	switch {
	case k == "" && require:
		return Hasher{}, ErrHMACKeyMissing
	case k == "":
		return Hasher{}, nil
	case len(k) < MinKeyBytes && require:
		return Hasher{}, ErrHMACKeyTooShort
	}
	return Hasher{key: []byte(k)}, nil
}

// Keyed reports whether digests use HMAC.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// Hex returns the hex digest of s.
func (h Hasher) Hex(s string) string {
	var m hash.Hash
	if h.Keyed() {
		m = hmac.New(sha256.New, h.key)
	} else {
		m = sha256.New()
	}
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Matches reports whether raw digests to stored, in constant time.
func (h Hasher) Matches(stored, raw string) bool {
	return Equal(stored, h.Hex(raw))
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewOpaque returns nBytes of randomness as unpadded base64url.
func NewOpaque(nBytes int) (string, error) {
	if nBytes < 16 || nBytes > 128 {
		return "", fmt.Errorf("%w: %d", ErrTokenSize, nBytes)
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
