package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const phcVersion = argon2.Version // 0x13

var b64 = base64.RawStdEncoding

// phc is a decoded $argon2id$v=19$m=..,t=..,p=..$salt$key string.
type phc struct {
	params Argon2idParams
	salt   []byte
	key    []byte
}

func (p phc) String() string {
	return "$argon2id$v=" + strconv.Itoa(phcVersion) +
		"$m=" + strconv.FormatUint(uint64(p.params.MemoryKiB), 10) +
		",t=" + strconv.FormatUint(uint64(p.params.Iterations), 10) +
		",p=" + strconv.FormatUint(uint64(p.params.Parallelism), 10) +
		"$" + b64.EncodeToString(p.salt) +
		"$" + b64.EncodeToString(p.key)
}

// Hash validates password against the policy and returns its encoded Argon2id hash.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	h := phc{params: c.Params, salt: salt}
	h.key = derive(password, h.params, salt, c.Params.KeyLength)
	return h.String(), nil
}

// Verify checks password against encodedHash.
// Returns (true, nil) on match, (false, nil) on mismatch and (false, ErrInvalidHash)
// for malformed, unsupported or unreasonably expensive hashes.
func (c Config) Verify(encodedHash, password string) (bool, error) {
	h, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	if !c.affordable(h.params) {
		return false, ErrInvalidHash
	}

	got := derive(password, h.params, h.salt, uint32(len(h.key))) // #nosec G115 -- bounded by affordable().
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// NeedsRehash reports whether encodedHash was produced with parameters other
// than the configured ones. Malformed hashes need a rehash too.
func (c Config) NeedsRehash(encodedHash string) bool {
	h, err := parsePHC(encodedHash)
	if err != nil {
		return true
	}
	p := h.params
	return p.MemoryKiB != c.Params.MemoryKiB ||
		p.Iterations != c.Params.Iterations ||
		p.Parallelism != c.Params.Parallelism ||
		p.KeyLength != c.Params.KeyLength
}

func derive(password string, p Argon2idParams, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, keyLen)
}

// affordable accepts cheaper historical parameters but rejects hash strings
// that would make verification arbitrarily expensive.
func (c Config) affordable(got Argon2idParams) bool {
	lim := c.Params
	return got.MemoryKiB <= lim.MemoryKiB*2 &&
		got.Iterations <= lim.Iterations*2 &&
		uint32(got.Parallelism) <= uint32(lim.Parallelism)*2 &&
		got.SaltLength >= 8 && got.SaltLength <= 64 &&
		got.KeyLength >= 16 && got.KeyLength <= 128
}

func parsePHC(encoded string) (phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return phc{}, ErrInvalidHash
	}
	if parts[2] != "v="+strconv.Itoa(phcVersion) {
		return phc{}, ErrInvalidHash
	}

	var mem, it, par uint32
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return phc{}, ErrInvalidHash
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return phc{}, ErrInvalidHash
		}
		switch k {
		case "m":
			mem = uint32(n)
		case "t":
			it = uint32(n)
		case "p":
			if n > 255 {
				return phc{}, ErrInvalidHash
			}
			par = uint32(n)
		default:
			return phc{}, ErrInvalidHash
		}
	}
	if mem == 0 || it == 0 || par == 0 {
		return phc{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return phc{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return phc{}, ErrInvalidHash
	}

	return phc{
		params: Argon2idParams{
			MemoryKiB:   mem,
			Iterations:  it,
			Parallelism: uint8(par),        // #nosec G115 -- checked <= 255 above.
			SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by the encoded string.
			KeyLength:   uint32(len(key)),  // #nosec G115 -- bounded by the encoded string.
		},
		salt: salt,
		key:  key,
	}, nil
}
