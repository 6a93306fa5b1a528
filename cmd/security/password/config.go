package password

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// Argon2idParams controls Argon2id hashing cost. MemoryKiB is in KiB as argon2.IDKey expects.
type Argon2idParams struct {
	MemoryKiB   uint32 `env:"ARGON2_MEMORY_KIB"`
	Iterations  uint32 `env:"ARGON2_ITERATIONS"`
	Parallelism uint8  `env:"ARGON2_PARALLELISM"`
	SaltLength  uint32 `env:"ARGON2_SALT_LEN"`
	KeyLength   uint32 `env:"ARGON2_KEY_LEN"`
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength      int  `env:"PASSWORD_MIN_LEN"`
	MaxLength      int  `env:"PASSWORD_MAX_LEN"`
	RejectVeryWeak bool `env:"PASSWORD_REJECT_VERY_WEAK"`
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the baseline: Argon2id at 19 MiB / t=2 (the OWASP
// minimum for interactive logins) and a 6 character minimum, the same floor
// hosted identity backends apply by default.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   19 * 1024,
			Iterations:  2,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 6,
			MaxLength: 256,
		},
	}
}

// FromEnv loads config from QUILL_-prefixed environment variables over DefaultConfig:
// QUILL_PASSWORD_MIN_LEN, QUILL_PASSWORD_MAX_LEN, QUILL_PASSWORD_REJECT_VERY_WEAK,
// QUILL_ARGON2_MEMORY_KIB, QUILL_ARGON2_ITERATIONS, QUILL_ARGON2_PARALLELISM,
// QUILL_ARGON2_SALT_LEN, QUILL_ARGON2_KEY_LEN.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "QUILL_"}); err != nil {
		return Config{}, fmt.Errorf("password config: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type bound struct {
	name     string
	val      uint64
	min, max uint64
}

// Check validates ranges and the min/max relation.
func (c Config) Check() error {
	for _, b := range []bound{
		{"QUILL_PASSWORD_MIN_LEN", uint64(max(c.Policy.MinLength, 0)), 1, 1024},
		{"QUILL_PASSWORD_MAX_LEN", uint64(max(c.Policy.MaxLength, 0)), 1, 4096},
		{"QUILL_ARGON2_MEMORY_KIB", uint64(c.Params.MemoryKiB), 8 * 1024, 1024 * 1024},
		{"QUILL_ARGON2_ITERATIONS", uint64(c.Params.Iterations), 1, 20},
		{"QUILL_ARGON2_PARALLELISM", uint64(c.Params.Parallelism), 1, 64},
		{"QUILL_ARGON2_SALT_LEN", uint64(c.Params.SaltLength), 8, 64},
		{"QUILL_ARGON2_KEY_LEN", uint64(c.Params.KeyLength), 16, 64},
	} {
		if b.val < b.min || b.val > b.max {
			return fmt.Errorf("%w: %s out of range [%d..%d]", ErrInvalidConfig, b.name, b.min, b.max)
		}
	}

	if c.Policy.MinLength > c.Policy.MaxLength {
		return fmt.Errorf("%w: min_len(%d) > max_len(%d)", ErrInvalidConfig, c.Policy.MinLength, c.Policy.MaxLength)
	}
	return nil
}
