package authapi

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls auth API behavior and abuse limits.
type Config struct {
	TrustProxy   bool  `env:"API_TRUST_PROXY" envDefault:"false"`
	MaxBodyBytes int64 `env:"API_MAX_BODY_BYTES" envDefault:"1048576"`
	// CookieSecure marks the session cookie Secure behind a TLS-terminating proxy.
	CookieSecure bool `env:"API_COOKIE_SECURE" envDefault:"false"`

	// Failed sign-ins and sign-ups per client IP inside the window before 429.
	FailureIPMax    int           `env:"API_FAILURE_IP_MAX" envDefault:"20"`
	FailureIPWindow time.Duration `env:"API_FAILURE_IP_WINDOW" envDefault:"5m"`
}

// DefaultConfig returns the envDefault values.
func DefaultConfig() Config {
	var cfg Config
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadConfig reads QUILL_API_* from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "QUILL_"}); err != nil {
		return Config{}, fmt.Errorf("api config: %w", err)
	}
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.FailureIPWindow <= 0 {
		c.FailureIPWindow = d.FailureIPWindow
	}
	return c
}
