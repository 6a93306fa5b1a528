package remote

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config points the client at an HTTP identity backend.
type Config struct {
	BaseURL      string   `env:"IDP_URL"`
	ClientID     string   `env:"IDP_CLIENT_ID" envDefault:"quill"`
	ClientSecret string   `env:"IDP_CLIENT_SECRET"`
	Scopes       []string `env:"IDP_SCOPES" envSeparator:"," envDefault:"openid,email,profile"`

	Timeout       time.Duration `env:"IDP_TIMEOUT" envDefault:"10s"`
	RefreshMargin time.Duration `env:"IDP_REFRESH_MARGIN" envDefault:"1m"`
	RefreshEvery  time.Duration `env:"IDP_REFRESH_CHECK_EVERY" envDefault:"15s"`
	StateTTL      time.Duration `env:"IDP_OAUTH_STATE_TTL" envDefault:"10m"`

	EventsPath   string        `env:"IDP_EVENTS_PATH" envDefault:"/auth/events"`
	ReconnectMin time.Duration `env:"IDP_RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax time.Duration `env:"IDP_RECONNECT_MAX" envDefault:"30s"`

	// PublicKeyHex, when set, verifies every access token the backend issues.
	PublicKeyHex string        `env:"IDP_PASETO_PUBLIC_KEY_HEX"`
	Issuer       string        `env:"IDP_ISSUER"`
	ClockSkew    time.Duration `env:"IDP_CLOCK_SKEW" envDefault:"30s"`
}

// DefaultConfig returns the envDefault values with no backend URL.
func DefaultConfig() Config {
	var cfg Config
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadConfig reads QUILL_IDP_* from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "QUILL_"}); err != nil {
		return Config{}, fmt.Errorf("remote provider config: %w", err)
	}
	return cfg, cfg.check()
}

func (c Config) check() error {
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	switch {
	case c.BaseURL == "":
		return errors.New("remote provider config: QUILL_IDP_URL is required")
	case err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
		return fmt.Errorf("remote provider config: QUILL_IDP_URL %q is not an http(s) URL", c.BaseURL)
	case c.Timeout <= 0 || c.RefreshEvery <= 0 || c.StateTTL <= 0:
		return errors.New("remote provider config: timeouts must be positive")
	case c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin:
		return errors.New("remote provider config: invalid reconnect backoff")
	case c.PublicKeyHex != "" && c.Issuer == "":
		return errors.New("remote provider config: QUILL_IDP_ISSUER is required with a public key")
	}
	return nil
}
