package local

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls the in-process provider.
type Config struct {
	// RequireConfirmation holds new accounts until ConfirmEmail is called.
	RequireConfirmation bool `env:"LOCAL_REQUIRE_CONFIRMATION" envDefault:"false"`
	// ConfirmURL is the link target for confirmation tokens (GET ?token=).
	ConfirmURL string `env:"LOCAL_CONFIRM_URL" envDefault:"http://localhost:8080/auth/confirm"`
	// DevLogConfirmLinks logs confirmation links at debug level. There is no
	// mail delivery, so this is how a developer confirms an account.
	DevLogConfirmLinks bool `env:"LOCAL_DEV_LOG_CONFIRM_LINKS" envDefault:"false"`

	RefreshTTL    time.Duration `env:"LOCAL_REFRESH_TTL" envDefault:"168h"`
	RefreshMargin time.Duration `env:"LOCAL_REFRESH_MARGIN" envDefault:"1m"`

	OAuthCodeTTL     time.Duration `env:"LOCAL_OAUTH_CODE_TTL" envDefault:"5m"`
	OAuthCallbackURL string        `env:"LOCAL_OAUTH_CALLBACK_URL" envDefault:"http://localhost:8080/auth/callback"`
	OAuthEmail       string        `env:"LOCAL_OAUTH_EMAIL" envDefault:"oauth.user@example.com"`
	OAuthProviders   []string      `env:"LOCAL_OAUTH_PROVIDERS" envSeparator:"," envDefault:"google,github"`

	// TokenHMACKey keys refresh-token and code digests; blank falls back to SHA-256.
	TokenHMACKey string `env:"LOCAL_TOKEN_HMAC_KEY"`
	// RequireTokenHMAC refuses to start without a usable TokenHMACKey.
	RequireTokenHMAC bool `env:"REQUIRE_TOKEN_HMAC" envDefault:"false"`
}

// DefaultConfig returns the envDefault values.
func DefaultConfig() Config {
	var cfg Config
	// Only defaults apply to an empty environment map.
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadConfig reads QUILL_LOCAL_* from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "QUILL_"}); err != nil {
		return Config{}, fmt.Errorf("local provider config: %w", err)
	}
	return cfg, cfg.check()
}

func (c Config) check() error {
	switch {
	case c.RefreshTTL <= 0:
		return fmt.Errorf("local provider config: QUILL_LOCAL_REFRESH_TTL must be positive")
	case c.RefreshMargin < 0:
		return fmt.Errorf("local provider config: QUILL_LOCAL_REFRESH_MARGIN must not be negative")
	case c.OAuthCodeTTL <= 0:
		return fmt.Errorf("local provider config: QUILL_LOCAL_OAUTH_CODE_TTL must be positive")
	}
	return nil
}
