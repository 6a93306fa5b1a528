package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"quill/cmd/internal/auth/accesstoken"
	authapi "quill/cmd/internal/auth/api"
	"quill/cmd/internal/provider/local"
	"quill/cmd/internal/provider/remote"
	"quill/cmd/internal/realtime"
	"quill/cmd/security/password"

	"github.com/caarlos0/env/v11"
)

// Identity provider modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Config contains all runtime configuration loaded from QUILL_* environment variables.
type Config struct {
	// HTTPAddr binds loopback by default: the process serves a single session.
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogColor  bool   `env:"LOG_COLOR" envDefault:"false"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"true"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"DB_SCHEMA" envDefault:"quill"`
	DBMigrate   bool   `env:"DB_MIGRATE" envDefault:"true"`

	// ReadinessRequireDB makes /readyz fail unless Postgres is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	IDPMode string `env:"IDP_MODE" envDefault:"local"`

	LandingPath       string `env:"LANDING_PATH" envDefault:"/"`
	SignInPath        string `env:"SIGNIN_PATH" envDefault:"/auth"`
	SignUpRedirectURL string `env:"SIGNUP_REDIRECT_URL"`
	OAuthRedirectURL  string `env:"OAUTH_REDIRECT_URL"`

	API      authapi.Config
	WS       realtime.GatewayConfig
	Password password.Config
	Access   accesstoken.Config
	Local    local.Config
	Remote   remote.Config
}

// DefaultConfig returns the configuration of an empty environment.
func DefaultConfig() Config {
	var cfg Config
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	cfg.Password = password.DefaultConfig()
	return cfg
}

// LoadConfig loads Config from the environment and validates it.
func LoadConfig() (Config, error) {
	cfg := Config{Password: password.DefaultConfig()}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "QUILL_"}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field rules the struct tags cannot express.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.IDPMode)) {
	case ModeLocal, ModeRemote:
	default:
		return fmt.Errorf("config: QUILL_IDP_MODE must be %q or %q, got %q", ModeLocal, ModeRemote, c.IDPMode)
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		return errors.New("config: QUILL_DB_MIN_CONNS exceeds QUILL_DB_MAX_CONNS")
	}
	if !strings.HasPrefix(c.LandingPath, "/") || !strings.HasPrefix(c.SignInPath, "/") {
		return errors.New("config: landing and sign-in paths must start with /")
	}
	if err := c.Password.Check(); err != nil {
		return err
	}
	return nil
}

func (c Config) mode() string {
	return strings.ToLower(strings.TrimSpace(c.IDPMode))
}
