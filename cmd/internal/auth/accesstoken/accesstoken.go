// Package accesstoken issues and verifies the short-lived PASETO v4.public
// access tokens carried by quill sessions.
package accesstoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/caarlos0/env/v11"
)

var (
	ErrConfig       = errors.New("access token config invalid")
	ErrInvalidToken = errors.New("access token invalid")
)

// Claims is the identity envelope carried by an access token.
type Claims struct {
	UserID    string
	SessionID string
	Email     string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Config controls issuing and verification.
type Config struct {
	Issuer    string        `env:"ACCESS_ISSUER" envDefault:"quill"`
	TTL       time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	ClockSkew time.Duration `env:"ACCESS_CLOCK_SKEW" envDefault:"30s"`

	// SecretKeyHex signs tokens; blank means an ephemeral key is generated.
	SecretKeyHex string `env:"PASETO_V4_SECRET_KEY_HEX"`
	// PublicKeyHex verifies tokens minted elsewhere.
	PublicKeyHex string `env:"PASETO_V4_PUBLIC_KEY_HEX"`
}

// LoadConfig reads QUILL_ACCESS_* and QUILL_PASETO_V4_* from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "QUILL_"}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if cfg.TTL <= 0 || cfg.ClockSkew < 0 || strings.TrimSpace(cfg.Issuer) == "" {
		return Config{}, ErrConfig
	}
	return cfg, nil
}

// Verifier checks tokens signed by the matching secret key.
type Verifier struct {
	issuer string
	skew   time.Duration
	public paseto.V4AsymmetricPublicKey
}

// NewVerifier builds a Verifier from a hex-encoded Ed25519 public key.
func NewVerifier(publicKeyHex, issuer string, skew time.Duration) (*Verifier, error) {
	pub, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	return &Verifier{issuer: issuer, skew: skew, public: pub}, nil
}

// Verify parses token and enforces issuer and expiry at now.
func (v *Verifier) Verify(token string, now time.Time) (Claims, error) {
	// Validating slightly in the future tolerates "nbf" drift and makes expiry a bit stricter.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(now.Add(v.skew)))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Claims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return Claims{}, ErrInvalidToken
	}
	email, _ := parsed.GetString("email")
	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()
	exp, _ := parsed.GetExpiration()

	return Claims{UserID: uid, SessionID: sid, Email: email, Issuer: iss, IssuedAt: iat, ExpiresAt: exp}, nil
}

// Manager issues tokens and verifies its own.
type Manager struct {
	*Verifier
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewManager builds a Manager. A blank SecretKeyHex generates a fresh key,
// so tokens do not survive a restart.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, ErrConfig
	}

	var secret paseto.V4AsymmetricSecretKey
	if hex := strings.TrimSpace(cfg.SecretKeyHex); hex != "" {
		k, err := paseto.NewV4AsymmetricSecretKeyFromHex(hex)
		if err != nil {
			return nil, ErrConfig
		}
		secret = k
	} else {
		secret = paseto.NewV4AsymmetricSecretKey()
	}

	return &Manager{
		Verifier: &Verifier{issuer: cfg.Issuer, skew: cfg.ClockSkew, public: secret.Public()},
		ttl:      cfg.TTL,
		secret:   secret,
	}, nil
}

// PublicKeyHex exports the verification key.
func (m *Manager) PublicKeyHex() string { return m.public.ExportHex() }

// Issue signs a token for the given user and session, valid from now for the configured TTL.
func (m *Manager) Issue(userID, sessionID, email string, now time.Time) (string, time.Time, error) {
	if userID == "" || sessionID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetString("uid", userID)
	tok.SetString("sid", sessionID)
	if email != "" {
		tok.SetString("email", email)
	}

	return tok.V4Sign(m.secret, nil), exp, nil
}
