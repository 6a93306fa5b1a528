// Package remote is an identity provider backed by an HTTP identity service.
//
// Password, refresh and authorization-code (PKCE) grants go through the
// backend's OAuth2 token endpoint. Account creation, sign-out, user lookup
// and username availability are plain JSON endpoints. Revocations and user
// updates arrive over the backend's websocket event stream.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"quill/cmd/internal/auth/accesstoken"
	"quill/cmd/internal/authstate"
	"quill/cmd/internal/provider"
	"quill/cmd/profile/ids"
	authv1 "quill/shared/contracts/authevents/v1"
)

const maxBodyBytes = 1 << 20

type pkceGrant struct {
	verifier    string
	redirectURL string
	expires     time.Time
}

// Client implements authstate.IdentityProvider, authstate.CodeExchanger and
// authstate.ProfileDirectory against a remote backend.
type Client struct {
	*provider.Bus

	log      *slog.Logger
	cfg      Config
	base     *url.URL
	http     *http.Client
	oauth    oauth2.Config
	verifier *accesstoken.Verifier
	now      func() time.Time

	// changed is poked whenever the current session id changes.
	changed chan struct{}

	emitMu sync.Mutex

	mu      sync.Mutex
	current *authstate.Session
	pending map[string]pkceGrant
}

var (
	_ authstate.IdentityProvider = (*Client)(nil)
	_ authstate.CodeExchanger    = (*Client)(nil)
	_ authstate.ProfileDirectory = (*Client)(nil)
)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client (tests, custom transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New constructs a Client.
func New(log *slog.Logger, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	base, _ := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))

	c := &Client{
		Bus:     provider.NewBus(log),
		log:     log,
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		now:     func() time.Time { return time.Now().UTC() },
		changed: make(chan struct{}, 1),
		pending: make(map[string]pkceGrant),
	}
	c.oauth = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.endpoint("/auth/authorize", nil),
			TokenURL:  c.endpoint("/auth/token", nil),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	for _, o := range opts {
		o(c)
	}

	if cfg.PublicKeyHex != "" {
		v, err := accesstoken.NewVerifier(cfg.PublicKeyHex, cfg.Issuer, cfg.ClockSkew)
		if err != nil {
			return nil, fmt.Errorf("remote provider config: %w", err)
		}
		c.verifier = v
	}
	return c, nil
}

// endpoint joins path onto the base URL. The query is encoded separately so
// '?' in a value never ends up escaped inside the path.
func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = q.Encode()
	return u.String()
}

// TokenVerifier returns the access-token verifier, or nil when no public key
// is configured.
func (c *Client) TokenVerifier() *accesstoken.Verifier { return c.verifier }

func (c *Client) oauthCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// ---- JSON endpoints ----

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field,omitempty"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("remote: %s %s: decode: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	pe := &authstate.ProviderError{Status: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		pe.Code = eb.Error.Code
		pe.Message = eb.Error.Message
		pe.Field = eb.Error.Field
	}
	if pe.Code == "" && resp.StatusCode >= 500 {
		pe.Code = provider.CodeUnavailable
	}
	return pe
}

// fromOAuth maps a token endpoint failure to a ProviderError.
func fromOAuth(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	pe := &authstate.ProviderError{Code: re.ErrorCode, Message: re.ErrorDescription}
	if re.Response != nil {
		pe.Status = re.Response.StatusCode
	}
	switch pe.Code {
	case "invalid_grant":
		pe.Code = provider.CodeInvalidCredentials
		if pe.Message == "" {
			pe.Message = "Invalid login credentials"
		}
	case "":
		pe.Code = provider.CodeUnavailable
	}
	return pe
}

type signupRequest struct {
	Email      string             `json:"email"`
	Password   string             `json:"password"`
	Data       authstate.Metadata `json:"data"`
	RedirectTo string             `json:"redirect_to,omitempty"`
}

// CreateAccount registers an account at the backend.
func (c *Client) CreateAccount(ctx context.Context, in authstate.NewAccount) error {
	return c.do(ctx, http.MethodPost, "/auth/signup", nil, "", signupRequest{
		Email:      in.Email,
		Password:   in.Password,
		Data:       in.Metadata,
		RedirectTo: in.RedirectTo,
	}, nil)
}

// UsernameExists asks the backend whether a profile holds username.
func (c *Client) UsernameExists(ctx context.Context, username string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	q := url.Values{"username": {strings.TrimSpace(username)}}
	if err := c.do(ctx, http.MethodGet, "/profiles/exists", q, "", nil, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

func (c *Client) fetchUser(ctx context.Context, accessToken string) (*authstate.Identity, error) {
	var u authv1.User
	if err := c.do(ctx, http.MethodGet, "/auth/user", nil, accessToken, nil, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, errors.New("remote: user response without id")
	}
	return identityOf(u), nil
}

func identityOf(u authv1.User) *authstate.Identity {
	return &authstate.Identity{
		ID:    u.ID,
		Email: u.Email,
		Metadata: authstate.Metadata{
			Username: u.Metadata.Username,
			FullName: u.Metadata.FullName,
		},
	}
}

// UpdateFullName changes the signed-in user's display name and publishes USER_UPDATED.
func (c *Client) UpdateFullName(ctx context.Context, fullName string) error {
	cur := c.snapshot()
	if cur == nil {
		return provider.Reject(http.StatusUnauthorized, provider.CodeSessionNotFound, "Auth session missing!")
	}

	var u authv1.User
	body := map[string]any{"data": authstate.Metadata{FullName: strings.TrimSpace(fullName)}}
	if err := c.do(ctx, http.MethodPut, "/auth/user", nil, cur.AccessToken, body, &u); err != nil {
		return err
	}
	c.applyUser(cur.ID, identityOf(u))
	return nil
}

// ---- sessions ----

// sessionFrom builds a session from a token response, verifying the access
// token when a public key is configured.
func (c *Client) sessionFrom(ctx context.Context, tok *oauth2.Token, prev *authstate.Session) (*authstate.Session, error) {
	if tok.AccessToken == "" {
		return nil, errors.New("remote: token response without access token")
	}

	sid, _ := tok.Extra("session_id").(string)
	if c.verifier != nil {
		claims, err := c.verifier.Verify(tok.AccessToken, c.now())
		if err != nil {
			return nil, provider.Reject(http.StatusUnauthorized, "invalid_token", "Access token rejected")
		}
		sid = claims.SessionID
	}
	if sid == "" && prev != nil {
		sid = prev.ID
	}
	if sid == "" {
		sid = ids.Make(c.now())
	}

	refresh := tok.RefreshToken
	if refresh == "" && prev != nil {
		refresh = prev.RefreshToken
	}

	user, err := c.fetchUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	exp := tok.Expiry
	if exp.IsZero() {
		exp = c.now().Add(time.Hour)
	}
	return &authstate.Session{
		ID:           sid,
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    exp,
		User:         user,
	}, nil
}

func (c *Client) snapshot() *authstate.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// install replaces the current session and publishes name. Caller holds emitMu.
func (c *Client) install(name string, sess *authstate.Session) {
	c.mu.Lock()
	prev := c.current
	c.current = sess
	c.mu.Unlock()

	if sessionID(prev) != sessionID(sess) {
		select {
		case c.changed <- struct{}{}:
		default:
		}
	}
	c.Publish(name, sess)
}

func sessionID(s *authstate.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}

// SignInWithPassword runs the password grant.
func (c *Client) SignInWithPassword(ctx context.Context, email, pw string) (*authstate.Session, error) {
	tok, err := c.oauth.PasswordCredentialsToken(c.oauthCtx(ctx), strings.TrimSpace(email), pw)
	if err != nil {
		return nil, fromOAuth(err)
	}

	sess, err := c.sessionFrom(ctx, tok, nil)
	if err != nil {
		return nil, err
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.install(provider.EventSignedIn, sess)
	c.log.Info("remote.session.started", "user_id", sess.User.ID, "session_id", sess.ID)
	return sess, nil
}

// SignOut ends the session locally and at the backend. The local session is
// cleared and SIGNED_OUT published even when the backend call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	cur := c.snapshot()
	var err error
	if cur != nil {
		err = c.do(ctx, http.MethodPost, "/auth/logout", nil, cur.AccessToken, nil, nil)
	}
	c.install(provider.EventSignedOut, nil)
	return err
}

// CurrentSession returns the current session, refreshing it first when it is
// within the refresh margin of expiry.
func (c *Client) CurrentSession(ctx context.Context) (*authstate.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur := c.snapshot()
	if cur == nil || c.now().Before(cur.ExpiresAt.Add(-c.cfg.RefreshMargin)) {
		return cur, nil
	}
	return c.Refresh(ctx)
}

// Refresh runs the refresh grant and publishes TOKEN_REFRESHED. A rejected
// refresh token ends the session with SIGNED_OUT.
func (c *Client) Refresh(ctx context.Context) (*authstate.Session, error) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	cur := c.snapshot()
	if cur == nil {
		return nil, nil
	}

	src := c.oauth.TokenSource(c.oauthCtx(ctx), &oauth2.Token{RefreshToken: cur.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		err = fromOAuth(err)
		var pe *authstate.ProviderError
		if errors.As(err, &pe) && pe.Status >= 400 && pe.Status < 500 {
			c.log.Warn("remote.session.refresh_rejected", "session_id", cur.ID, "code", pe.Code)
			c.install(provider.EventSignedOut, nil)
		}
		return nil, err
	}

	sess, err := c.sessionFrom(ctx, tok, cur)
	if err != nil {
		return nil, err
	}
	c.install(provider.EventTokenRefreshed, sess)
	c.log.Debug("remote.session.refreshed", "session_id", sess.ID)
	return sess, nil
}

// applyUser swaps the user on the current session if it is still sid.
func (c *Client) applyUser(sid string, user *authstate.Identity) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	cur := c.snapshot()
	if cur == nil || cur.ID != sid {
		return
	}
	next := *cur
	next.User = user
	c.install(provider.EventUserUpdated, &next)
}

// revoke ends the current session if it is still sid.
func (c *Client) revoke(sid, reason string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	cur := c.snapshot()
	if cur == nil || (sid != "" && cur.ID != sid) {
		return
	}
	c.log.Info("remote.session.revoked", "session_id", cur.ID, "reason", reason)
	c.install(provider.EventSignedOut, nil)
}
