// Package local is an in-process identity provider: accounts, password
// sign-in, simulated OAuth and rotating sessions, all held in memory.
// Usernames are reserved through the profile store, whose uniqueness
// constraint is authoritative.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"quill/cmd/internal/auth/accesstoken"
	"quill/cmd/internal/authstate"
	"quill/cmd/internal/provider"
	"quill/cmd/profile"
	"quill/cmd/profile/ids"
	"quill/cmd/security/password"
	"quill/cmd/security/token"
)

// ConfirmationSink receives the one-time token for a new unconfirmed account.
type ConfirmationSink func(email, confirmToken, redirectTo string)

// logConfirmationSink records issuance without the token. The link itself is
// only logged, at debug, when DevLogConfirmLinks is set.
func logConfirmationSink(log *slog.Logger, cfg Config) ConfirmationSink {
	return func(email, confirmToken, redirectTo string) {
		log.Info("local.confirmation.issued", "email", email, "redirect_to", redirectTo)
		if cfg.DevLogConfirmLinks {
			log.Debug("local.confirmation.link", "email", email, "url", ConfirmLink(cfg.ConfirmURL, confirmToken))
		}
	}
}

// ConfirmLink appends the token to base as the "token" query parameter.
func ConfirmLink(base, confirmToken string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("token", confirmToken)
	u.RawQuery = q.Encode()
	return u.String()
}

// Options carries the provider's collaborators. Profiles and Tokens are required.
type Options struct {
	Log       *slog.Logger
	Passwords password.Config
	Tokens    *accesstoken.Manager
	Profiles  profile.Store
	Confirm   ConfirmationSink
	Now       func() time.Time
}

type account struct {
	id        string
	email     string
	hash      string
	meta      authstate.Metadata
	confirmed bool
	createdAt time.Time
}

func (a *account) identity() *authstate.Identity {
	return &authstate.Identity{ID: a.id, Email: a.email, Metadata: a.meta}
}

type sessionRecord struct {
	userID      string
	refreshHash string
	refreshExp  time.Time
}

type oauthGrant struct {
	provider  string
	stateHash string
	expires   time.Time
}

// Provider implements authstate.IdentityProvider and authstate.CodeExchanger.
//
// It models a single client: at most one current session at a time.
// Every state change and the event it publishes happen under emitMu, so
// subscribers observe events in the order the changes were made.
type Provider struct {
	*provider.Bus

	log      *slog.Logger
	cfg      Config
	pw       password.Config
	tokens   *accesstoken.Manager
	hasher   token.Hasher
	profiles profile.Store
	confirm  ConfirmationSink
	now      func() time.Time

	dummyHash string

	emitMu sync.Mutex

	mu       sync.Mutex
	accounts map[string]*account
	byEmail  map[string]string
	sessions map[string]*sessionRecord
	current  *authstate.Session
	confirms map[string]string
	grants   map[string]oauthGrant
}

var (
	_ authstate.IdentityProvider = (*Provider)(nil)
	_ authstate.CodeExchanger    = (*Provider)(nil)
)

// New constructs a Provider.
func New(cfg Config, o Options) (*Provider, error) {
	if o.Profiles == nil {
		return nil, errors.New("local: nil profile store")
	}
	if o.Tokens == nil {
		return nil, errors.New("local: nil access token manager")
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Passwords == (password.Config{}) {
		o.Passwords = password.DefaultConfig()
	}
	if o.Confirm == nil {
		o.Confirm = logConfirmationSink(o.Log, cfg)
	}

	hasher, err := token.NewHasher(cfg.TokenHMACKey, cfg.RequireTokenHMAC)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		Bus:      provider.NewBus(o.Log),
		log:      o.Log,
		cfg:      cfg,
		pw:       o.Passwords,
		tokens:   o.Tokens,
		hasher:   hasher,
		profiles: o.Profiles,
		confirm:  o.Confirm,
		now:      o.Now,
		accounts: make(map[string]*account),
		byEmail:  make(map[string]string),
		sessions: make(map[string]*sessionRecord),
		confirms: make(map[string]string),
		grants:   make(map[string]oauthGrant),
	}

	// Unknown emails still pay for one hash verification.
	if filler, err := token.NewOpaque(18); err == nil {
		p.dummyHash, _ = p.pw.Hash(filler)
	}
	return p, nil
}

func normalizeEmail(s string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil || addr.Name != "" {
		return "", errors.New("invalid email")
	}
	return strings.ToLower(addr.Address), nil
}

// CreateAccount registers an account and reserves its username.
func (p *Provider) CreateAccount(ctx context.Context, in authstate.NewAccount) error {
	const op = "local.CreateAccount"

	if err := ctx.Err(); err != nil {
		return err
	}

	email, err := normalizeEmail(in.Email)
	if err != nil {
		return provider.Reject(http.StatusUnprocessableEntity, provider.CodeValidation, "Unable to validate email address: invalid format")
	}

	hash, err := p.pw.Hash(in.Password)
	if err != nil {
		return p.passwordRejection(op, err)
	}

	now := p.now()
	id := ids.Make(now)

	p.mu.Lock()
	if _, taken := p.byEmail[email]; taken {
		p.mu.Unlock()
		return provider.Reject(http.StatusUnprocessableEntity, provider.CodeEmailExists, "User already registered")
	}
	// Hold the email while the username is reserved.
	p.byEmail[email] = id
	p.mu.Unlock()

	var fullName *string
	if fn := strings.TrimSpace(in.Metadata.FullName); fn != "" {
		fullName = &fn
	}

	_, err = p.profiles.Create(ctx, profile.CreateInput{ID: id, Username: in.Metadata.Username, FullName: fullName, Now: now})
	if err != nil {
		p.mu.Lock()
		delete(p.byEmail, email)
		p.mu.Unlock()

		var oe profile.OpError
		switch {
		case profile.IsUsernameConflict(err):
			return fmt.Errorf("%s: reserve username: %w", op, err)
		case errors.As(err, &oe) && profile.IsInvalidInput(err):
			return provider.Reject(http.StatusUnprocessableEntity, provider.CodeValidation, oe.Msg)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	acct := &account{
		id:        id,
		email:     email,
		hash:      hash,
		meta:      authstate.Metadata{Username: strings.TrimSpace(in.Metadata.Username), FullName: strings.TrimSpace(in.Metadata.FullName)},
		confirmed: !p.cfg.RequireConfirmation,
		createdAt: now,
	}

	var confirmTok string
	if !acct.confirmed {
		confirmTok, err = token.NewOpaque(32)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	p.mu.Lock()
	p.accounts[id] = acct
	if confirmTok != "" {
		p.confirms[p.hasher.Hex(confirmTok)] = id
	}
	p.mu.Unlock()

	p.log.Info("local.account.created", "user_id", id, "confirmed", acct.confirmed)
	if confirmTok != "" {
		p.confirm(email, confirmTok, in.RedirectTo)
	}
	return nil
}

func (p *Provider) passwordRejection(op string, err error) error {
	switch {
	case errors.Is(err, password.ErrPasswordTooShort):
		return provider.Reject(http.StatusUnprocessableEntity, provider.CodeWeakPassword,
			fmt.Sprintf("Password should be at least %d characters.", p.pw.Policy.MinLength))
	case errors.Is(err, password.ErrPasswordTooLong):
		return provider.Reject(http.StatusUnprocessableEntity, provider.CodeWeakPassword, "Password is too long.")
	case errors.Is(err, password.ErrWeakPassword):
		return provider.Reject(http.StatusUnprocessableEntity, provider.CodeWeakPassword, "Password is too weak.")
	default:
		return fmt.Errorf("%s: hash: %w", op, err)
	}
}

// ConfirmEmail consumes a confirmation token and activates its account.
func (p *Provider) ConfirmEmail(ctx context.Context, confirmToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.hasher.Hex(strings.TrimSpace(confirmToken))
	id, ok := p.confirms[h]
	acct := p.accounts[id]
	if !ok || acct == nil {
		return provider.Reject(http.StatusForbidden, provider.CodeOTPExpired, "Email link is invalid or has expired")
	}
	delete(p.confirms, h)
	acct.confirmed = true

	p.log.Info("local.account.confirmed", "user_id", id)
	return nil
}

// SignInWithPassword verifies credentials and starts a session.
func (p *Provider) SignInWithPassword(ctx context.Context, email, pw string) (*authstate.Session, error) {
	const op = "local.SignInWithPassword"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	norm, err := normalizeEmail(email)
	if err != nil {
		return nil, provider.InvalidCredentials()
	}

	p.mu.Lock()
	acct := p.accounts[p.byEmail[norm]]
	var hash string
	if acct != nil {
		hash = acct.hash
	}
	p.mu.Unlock()

	if acct == nil {
		_, _ = p.pw.Verify(p.dummyHash, pw)
		return nil, provider.InvalidCredentials()
	}

	ok, err := p.pw.Verify(hash, pw)
	if err != nil {
		// OAuth-only accounts carry no password hash.
		p.log.Debug("local.signin.unverifiable", "user_id", acct.id, "err", err)
		return nil, provider.InvalidCredentials()
	}
	if !ok {
		return nil, provider.InvalidCredentials()
	}

	p.mu.Lock()
	confirmed := acct.confirmed
	p.mu.Unlock()
	if !confirmed {
		return nil, provider.Reject(http.StatusBadRequest, provider.CodeEmailNotConfirmed, "Email not confirmed")
	}

	if p.pw.NeedsRehash(hash) {
		if h, err := p.pw.Hash(pw); err == nil {
			p.mu.Lock()
			if acct.hash == hash {
				acct.hash = h
			}
			p.mu.Unlock()
		}
	}

	sess, err := p.startSession(acct)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sess, nil
}

// startSession replaces the current session with a fresh one and publishes SIGNED_IN.
func (p *Provider) startSession(acct *account) (*authstate.Session, error) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	now := p.now()
	sid := ids.Make(now)

	access, exp, err := p.tokens.Issue(acct.id, sid, acct.email, now)
	if err != nil {
		return nil, err
	}
	refresh, err := token.NewOpaque(32)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	sess := &authstate.Session{
		ID:           sid,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    exp,
		User:         acct.identity(),
	}
	if p.current != nil {
		delete(p.sessions, p.current.ID)
	}
	p.sessions[sid] = &sessionRecord{
		userID:      acct.id,
		refreshHash: p.hasher.Hex(refresh),
		refreshExp:  now.Add(p.cfg.RefreshTTL),
	}
	p.current = sess
	p.mu.Unlock()

	p.log.Info("local.session.started", "user_id", acct.id, "session_id", sid)
	p.Publish(provider.EventSignedIn, sess)
	return sess, nil
}

// SignOut ends the current session and publishes SIGNED_OUT.
func (p *Provider) SignOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	cur := p.current
	p.current = nil
	if cur != nil {
		delete(p.sessions, cur.ID)
	}
	p.mu.Unlock()

	if cur != nil {
		p.log.Info("local.session.ended", "session_id", cur.ID)
	}
	p.Publish(provider.EventSignedOut, nil)
	return nil
}

// CurrentSession returns the current session, refreshing it first when the
// access token is within the refresh margin of expiry.
func (p *Provider) CurrentSession(ctx context.Context) (*authstate.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()

	if cur == nil || p.now().Before(cur.ExpiresAt.Add(-p.cfg.RefreshMargin)) {
		return cur, nil
	}
	return p.Refresh(ctx)
}

// Refresh rotates the current session's tokens and publishes TOKEN_REFRESHED.
// A session whose refresh token is gone or expired is ended with SIGNED_OUT.
func (p *Provider) Refresh(ctx context.Context) (*authstate.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	now := p.now()

	p.mu.Lock()
	cur := p.current
	if cur == nil {
		p.mu.Unlock()
		return nil, nil
	}
	rec := p.sessions[cur.ID]
	var acct *account
	if rec != nil {
		acct = p.accounts[rec.userID]
	}
	if rec == nil || acct == nil || !now.Before(rec.refreshExp) || !p.hasher.Matches(rec.refreshHash, cur.RefreshToken) {
		p.current = nil
		delete(p.sessions, cur.ID)
		p.mu.Unlock()

		p.log.Warn("local.session.refresh_rejected", "session_id", cur.ID)
		p.Publish(provider.EventSignedOut, nil)
		return nil, provider.Reject(http.StatusUnauthorized, provider.CodeRefreshRejected, "Invalid Refresh Token")
	}

	access, exp, err := p.tokens.Issue(acct.id, cur.ID, acct.email, now)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	refresh, err := token.NewOpaque(32)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	rec.refreshHash = p.hasher.Hex(refresh)
	sess := &authstate.Session{
		ID:           cur.ID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    exp,
		User:         acct.identity(),
	}
	p.current = sess
	p.mu.Unlock()

	p.log.Debug("local.session.refreshed", "session_id", sess.ID)
	p.Publish(provider.EventTokenRefreshed, sess)
	return sess, nil
}

// UpdateFullName changes the signed-in user's display name and publishes USER_UPDATED.
func (p *Provider) UpdateFullName(ctx context.Context, fullName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	cur := p.current
	if cur == nil || cur.User == nil {
		p.mu.Unlock()
		return provider.Reject(http.StatusUnauthorized, provider.CodeSessionNotFound, "Auth session missing!")
	}
	acct := p.accounts[cur.User.ID]
	if acct == nil {
		p.mu.Unlock()
		return provider.Reject(http.StatusNotFound, provider.CodeSessionNotFound, "User not found")
	}
	acct.meta.FullName = strings.TrimSpace(fullName)
	next := *cur
	next.User = acct.identity()
	p.current = &next
	p.mu.Unlock()

	p.Publish(provider.EventUserUpdated, &next)
	return nil
}

// RevokeAll ends every session of userID. If the current session is among
// them, SIGNED_OUT is published.
func (p *Provider) RevokeAll(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	n := 0
	for sid, rec := range p.sessions {
		if rec.userID == userID {
			delete(p.sessions, sid)
			n++
		}
	}
	hit := p.current != nil && p.current.User != nil && p.current.User.ID == userID
	if hit {
		p.current = nil
	}
	p.mu.Unlock()

	p.log.Info("local.session.revoked", "user_id", userID, "sessions", n)
	if hit {
		p.Publish(provider.EventSignedOut, nil)
	}
	return n, nil
}

// Run refreshes the current session ahead of expiry until ctx is done.
func (p *Provider) Run(ctx context.Context) error {
	every := p.cfg.RefreshMargin / 2
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := p.CurrentSession(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("local.session.auto_refresh_failed", "err", err)
			}
		}
	}
}
