package local

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"quill/cmd/internal/authstate"
	"quill/cmd/internal/provider"
	"quill/cmd/profile"
	"quill/cmd/profile/ids"
	"quill/cmd/security/token"
)

// SignInWithOAuth simulates an immediate consent: the returned URL is the
// callback itself, carrying a one-time code and state.
func (p *Provider) SignInWithOAuth(ctx context.Context, req authstate.OAuthRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := strings.ToLower(strings.TrimSpace(req.Provider))
	if !slices.Contains(p.cfg.OAuthProviders, name) {
		return "", provider.Reject(http.StatusBadRequest, provider.CodeProviderDisabled, "Unsupported provider: provider is not enabled")
	}

	target := req.RedirectTo
	if target == "" {
		target = p.cfg.OAuthCallbackURL
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", provider.Reject(http.StatusBadRequest, provider.CodeValidation, "Invalid redirect URL")
	}

	code, err := token.NewOpaque(24)
	if err != nil {
		return "", err
	}
	state, err := token.NewOpaque(24)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.grants[p.hasher.Hex(code)] = oauthGrant{
		provider:  name,
		stateHash: p.hasher.Hex(state),
		expires:   p.now().Add(p.cfg.OAuthCodeTTL),
	}
	p.mu.Unlock()

	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()

	p.log.Debug("local.oauth.authorized", "provider", name, "params", len(req.Params))
	return u.String(), nil
}

// ExchangeCode redeems a code from SignInWithOAuth. Codes are single use.
// The sign-in is reported as a SIGNED_IN event.
func (p *Provider) ExchangeCode(ctx context.Context, code, state string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h := p.hasher.Hex(code)

	p.mu.Lock()
	g, ok := p.grants[h]
	delete(p.grants, h)
	p.mu.Unlock()

	if !ok || !p.hasher.Matches(g.stateHash, state) || !p.now().Before(g.expires) {
		return provider.Reject(http.StatusBadRequest, provider.CodeBadOAuthState, "OAuth state mismatch or expired code")
	}

	acct, err := p.oauthAccount(ctx, g.provider)
	if err != nil {
		return err
	}
	_, err = p.startSession(acct)
	return err
}

const oauthUsernameAttempts = 5

// oauthAccount returns the account linked to the configured OAuth identity,
// creating it on first use with a username derived from the email.
func (p *Provider) oauthAccount(ctx context.Context, providerName string) (*account, error) {
	const op = "local.oauthAccount"

	email, err := normalizeEmail(p.cfg.OAuthEmail)
	if err != nil {
		return nil, fmt.Errorf("%s: bad QUILL_LOCAL_OAUTH_EMAIL: %w", op, err)
	}

	p.mu.Lock()
	if reserved, ok := p.byEmail[email]; ok {
		acct := p.accounts[reserved]
		p.mu.Unlock()
		if acct == nil {
			return nil, errEmailBusy()
		}
		return acct, nil
	}
	p.mu.Unlock()

	now := p.now()
	id := ids.Make(now)
	base := usernameFromEmail(email)

	var username string
	for i := 1; i <= oauthUsernameAttempts; i++ {
		candidate := base
		if i > 1 {
			candidate = base + "-" + strconv.Itoa(i)
		}
		_, err := p.profiles.Create(ctx, profile.CreateInput{ID: id, Username: candidate, Now: now})
		if err == nil {
			username = candidate
			break
		}
		if !profile.IsUsernameConflict(err) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if username == "" {
		return nil, fmt.Errorf("%s: no free username for %q", op, base)
	}

	acct := &account{
		id:        id,
		email:     email,
		meta:      authstate.Metadata{Username: username},
		confirmed: true,
		createdAt: now,
	}

	p.mu.Lock()
	if reserved, ok := p.byEmail[email]; ok {
		existing := p.accounts[reserved]
		p.mu.Unlock()
		_ = p.profiles.Delete(ctx, id)
		if existing == nil {
			return nil, errEmailBusy()
		}
		return existing, nil
	}
	p.accounts[id] = acct
	p.byEmail[email] = id
	p.mu.Unlock()

	p.log.Info("local.account.linked", "user_id", id, "provider", providerName)
	return acct, nil
}

// errEmailBusy reports an email held by a sign-up that has not finished yet.
func errEmailBusy() error {
	return provider.Reject(http.StatusConflict, provider.CodeConflict, "Account is being created, please retry")
}

func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		}
	}
	s := b.String()
	for len(s) < 3 {
		s += "0"
	}
	if len(s) > 24 {
		s = s[:24]
	}
	return s
}
