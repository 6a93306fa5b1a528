package remote

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"quill/cmd/internal/authstate"
	"quill/cmd/internal/provider"
	"quill/cmd/security/token"
)

// SignInWithOAuth builds the backend authorization URL for an authorization
// code grant with PKCE (S256). The verifier stays here, keyed by state.
func (c *Client) SignInWithOAuth(ctx context.Context, req authstate.OAuthRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	if name == "" {
		return "", provider.Reject(http.StatusBadRequest, provider.CodeValidation, "Missing OAuth provider")
	}

	state, err := token.NewOpaque(24)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("provider", name),
	}
	for k, v := range req.Params {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	conf := c.oauth
	conf.RedirectURL = req.RedirectTo

	now := c.now()
	c.mu.Lock()
	for s, g := range c.pending {
		if !now.Before(g.expires) {
			delete(c.pending, s)
		}
	}
	c.pending[state] = pkceGrant{verifier: verifier, redirectURL: req.RedirectTo, expires: now.Add(c.cfg.StateTTL)}
	c.mu.Unlock()

	c.log.Debug("remote.oauth.authorize", "provider", name)
	return conf.AuthCodeURL(state, opts...), nil
}

// ExchangeCode completes the PKCE round trip and publishes SIGNED_IN.
func (c *Client) ExchangeCode(ctx context.Context, code, state string) error {
	c.mu.Lock()
	g, ok := c.pending[state]
	delete(c.pending, state)
	c.mu.Unlock()

	if !ok || !c.now().Before(g.expires) {
		return provider.Reject(http.StatusBadRequest, provider.CodeBadOAuthState, "OAuth state mismatch or expired code")
	}

	conf := c.oauth
	conf.RedirectURL = g.redirectURL
	tok, err := conf.Exchange(c.oauthCtx(ctx), code, oauth2.VerifierOption(g.verifier))
	if err != nil {
		return fromOAuth(err)
	}

	sess, err := c.sessionFrom(ctx, tok, nil)
	if err != nil {
		return err
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.install(provider.EventSignedIn, sess)
	c.log.Info("remote.session.started", "user_id", sess.User.ID, "session_id", sess.ID, "via", "oauth")
	return nil
}
