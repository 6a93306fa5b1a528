package authapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"quill/cmd/internal/auth/accesstoken"
)

// SessionCookie carries the access token for browser callers.
const SessionCookie = "quill_access"

// TokenVerifier checks access tokens minted by the identity provider. It lets
// a caller keep using a token issued earlier in the same session after the
// provider has refreshed it.
type TokenVerifier interface {
	Verify(token string, now time.Time) (accesstoken.Claims, error)
}

// credential returns the caller's access token from the Authorization header,
// falling back to the session cookie.
func credential(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		scheme, tok, ok := strings.Cut(v, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(tok)
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// authorize returns the signed-in user's id when r carries an access token of
// the current session.
func (h *Handler) authorize(r *http.Request) (string, bool) {
	st := h.store.Current()
	if !st.SignedIn() {
		return "", false
	}
	tok := credential(r)
	if tok == "" {
		return "", false
	}

	sess := st.Session
	if sess.AccessToken != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(sess.AccessToken)) == 1 {
		return sess.User.ID, true
	}
	if h.tokens == nil {
		return "", false
	}
	claims, err := h.tokens.Verify(tok, h.now())
	if err != nil || claims.UserID != sess.User.ID || claims.SessionID != sess.ID {
		return "", false
	}
	return sess.User.ID, true
}

// issueCredential hands the current access token to the caller that just
// signed in. It returns the token for the JSON body.
func (h *Handler) issueCredential(w http.ResponseWriter, r *http.Request) string {
	st := h.store.Current()
	if !st.SignedIn() || st.Session.AccessToken == "" {
		return ""
	}
	c := &http.Cookie{
		Name:     SessionCookie,
		Value:    st.Session.AccessToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil || h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if !st.Session.ExpiresAt.IsZero() {
		c.Expires = st.Session.ExpiresAt
	}
	http.SetCookie(w, c)
	return st.Session.AccessToken
}

func (h *Handler) clearCredential(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil || h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
