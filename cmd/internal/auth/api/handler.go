// Package authapi exposes the auth lifecycle over HTTP: state, sign up,
// sign in, OAuth start and callback, sign out, and the signed-in profile.
package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quill/cmd/internal/authstate"
	"quill/cmd/profile"
)

// Operations is the caller-initiated half of the lifecycle.
type Operations interface {
	SignUp(ctx context.Context, in authstate.SignUpInput) (authstate.SignUpOutcome, error)
	SignIn(ctx context.Context, email, password string) error
	SignInWithOAuth(ctx context.Context, provider string) (string, error)
	SignOut(ctx context.Context) error
}

// UserUpdater pushes profile edits back to the identity provider.
type UserUpdater interface {
	UpdateFullName(ctx context.Context, fullName string) error
}

// Confirmer completes email confirmation for a new account.
type Confirmer interface {
	ConfirmEmail(ctx context.Context, confirmToken string) error
}

// Deps wires a Handler. Ops and Store are required.
type Deps struct {
	Log       *slog.Logger
	Config    Config
	Ops       Operations
	Store     *authstate.Store
	Exchanger authstate.CodeExchanger
	Confirmer Confirmer
	Tokens    TokenVerifier
	Profiles  profile.Store
	Users     UserUpdater
	Audit     AuditLog
	Paths     authstate.Paths
	Now       func() time.Time
}

// Handler serves the auth HTTP API.
type Handler struct {
	log       *slog.Logger
	cfg       Config
	ops       Operations
	store     *authstate.Store
	exchanger authstate.CodeExchanger
	confirmer Confirmer
	tokens    TokenVerifier
	profiles  profile.Store
	users     UserUpdater
	auditLog  AuditLog
	paths     authstate.Paths
	now       func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(d Deps) (*Handler, error) {
	if d.Ops == nil || d.Store == nil {
		return nil, errors.New("authapi: nil operations or store")
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Paths.Landing == "" || d.Paths.SignIn == "" {
		def := authstate.DefaultPaths()
		if d.Paths.Landing == "" {
			d.Paths.Landing = def.Landing
		}
		if d.Paths.SignIn == "" {
			d.Paths.SignIn = def.SignIn
		}
	}

	return &Handler{
		log:       d.Log,
		cfg:       d.Config.normalized(),
		ops:       d.Ops,
		store:     d.Store,
		exchanger: d.Exchanger,
		confirmer: d.Confirmer,
		tokens:    d.Tokens,
		profiles:  d.Profiles,
		users:     d.Users,
		auditLog:  d.Audit,
		paths:     d.Paths,
		now:       d.Now,
	}, nil
}

// Register wires auth routes onto mux. Profile reads and edits, and sign-out
// of a live session, require the session's access token.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /auth/state", h.handleState)
	mux.HandleFunc("POST /auth/signup", h.handleSignUp)
	mux.HandleFunc("POST /auth/signin", h.handleSignIn)
	mux.HandleFunc("POST /auth/oauth", h.handleOAuth)
	mux.HandleFunc("GET /auth/callback", h.handleCallback)
	mux.HandleFunc("GET /auth/confirm", h.handleConfirm)
	mux.HandleFunc("POST /auth/signout", h.handleSignOut)
	mux.HandleFunc("GET /profile", h.handleProfileGet)
	mux.HandleFunc("PATCH /profile", h.handleProfilePatch)
}

// ---- handlers ----

func (h *Handler) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toStateResponse(h.store.Current()))
}

func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	if h.throttled(w, r, "signup") {
		return
	}

	out, err := h.ops.SignUp(ctx, authstate.SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		Username: req.Username,
		FullName: req.FullName,
	})
	if err != nil {
		h.audit(ctx, actionSignUpFailed, "", ip, r.UserAgent(), map[string]any{"code": authstate.Code(err)})
		writeOpError(w, err)
		return
	}

	h.audit(ctx, actionSignUpOK, h.userID(), ip, r.UserAgent(), map[string]any{"outcome": out.String()})
	resp := signUpResponse{Outcome: out.String()}
	if out == authstate.OutcomeSignedIn {
		resp.AccessToken = h.issueCredential(w, r)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	if h.throttled(w, r, "signin") {
		return
	}

	if err := h.ops.SignIn(ctx, req.Email, req.Password); err != nil {
		h.audit(ctx, actionSignInFailed, "", ip, r.UserAgent(), map[string]any{"code": authstate.Code(err)})
		writeOpError(w, err)
		return
	}

	h.audit(ctx, actionSignInOK, h.userID(), ip, r.UserAgent(), nil)
	resp := signInResponse{stateResponse: toStateResponse(h.store.Current())}
	resp.AccessToken = h.issueCredential(w, r)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleOAuth(w http.ResponseWriter, r *http.Request) {
	var req oauthRequest
	if r.ContentLength != 0 && !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	u, err := h.ops.SignInWithOAuth(r.Context(), req.Provider)
	if err != nil {
		writeOpError(w, err)
		return
	}
	h.audit(r.Context(), actionOAuthStart, "", clientIP(r, h.cfg.TrustProxy), r.UserAgent(), map[string]any{"provider": req.Provider})
	writeJSON(w, http.StatusOK, oauthResponse{URL: u})
}

// handleCallback completes an OAuth round trip. The sign-in itself reaches
// the store as a SIGNED_IN push; this only redirects.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if h.exchanger == nil {
		writeError(w, http.StatusNotImplemented, "oauth_unavailable", "OAuth callback not supported by this provider")
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.log.Warn("auth.oauth.callback.denied", "error", e, "description", q.Get("error_description"))
		h.redirect(w, r, h.paths.SignIn, e)
		return
	}

	code, state := strings.TrimSpace(q.Get("code")), strings.TrimSpace(q.Get("state"))
	if code == "" || state == "" {
		h.redirect(w, r, h.paths.SignIn, "invalid_request")
		return
	}

	if err := h.exchanger.ExchangeCode(r.Context(), code, state); err != nil {
		h.log.Warn("auth.oauth.callback.exchange_failed", "err", err)
		var pe *authstate.ProviderError
		reason := "exchange_failed"
		if errors.As(err, &pe) && pe.Code != "" {
			reason = pe.Code
		}
		h.redirect(w, r, h.paths.SignIn, reason)
		return
	}

	h.audit(r.Context(), actionOAuthDone, h.userID(), clientIP(r, h.cfg.TrustProxy), r.UserAgent(), nil)
	h.issueCredential(w, r)
	h.redirect(w, r, h.paths.Landing, "")
}

// handleConfirm consumes an email confirmation link and sends the browser to
// the sign-in screen.
func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if h.confirmer == nil {
		writeError(w, http.StatusNotImplemented, "confirmation_unavailable", "email confirmation not supported by this provider")
		return
	}
	if h.throttled(w, r, "confirm") {
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	tok := strings.TrimSpace(r.URL.Query().Get("token"))
	if tok == "" {
		h.redirect(w, r, h.paths.SignIn, "invalid_request")
		return
	}

	if err := h.confirmer.ConfirmEmail(ctx, tok); err != nil {
		h.audit(ctx, actionConfirmFailed, "", ip, r.UserAgent(), nil)
		reason := "confirmation_failed"
		var pe *authstate.ProviderError
		if errors.As(err, &pe) && pe.Code != "" {
			reason = pe.Code
		}
		h.log.Warn("auth.confirm.failed", "reason", reason)
		h.redirect(w, r, h.paths.SignIn, reason)
		return
	}

	h.audit(ctx, actionConfirmOK, "", ip, r.UserAgent(), nil)
	http.Redirect(w, r, h.paths.SignIn+"?confirmed=1", http.StatusSeeOther)
}

// handleSignOut is idempotent once signed out; a live session is only ended
// by a caller holding its token.
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	uid := ""
	if h.store.Current().SignedIn() {
		var ok bool
		if uid, ok = h.authorize(r); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "sign in required")
			return
		}
	}
	if err := h.ops.SignOut(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	h.audit(r.Context(), actionSignOut, uid, clientIP(r, h.cfg.TrustProxy), r.UserAgent(), nil)
	h.clearCredential(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	p, err := h.profiles.GetByID(r.Context(), uid)
	if err != nil {
		writeProfileError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(p))
}

func (h *Handler) handleProfilePatch(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req profilePatchRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	p, err := h.profiles.UpdateFullName(r.Context(), uid, req.FullName, h.now())
	if err != nil {
		writeProfileError(w, h.log, err)
		return
	}

	if h.users != nil {
		name := ""
		if p.FullName != nil {
			name = *p.FullName
		}
		if err := h.users.UpdateFullName(r.Context(), name); err != nil {
			// The profile row is authoritative; the session copy catches up on the next refresh.
			h.log.Warn("auth.profile.provider_sync_failed", "user_id", uid, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, toProfileResponse(p))
}

// ---- helpers ----

func (h *Handler) userID() string {
	if u := h.store.Current().User; u != nil {
		return u.ID
	}
	return ""
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.profiles == nil {
		writeError(w, http.StatusServiceUnavailable, "profiles_unavailable", "profile store not configured")
		return "", false
	}
	uid, ok := h.authorize(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "sign in required")
		return "", false
	}
	return uid, true
}

func (h *Handler) throttled(w http.ResponseWriter, r *http.Request, what string) bool {
	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)

	blocked, retry, err := h.checkIPThrottle(ctx, ip, h.now())
	if err != nil {
		h.log.Error("auth."+what+".throttle_ip.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return true
	}
	if !blocked {
		return false
	}
	h.audit(ctx, actionRateLimited, "", ip, r.UserAgent(), map[string]any{"op": what, "retry_after_s": int64(retry.Seconds())})
	writeRateLimited(w, retry)
	return true
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, path, reason string) {
	if reason != "" {
		path += "?error=" + url.QueryEscape(reason)
	}
	http.Redirect(w, r, path, http.StatusSeeOther)
}

// statusFor maps a lifecycle error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case authstate.ErrUsernameTaken.Error():
		return http.StatusConflict
	case authstate.ErrSignupRejected.Error():
		return http.StatusUnprocessableEntity
	case authstate.ErrInvalidCredentials.Error():
		return http.StatusUnauthorized
	case authstate.ErrCheckFailed.Error():
		return http.StatusServiceUnavailable
	case authstate.ErrSessionMissing.Error(), authstate.ErrOAuthInit.Error():
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeOpError(w http.ResponseWriter, err error) {
	code := authstate.Code(err)
	e := apiError{Code: code, Message: authstate.Message(err)}
	if errors.Is(err, authstate.ErrUsernameTaken) {
		e.Field = "username"
	}
	writeJSON(w, statusFor(code), errorResponse{Error: e})
}

func writeProfileError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case profile.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "profile not found")
	case profile.IsInvalidInput(err):
		var oe profile.OpError
		msg := "invalid input"
		if errors.As(err, &oe) && oe.Msg != "" {
			msg = oe.Msg
		}
		writeError(w, http.StatusBadRequest, "invalid_input", msg)
	default:
		log.Error("auth.profile.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
