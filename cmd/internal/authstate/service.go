package authstate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// Deps wires the lifecycle components. Store and Provider are required;
// Profiles is required by Service only.
type Deps struct {
	Log      *slog.Logger
	Store    *Store
	Provider IdentityProvider
	Profiles ProfileDirectory
	Notifier Notifier
	Router   Router
	Paths    Paths
	Metrics  *Metrics

	// SignUpRedirect is the email-confirmation return target passed on account creation.
	SignUpRedirect string
	// OAuthRedirect is the return target of the OAuth round trip.
	OAuthRedirect string
}

func (d Deps) validate(needProfiles bool) error {
	switch {
	case d.Store == nil:
		return errors.New("authstate: nil store")
	case d.Provider == nil:
		return errors.New("authstate: nil provider")
	case needProfiles && d.Profiles == nil:
		return errors.New("authstate: nil profile directory")
	}
	return nil
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Log: d.Log}
	}
	if d.Router == nil {
		d.Router = LogRouter{Log: d.Log}
	}
	d.Paths = d.Paths.withDefaults()
	return d
}

// Service implements the caller-initiated auth operations.
// Every failure is both returned and pushed to the Notifier.
type Service struct {
	log      *slog.Logger
	store    *Store
	provider IdentityProvider
	profiles ProfileDirectory
	notifier Notifier
	router   Router
	paths    Paths
	metrics  *Metrics
	signUpTo string
	oauthTo  string
}

// NewService constructs a Service.
func NewService(d Deps) (*Service, error) {
	if err := d.validate(true); err != nil {
		return nil, err
	}
	d = d.withDefaults()
	return &Service{
		log:      d.Log,
		store:    d.Store,
		provider: d.Provider,
		profiles: d.Profiles,
		notifier: d.Notifier,
		router:   d.Router,
		paths:    d.Paths,
		metrics:  d.Metrics,
		signUpTo: d.SignUpRedirect,
		oauthTo:  d.OAuthRedirect,
	}, nil
}

// SignIn signs in with email and password, then confirms the session with a fresh fetch.
//
// The store is written with compare-and-update against the revision observed
// before the call: if any other write landed meanwhile (for example a SIGNED_OUT
// push), this operation's write is skipped instead of resurrecting a stale session.
func (s *Service) SignIn(ctx context.Context, email, password string) error {
	const op = "authstate.SignIn"

	rev := s.store.Revision()

	if _, err := s.provider.SignInWithPassword(ctx, strings.TrimSpace(email), password); err != nil {
		s.log.Warn("authstate.signin.rejected", slog.String("err", err.Error()))
		return s.fail(op, opErr(op, ErrInvalidCredentials, providerMessage(err, msgInvalidCreds), err))
	}

	sess, err := s.provider.CurrentSession(ctx)
	if err != nil || sess == nil {
		if err != nil {
			s.log.Warn("authstate.signin.session_check_failed", slog.String("err", err.Error()))
		} else {
			s.log.Warn("authstate.signin.session_check_failed", slog.String("err", "no session"))
		}
		return s.fail(op, opErr(op, ErrSessionMissing, providerMessage(err, msgSessionMissing), err))
	}

	if !s.settle("authstate.signin", rev, sess) {
		s.metrics.operation(op, nil)
		s.router.NavigateTo(s.paths.SignIn)
		return nil
	}

	s.log.Info("authstate.signin.ok", slog.String("user_id", userID(sess)))
	s.metrics.operation(op, nil)
	s.notifier.Success(msgWelcomeBack)
	s.router.NavigateTo(s.paths.Landing)
	return nil
}

// settle writes sess unless another write landed since rev, and reports
// whether the store is signed in afterwards. A sign-out that landed during the
// call leaves it signed out.
func (s *Service) settle(event string, rev uint64, sess *Session) bool {
	if s.store.CompareAndUpdate(rev, sess) {
		return true
	}
	if s.store.Current().SignedIn() {
		s.log.Debug(event+".write_superseded", slog.Uint64("revision", rev))
		return true
	}
	s.log.Info(event+".signed_out_in_flight", slog.String("user_id", userID(sess)))
	return false
}

// SignInWithOAuth starts an OAuth round trip and navigates to the provider.
// It returns the authorization URL. No local state changes: completion arrives
// later as a SIGNED_IN push.
func (s *Service) SignInWithOAuth(ctx context.Context, provider string) (string, error) {
	const op = "authstate.SignInWithOAuth"

	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "google"
	}

	s.log.Debug("authstate.oauth.start", slog.String("provider", provider), slog.String("redirect_to", s.oauthTo))

	url, err := s.provider.SignInWithOAuth(ctx, OAuthRequest{
		Provider:   provider,
		RedirectTo: s.oauthTo,
		Params: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
	})
	if err != nil {
		s.log.Warn("authstate.oauth.failed", slog.String("provider", provider), slog.String("err", err.Error()))
		return "", s.fail(op, opErr(op, ErrOAuthInit, providerMessage(err, msgOAuthFailed), err))
	}

	s.log.Debug("authstate.oauth.redirect_initiated", slog.String("provider", provider))
	s.metrics.operation(op, nil)
	s.router.NavigateTo(url)
	return url, nil
}

// SignOut signs out at the provider and clears the store.
// A provider failure is logged and swallowed; the local state is cleared regardless.
func (s *Service) SignOut(ctx context.Context) error {
	const op = "authstate.SignOut"

	if err := s.provider.SignOut(ctx); err != nil {
		s.log.Warn("authstate.signout.provider_failed", slog.String("err", err.Error()))
	}

	// Idempotent with the SIGNED_OUT push.
	s.store.Update(nil)

	s.log.Info("authstate.signout.ok")
	s.metrics.operation(op, nil)
	s.notifier.Success(msgSignedOut)
	s.router.NavigateTo(s.paths.SignIn)
	return nil
}

func (s *Service) fail(op string, err *OpError) error {
	s.metrics.operation(op, err)
	s.notifier.Failure(err.Msg)
	return err
}

func userID(sess *Session) string {
	if sess == nil || sess.User == nil {
		return ""
	}
	return sess.User.ID
}
