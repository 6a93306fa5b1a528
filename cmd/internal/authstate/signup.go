package authstate

import (
	"context"
	"log/slog"
	"strings"
)

// SignUpInput is the account-creation request.
type SignUpInput struct {
	Email    string
	Password string
	Username string
	FullName string
}

// SignUpOutcome reports how a successful sign-up ended.
type SignUpOutcome uint8

const (
	// OutcomeFailed accompanies a non-nil error.
	OutcomeFailed SignUpOutcome = iota
	// OutcomeSignedIn: the account exists and a session was obtained.
	OutcomeSignedIn
	// OutcomeConfirmationPending: the account exists but the provider would not
	// issue a session yet (typically email confirmation). Not an error.
	OutcomeConfirmationPending
)

func (o SignUpOutcome) String() string {
	switch o {
	case OutcomeSignedIn:
		return "signed_in"
	case OutcomeConfirmationPending:
		return "confirmation_pending"
	default:
		return "failed"
	}
}

// SignUp runs the three-phase account-creation protocol:
//
//  1. username pre-check against the profile directory
//  2. account creation at the provider, with the username as metadata
//  3. an immediate password sign-in; its failure means confirmation is pending
//
// The pre-check and the creation are not atomic. A username taken between the two
// is reported by the provider (or the profile store behind it) as a conflict and
// mapped to ErrUsernameTaken, the same as a pre-check hit.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (SignUpOutcome, error) {
	const op = "authstate.SignUp"

	email := strings.TrimSpace(in.Email)
	username := strings.TrimSpace(in.Username)
	if email == "" || in.Password == "" || username == "" {
		return OutcomeFailed, s.fail(op, opErr(op, ErrSignupRejected, msgSignupIncomplete, nil))
	}

	exists, err := s.profiles.UsernameExists(ctx, username)
	if err != nil {
		s.log.Error("authstate.signup.check_failed", slog.String("err", err.Error()))
		return OutcomeFailed, s.fail(op, opErr(op, ErrCheckFailed, msgCheckFailed, err))
	}
	if exists {
		s.log.Info("authstate.signup.username_taken", slog.String("phase", "precheck"))
		return OutcomeFailed, s.fail(op, opErr(op, ErrUsernameTaken, msgUsernameTaken, nil))
	}

	err = s.provider.CreateAccount(ctx, NewAccount{
		Email:      email,
		Password:   in.Password,
		Metadata:   Metadata{Username: username, FullName: strings.TrimSpace(in.FullName)},
		RedirectTo: s.signUpTo,
	})
	if err != nil {
		if IsUsernameConflict(err) {
			s.log.Info("authstate.signup.username_taken", slog.String("phase", "create"))
			return OutcomeFailed, s.fail(op, opErr(op, ErrUsernameTaken, msgUsernameTaken, err))
		}
		s.log.Warn("authstate.signup.rejected", slog.String("err", err.Error()))
		return OutcomeFailed, s.fail(op, opErr(op, ErrSignupRejected, providerMessage(err, msgSignupFailed), err))
	}

	rev := s.store.Revision()

	sess, err := s.provider.SignInWithPassword(ctx, email, in.Password)
	if err != nil || sess == nil {
		if err != nil {
			s.log.Info("authstate.signup.confirmation_pending", slog.String("err", err.Error()))
		} else {
			s.log.Info("authstate.signup.confirmation_pending")
		}
		s.metrics.outcome(op, OutcomeConfirmationPending.String())
		s.notifier.Success(msgCreatedConfirm)
		s.router.NavigateTo(s.paths.SignIn)
		return OutcomeConfirmationPending, nil
	}

	if !s.settle("authstate.signup", rev, sess) {
		// The account exists; only the session was ended meanwhile.
		s.metrics.outcome(op, OutcomeSignedIn.String())
		s.router.NavigateTo(s.paths.SignIn)
		return OutcomeSignedIn, nil
	}

	s.log.Info("authstate.signup.signed_in", slog.String("user_id", userID(sess)))
	s.metrics.outcome(op, OutcomeSignedIn.String())
	s.notifier.Success(msgCreatedSignedIn)
	s.router.NavigateTo(s.paths.Landing)
	return OutcomeSignedIn, nil
}
