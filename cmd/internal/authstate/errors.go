package authstate

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrCheckFailed        = errors.New("check_failed")
	ErrUsernameTaken      = errors.New("username_taken")
	ErrSignupRejected     = errors.New("signup_rejected")
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrSessionMissing     = errors.New("session_missing")
	ErrOAuthInit          = errors.New("oauth_init_failed")

	ErrListenerStale     = errors.New("listener_stale")
	ErrNotSubscribed     = errors.New("listener_not_subscribed")
	ErrAlreadySubscribed = errors.New("listener_already_subscribed")
	ErrListenerStopped   = errors.New("listener_stopped")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg is the human-readable text shown to the user; Err is the underlying cause, if any.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(fmt.Sprint(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(" (")
		b.WriteString(e.Err.Error())
		b.WriteString(")")
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string, cause error) *OpError {
	return &OpError{Op: op, Kind: kind, Msg: msg, Err: cause}
}

// Code returns the stable kind code of err ("internal" when err carries none).
func Code(err error) string {
	var oe *OpError
	if errors.As(err, &oe) && oe.Kind != nil {
		return oe.Kind.Error()
	}
	for _, k := range []error{
		ErrCheckFailed, ErrUsernameTaken, ErrSignupRejected, ErrInvalidCredentials,
		ErrSessionMissing, ErrOAuthInit, ErrNotSubscribed, ErrListenerStopped,
	} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal"
}

// Message returns the user-facing message carried by err.
func Message(err error) string {
	var oe *OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return "Something went wrong"
}

// ProviderError is a failure reported by the identity backend.
type ProviderError struct {
	Status  int
	Code    string
	Message string
	Field   string
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
	case e.Message != "":
		return "provider: " + e.Message
	case e.Code != "":
		return "provider: " + e.Code
	default:
		return fmt.Sprintf("provider: status %d", e.Status)
	}
}

// ConflictField reports the conflicting field for 409 responses.
func (e *ProviderError) ConflictField() string {
	if e.Status == http.StatusConflict || e.Code == "conflict" {
		return e.Field
	}
	return ""
}

// IsUsernameConflict reports whether err is a uniqueness violation on the username,
// whichever layer (provider, profile store) detected it.
func IsUsernameConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUsernameTaken) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Code == "username_taken" {
		return true
	}
	var cf interface{ ConflictField() string }
	if errors.As(err, &cf) && cf.ConflictField() == "username" {
		return true
	}
	return false
}

// providerMessage extracts a user-presentable message from a provider failure.
func providerMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	var pe *ProviderError
	if errors.As(err, &pe) && strings.TrimSpace(pe.Message) != "" {
		return pe.Message
	}
	return fallback
}
