package provider

import (
	"net/http"

	"quill/cmd/internal/authstate"
)

// Stable provider error codes.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeEmailNotConfirmed  = "email_not_confirmed"
	CodeEmailExists        = "email_exists"
	CodeUsernameTaken      = "username_taken"
	CodeConflict           = "conflict"
	CodeWeakPassword       = "weak_password"
	CodeValidation         = "validation_failed"
	CodeProviderDisabled   = "provider_disabled"
	CodeBadOAuthState      = "bad_oauth_state"
	CodeSessionNotFound    = "session_not_found"
	CodeRefreshRejected    = "refresh_token_not_found"
	CodeOTPExpired         = "otp_expired"
	CodeUnavailable        = "unavailable"
)

// Reject builds a 4xx provider error.
func Reject(status int, code, msg string) *authstate.ProviderError {
	return &authstate.ProviderError{Status: status, Code: code, Message: msg}
}

// InvalidCredentials is the uniform password sign-in rejection.
func InvalidCredentials() *authstate.ProviderError {
	return Reject(http.StatusBadRequest, CodeInvalidCredentials, "Invalid login credentials")
}
