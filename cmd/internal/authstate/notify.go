package authstate

import "log/slog"

// Feedback texts shown to the user.
const (
	msgWelcome          = "Welcome! You're signed in."
	msgWelcomeBack      = "Welcome back!"
	msgSignedOut        = "Signed out successfully"
	msgCreatedSignedIn  = "Account created! You're signed in."
	msgCreatedConfirm   = "Account created! Check your email to confirm your account."
	msgCheckFailed      = "Error checking username availability"
	msgUsernameTaken    = "Username already taken. Please choose another."
	msgSignupFailed     = "Failed to create account"
	msgSignupIncomplete = "Email, password and username are required"
	msgInvalidCreds     = "Invalid credentials"
	msgSessionMissing   = "Sign-in completed but session not available"
	msgOAuthFailed      = "Could not start sign-in"
)

// LogNotifier writes feedback to a logger. Used for headless runs.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Success(msg string) {
	n.logger().Info("notify.success", slog.String("msg", msg))
}

func (n LogNotifier) Failure(msg string) {
	n.logger().Warn("notify.failure", slog.String("msg", msg))
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Log == nil {
		return slog.Default()
	}
	return n.Log
}

// LogRouter writes navigation requests to a logger.
type LogRouter struct {
	Log *slog.Logger
}

func (r LogRouter) NavigateTo(path string) {
	l := r.Log
	if l == nil {
		l = slog.Default()
	}
	l.Info("navigate", slog.String("path", path))
}
