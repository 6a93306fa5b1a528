package authstate

import (
	"context"
	"time"
)

// Metadata is the provider-side user metadata quill cares about.
type Metadata struct {
	Username string `json:"username,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Identity is the authenticated principal as reported by the identity provider.
// It is immutable once issued.
type Identity struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Metadata Metadata `json:"metadata"`
}

// Session is an opaque token bundle plus the user it was issued to.
// IMPORTANT: owned by the provider; the store keeps the pointer and never mutates it.
type Session struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *Identity `json:"user"`
}

// State is a snapshot of the store.
// User is non-nil iff Session is non-nil.
type State struct {
	User     *Identity `json:"user"`
	Session  *Session  `json:"session"`
	Loading  bool      `json:"loading"`
	Revision uint64    `json:"revision"`
}

// SignedIn reports whether the snapshot carries a session.
func (s State) SignedIn() bool { return s.Session != nil }

// NewAccount describes an account-creation request.
type NewAccount struct {
	Email      string
	Password   string
	Metadata   Metadata
	RedirectTo string
}

// OAuthRequest describes an OAuth authorization request.
type OAuthRequest struct {
	Provider   string
	RedirectTo string
	Params     map[string]string
}

// Subscription is a cancellable registration handle.
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() {
	if f != nil {
		f()
	}
}

// IdentityProvider is the consumed identity backend contract.
type IdentityProvider interface {
	CreateAccount(ctx context.Context, in NewAccount) error
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignInWithOAuth(ctx context.Context, req OAuthRequest) (redirectURL string, err error)
	SignOut(ctx context.Context) error
	CurrentSession(ctx context.Context) (*Session, error)

	// OnSessionChange registers fn for push notifications. Events are delivered
	// in the order the provider produced them.
	OnSessionChange(fn func(Event)) Subscription
}

// CodeExchanger completes an OAuth return trip. The resulting sign-in is
// reported through OnSessionChange, not through the return value.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code, state string) error
}

// ProfileDirectory answers username availability queries.
type ProfileDirectory interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// Notifier surfaces user feedback.
type Notifier interface {
	Success(msg string)
	Failure(msg string)
}

// Router performs navigation.
type Router interface {
	NavigateTo(path string)
}

// Paths are the two routes the lifecycle navigates to.
type Paths struct {
	Landing string
	SignIn  string
}

// DefaultPaths returns the routes used when none are configured.
func DefaultPaths() Paths {
	return Paths{Landing: "/", SignIn: "/auth"}
}

func (p Paths) withDefaults() Paths {
	d := DefaultPaths()
	if p.Landing == "" {
		p.Landing = d.Landing
	}
	if p.SignIn == "" {
		p.SignIn = d.SignIn
	}
	return p
}
