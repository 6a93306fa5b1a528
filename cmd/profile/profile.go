package profile

import (
	"context"
	"time"
)

// Profile is the public profile of a user.
type Profile struct {
	ID           string
	Username     string
	UsernameNorm string
	FullName     *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateInput describes a new profile. ID is the identity provider's user id.
type CreateInput struct {
	ID       string
	Username string
	FullName *string
	Now      time.Time
}

// Store is the profile persistence boundary.
type Store interface {
	// UsernameExists reports whether a profile holds username (case-insensitive).
	UsernameExists(ctx context.Context, username string) (bool, error)

	// Create inserts a profile. A taken username is ConflictError{Field: "username"}.
	Create(ctx context.Context, in CreateInput) (Profile, error)

	GetByID(ctx context.Context, id string) (Profile, error)
	UpdateFullName(ctx context.Context, id string, fullName *string, now time.Time) (Profile, error)

	// Delete removes a profile; used to undo a creation whose account was never made.
	Delete(ctx context.Context, id string) error
}

func (in CreateInput) validate(op string) (CreateInput, error) {
	if in.ID == "" {
		return in, invalid(op, "missing id")
	}
	if err := ValidateUsername(in.Username); err != nil {
		return in, err
	}
	in.FullName = trimPtr(in.FullName)
	if in.FullName != nil && len([]rune(*in.FullName)) > fullNameMaxLen {
		return in, invalid(op, "full name too long")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}
