package authapi

import (
	"time"

	"quill/cmd/internal/authstate"
	"quill/cmd/profile"
)

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
}

type signUpResponse struct {
	Outcome     string `json:"outcome"`
	AccessToken string `json:"access_token,omitempty"`
}

// signInResponse is the only body that carries a token, and only to the
// caller that signed in.
type signInResponse struct {
	stateResponse
	AccessToken string `json:"access_token,omitempty"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type oauthRequest struct {
	Provider string `json:"provider,omitempty"`
}

type oauthResponse struct {
	URL string `json:"url"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// stateResponse never carries tokens.
type stateResponse struct {
	User      *userResponse `json:"user"`
	SignedIn  bool          `json:"signed_in"`
	Loading   bool          `json:"loading"`
	Revision  uint64        `json:"revision"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

type profileResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FullName  *string   `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type profilePatchRequest struct {
	FullName *string `json:"full_name"`
}

func toUserResponse(u *authstate.Identity) *userResponse {
	if u == nil {
		return nil
	}
	return &userResponse{ID: u.ID, Email: u.Email, Username: u.Metadata.Username, FullName: u.Metadata.FullName}
}

func toStateResponse(st authstate.State) stateResponse {
	out := stateResponse{
		User:     toUserResponse(st.User),
		SignedIn: st.SignedIn(),
		Loading:  st.Loading,
		Revision: st.Revision,
	}
	if st.Session != nil && !st.Session.ExpiresAt.IsZero() {
		exp := st.Session.ExpiresAt.UTC()
		out.ExpiresAt = &exp
	}
	return out
}

func toProfileResponse(p profile.Profile) profileResponse {
	return profileResponse{
		ID:        p.ID,
		Username:  p.Username,
		FullName:  p.FullName,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}
