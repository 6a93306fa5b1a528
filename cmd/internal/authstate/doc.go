// Package authstate owns the authentication/session lifecycle of a quill process.
//
// It holds the single current {user, session, loading} triple (Store), feeds the
// identity provider's push notifications into it (Listener), and implements the
// caller-initiated operations: sign up, sign in, OAuth sign in and sign out (Service).
//
// The identity provider, the profile directory and the user-feedback sinks are
// consumed through small interfaces; adapters live in cmd/internal/provider/...,
// cmd/profile and cmd/internal/realtime.
package authstate
