// Package v1 defines the identity backend's session event stream, protocol v1.
//
// The client dials the stream with subprotocol "quill.auth.v1", sends hello with
// its access token, and then receives session events for that user.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol of the event stream.
const Subprotocol = "quill.auth.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates the stream (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the subscription (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSessionRevoked reports that the session was ended elsewhere (server -> client).
	TypeSessionRevoked = "session_revoked"
	// TypeUserUpdated reports a change to the user's metadata (server -> client).
	TypeUserUpdated = "user_updated"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	switch e.Type {
	case TypeHello, TypeHelloAck, TypeSessionRevoked, TypeUserUpdated, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloPayload authenticates the stream.
type HelloPayload struct {
	AccessToken string `json:"access_token"`
}

// HelloAckPayload confirms the subscription.
type HelloAckPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// SessionRevokedPayload names the revoked session.
type SessionRevokedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// User is the backend's user representation.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Metadata struct {
		Username string `json:"username,omitempty"`
		FullName string `json:"full_name,omitempty"`
	} `json:"user_metadata"`
}

// UserUpdatedPayload carries the updated user.
type UserUpdatedPayload struct {
	User User `json:"user"`
}

// ErrorPayload is a generic error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
