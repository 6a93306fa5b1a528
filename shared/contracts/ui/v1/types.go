// Package v1 defines the quill UI push protocol v1.
//
// The server pushes auth state, toasts and navigation requests to connected UI
// clients over a websocket (subprotocol "quill.ui.v1"). Clients only say hello.
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

// Subprotocol is the websocket subprotocol clients must offer.
const Subprotocol = "quill.ui.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeState carries the current auth state (server -> client), sent on
	// connect and after every change.
	TypeState = "state"
	// TypeToast asks the UI to show a notification (server -> client).
	TypeToast = "toast"
	// TypeNavigate asks the UI to navigate (server -> client).
	TypeNavigate = "navigate"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Toast levels.
const (
	ToastSuccess = "success"
	ToastError   = "error"
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
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello, TypeHelloAck, TypeState, TypeToast, TypeNavigate, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload carries the server-assigned connection id.
type HelloAckPayload struct {
	ConnID string `json:"conn_id"`
}

// User is the public view of the signed-in identity.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// StatePayload mirrors the server-side auth state. Tokens are never sent.
type StatePayload struct {
	User      *User      `json:"user"`
	SignedIn  bool       `json:"signed_in"`
	Loading   bool       `json:"loading"`
	Revision  uint64     `json:"revision"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ToastPayload is a user-facing notification.
type ToastPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// NavigatePayload is a navigation request. Path may be an absolute URL (OAuth redirects).
type NavigatePayload struct {
	Path string `json:"path"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
