package authstate

import "strings"

// EventKind classifies a provider push notification.
type EventKind uint8

const (
	EventOther EventKind = iota
	EventSignedIn
	EventSignedOut
	EventTokenRefreshed
)

func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "SIGNED_IN"
	case EventSignedOut:
		return "SIGNED_OUT"
	case EventTokenRefreshed:
		return "TOKEN_REFRESHED"
	default:
		return "OTHER"
	}
}

// ParseEventKind maps a provider event name to its kind.
// INITIAL_SESSION, USER_UPDATED, PASSWORD_RECOVERY and unknown names are EventOther.
func ParseEventKind(s string) EventKind {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SIGNED_IN":
		return EventSignedIn
	case "SIGNED_OUT":
		return EventSignedOut
	case "TOKEN_REFRESHED":
		return EventTokenRefreshed
	default:
		return EventOther
	}
}

// Event is one push notification. Session is nil when the provider reports no session.
type Event struct {
	Kind    EventKind
	Name    string
	Session *Session
}

// NewEvent builds an Event from a provider event name.
func NewEvent(name string, sess *Session) Event {
	return Event{Kind: ParseEventKind(name), Name: name, Session: sess}
}

func (e Event) label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Kind.String()
}
