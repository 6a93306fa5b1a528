package provider

import (
	"log/slog"
	"sync"
	"time"

	"quill/cmd/internal/authstate"
	"quill/cmd/profile/ids"
)

// Event names published by providers.
const (
	EventInitialSession = "INITIAL_SESSION"
	EventSignedIn       = "SIGNED_IN"
	EventSignedOut      = "SIGNED_OUT"
	EventTokenRefreshed = "TOKEN_REFRESHED"
	EventUserUpdated    = "USER_UPDATED"
)

type busSub struct {
	id string
	fn func(authstate.Event)
}

// Bus delivers session-change events to subscribers synchronously, in publish order.
//
// Concurrency guarantees:
// - Publishes are serialized; each one reaches every subscriber before the next starts.
// - Subscribe/cancel are safe during a publish; a cancelled subscriber sees no later event.
// - Subscribers must not publish on the same Bus.
type Bus struct {
	log *slog.Logger

	pubMu sync.Mutex

	mu   sync.RWMutex
	subs []busSub
}

// NewBus constructs a Bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// OnSessionChange registers fn. It implements the subscription half of authstate.IdentityProvider.
func (b *Bus) OnSessionChange(fn func(authstate.Event)) authstate.Subscription {
	if fn == nil {
		return authstate.SubscriptionFunc(nil)
	}
	id := ids.Make(time.Now())

	b.mu.Lock()
	b.subs = append(b.subs, busSub{id: id, fn: fn})
	n := len(b.subs)
	b.mu.Unlock()

	b.log.Debug("provider.bus.subscribe", "sub_id", id, "subscribers", n)

	var once sync.Once
	return authstate.SubscriptionFunc(func() {
		once.Do(func() { b.remove(id) })
	})
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			b.log.Debug("provider.bus.unsubscribe", "sub_id", id, "subscribers", len(b.subs))
			return
		}
	}
}

// Publish delivers the named event to every current subscriber.
func (b *Bus) Publish(name string, sess *authstate.Session) {
	ev := authstate.NewEvent(name, sess)

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	snap := make([]busSub, len(b.subs))
	copy(snap, b.subs)
	b.mu.RUnlock()

	b.log.Debug("provider.bus.publish", "event", name, "subscribers", len(snap))

	for _, s := range snap {
		if !b.live(s.id) {
			continue
		}
		s.fn(ev)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) live(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.id == id {
			return true
		}
	}
	return false
}
