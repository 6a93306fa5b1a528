package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"quill/cmd/internal/authstate"
	v1 "quill/shared/contracts/ui/v1"
)

// Bridge connects the auth lifecycle to UI clients.
//
// It implements authstate.Notifier and authstate.Router by broadcasting toast and
// navigate envelopes, and it mirrors every store update as a state envelope.
// Attach and the store subscription share one lock, so a client never receives
// an older snapshot after a newer update.
type Bridge struct {
	log   *slog.Logger
	hub   *Hub
	store *authstate.Store

	mu  sync.Mutex
	sub authstate.Subscription
}

// NewBridge subscribes to store and returns a running bridge.
func NewBridge(log *slog.Logger, hub *Hub, store *authstate.Store) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	b := &Bridge{log: log, hub: hub, store: store}
	if store != nil {
		b.sub = store.Subscribe(b.onState)
	}
	return b
}

// Hub returns the fanout set the bridge broadcasts to.
func (b *Bridge) Hub() *Hub { return b.hub }

// Close detaches the bridge from the store.
func (b *Bridge) Close() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

// Attach joins client to the fanout set and queues the current state for it.
func (b *Bridge) Attach(client *Client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.hub.Join(client)
	if b.store == nil {
		return true
	}
	return client.offer(StateEnvelope(b.store.Current(), time.Now().UTC()))
}

// Success implements authstate.Notifier.
func (b *Bridge) Success(msg string) {
	b.log.Info("notify.success", slog.String("msg", msg))
	b.broadcast(v1.TypeToast, v1.ToastPayload{Level: v1.ToastSuccess, Message: msg})
}

// Failure implements authstate.Notifier.
func (b *Bridge) Failure(msg string) {
	b.log.Info("notify.failure", slog.String("msg", msg))
	b.broadcast(v1.TypeToast, v1.ToastPayload{Level: v1.ToastError, Message: msg})
}

// NavigateTo implements authstate.Router.
func (b *Bridge) NavigateTo(path string) {
	b.log.Debug("navigate", slog.String("path", path))
	b.broadcast(v1.TypeNavigate, v1.NavigatePayload{Path: path})
}

func (b *Bridge) onState(st authstate.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hub.Broadcast(StateEnvelope(st, time.Now().UTC()))
}

func (b *Bridge) broadcast(typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("bridge.marshal.fail", slog.String("type", typ), slog.String("err", err.Error()))
		return
	}
	b.hub.Broadcast(newEnvelope(typ, raw, time.Now().UTC()))
}

// StateEnvelope renders st as a state envelope. Tokens never leave the process.
func StateEnvelope(st authstate.State, now time.Time) v1.Envelope {
	p := v1.StatePayload{
		SignedIn: st.SignedIn(),
		Loading:  st.Loading,
		Revision: st.Revision,
	}
	if st.User != nil {
		p.User = &v1.User{
			ID:       st.User.ID,
			Email:    st.User.Email,
			Username: st.User.Metadata.Username,
			FullName: st.User.Metadata.FullName,
		}
	}
	if st.Session != nil && !st.Session.ExpiresAt.IsZero() {
		exp := st.Session.ExpiresAt.UTC()
		p.ExpiresAt = &exp
	}

	raw, _ := json.Marshal(p)
	return newEnvelope(v1.TypeState, raw, now)
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}
