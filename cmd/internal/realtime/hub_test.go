package realtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"quill/cmd/internal/authstate"
	v1 "quill/shared/contracts/ui/v1"
)

func TestHub_BroadcastDropsWhenQueueFull(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	c := NewClient("c1", 1)
	h.Join(c)

	env := v1.Envelope{V: v1.Version, Type: v1.TypeToast}
	h.Broadcast(env)
	h.Broadcast(env)

	if got := len(c.Send); got != 1 {
		t.Fatalf("expected 1 queued envelope, got %d", got)
	}
	if h.Dropped() != 1 {
		t.Fatalf("expected 1 drop, got %d", h.Dropped())
	}
}

func TestHub_LeaveClosesClient(t *testing.T) {
	h := NewHub(nil)
	c := NewClient("c1", 4)
	h.Join(c)
	h.Leave("c1")

	select {
	case <-c.Done():
	default:
		t.Fatalf("client not closed on leave")
	}
	if h.Len() != 0 {
		t.Fatalf("expected empty hub, got %d", h.Len())
	}

	h.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeToast})
	if len(c.Send) != 0 {
		t.Fatalf("closed client must not receive")
	}
}

func TestBridge_AttachQueuesSnapshotFirst(t *testing.T) {
	store := authstate.NewStore()
	b := NewBridge(nil, NewHub(nil), store)
	defer b.Close()

	c := NewClient("c1", 8)
	if !b.Attach(c) {
		t.Fatalf("attach failed")
	}
	store.Update(nil)

	first := <-c.Send
	second := <-c.Send
	if first.Type != v1.TypeState || second.Type != v1.TypeState {
		t.Fatalf("expected two state envelopes, got %s, %s", first.Type, second.Type)
	}

	var p1, p2 v1.StatePayload
	mustUnmarshal(t, first.Payload, &p1)
	mustUnmarshal(t, second.Payload, &p2)
	if !p1.Loading || p2.Loading {
		t.Fatalf("expected loading then resolved, got %+v then %+v", p1, p2)
	}
	if p2.Revision <= p1.Revision {
		t.Fatalf("revisions must increase: %d then %d", p1.Revision, p2.Revision)
	}
}

func TestBridge_CloseStopsStateMirroring(t *testing.T) {
	store := authstate.NewStore()
	b := NewBridge(nil, NewHub(nil), store)
	c := NewClient("c1", 8)
	b.Hub().Join(c)

	b.Close()
	store.Update(nil)

	if len(c.Send) != 0 {
		t.Fatalf("expected no envelopes after Close, got %d", len(c.Send))
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	t0 := time.Unix(1000, 0)

	if !rl.Allow(t0) || !rl.Allow(t0.Add(100*time.Millisecond)) {
		t.Fatalf("first two hits must pass")
	}
	if rl.Allow(t0.Add(200 * time.Millisecond)) {
		t.Fatalf("third hit inside window must be rejected")
	}
	if got := rl.Remaining(t0.Add(1050 * time.Millisecond)); got != 1 {
		t.Fatalf("expected 1 remaining after first hit expired, got %d", got)
	}
	if !rl.Allow(t0.Add(1200 * time.Millisecond)) {
		t.Fatalf("hit after expiry must pass")
	}
}
