package authstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestListener(t *testing.T, h *harness) *Listener {
	t.Helper()
	l, err := NewListener(h.deps)
	require.NoError(t, err)
	t.Cleanup(l.Stop)
	return l
}

func TestListener_PullBeforeSubscribeIsRejected(t *testing.T) {
	h := newHarness()
	h.provider.current = testSession("u1", "a@x.com", "alice")
	l := newTestListener(t, h)

	err := l.PullInitial(context.Background())
	require.ErrorIs(t, err, ErrNotSubscribed)
	assert.True(t, h.store.Current().Loading)
}

func TestListener_SubscribeTwice(t *testing.T) {
	h := newHarness()
	l := newTestListener(t, h)

	require.NoError(t, l.Subscribe(context.Background()))
	require.ErrorIs(t, l.Subscribe(context.Background()), ErrAlreadySubscribed)
	assert.Equal(t, 1, h.provider.subscribers())
}

func TestListener_StartResolvesFromPull(t *testing.T) {
	h := newHarness()
	h.provider.current = testSession("u1", "a@x.com", "alice")
	l := newTestListener(t, h)

	require.NoError(t, l.Start(context.Background()))
	l.Wait()

	st := h.store.Current()
	assert.False(t, st.Loading)
	require.NotNil(t, st.User)
	assert.Equal(t, "alice", st.User.Metadata.Username)

	// The initial pull has no side effects.
	successes, _, paths := h.rec.snapshot()
	assert.Empty(t, successes)
	assert.Empty(t, paths)
}

func TestListener_PullErrorResolvesSignedOut(t *testing.T) {
	h := newHarness()
	h.provider.currentErr = errors.New("backend down")
	l := newTestListener(t, h)

	require.NoError(t, l.Subscribe(context.Background()))
	err := l.PullInitial(context.Background())
	require.Error(t, err)

	st := h.store.Current()
	assert.False(t, st.Loading)
	assert.Nil(t, st.Session)
}

func TestListener_PushBeforePullCompletesWins(t *testing.T) {
	h := newHarness()
	h.provider.current = testSession("stale", "old@x.com", "old")
	h.provider.currentGate = make(chan struct{})
	l := newTestListener(t, h)

	require.NoError(t, l.Start(context.Background()))

	fresh := testSession("u1", "a@x.com", "alice")
	h.provider.emit("SIGNED_IN", fresh)
	close(h.provider.currentGate)
	l.Wait()

	st := h.store.Current()
	require.NotNil(t, st.User)
	assert.Equal(t, "u1", st.User.ID, "pull result must not override a push that resolved loading")
	assert.EqualValues(t, 1, st.Revision)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Events.WithLabelValues("INITIAL_SESSION", "superseded")))
}

func TestListener_EventTransitions(t *testing.T) {
	h := newHarness()
	l := newTestListener(t, h)
	require.NoError(t, l.Subscribe(context.Background()))

	alice := testSession("u1", "a@x.com", "alice")

	h.provider.emit("SIGNED_IN", alice)
	st := h.store.Current()
	assert.Equal(t, alice, st.Session)
	assert.False(t, st.Loading)

	successes, _, paths := h.rec.snapshot()
	assert.Equal(t, []string{msgWelcome}, successes)
	assert.Equal(t, []string{"/"}, paths)

	refreshed := testSession("u1", "a@x.com", "alice")
	h.provider.emit("TOKEN_REFRESHED", refreshed)
	assert.Equal(t, refreshed, h.store.Current().Session)

	h.provider.emit("USER_UPDATED", alice)
	assert.Equal(t, alice, h.store.Current().Session)

	h.provider.emit("SIGNED_OUT", alice)
	st = h.store.Current()
	assert.Nil(t, st.Session)
	assert.Nil(t, st.User)

	h.provider.emit("SOMETHING_NEW", nil)
	assert.Nil(t, h.store.Current().Session)

	// Only the genuine sign-in produced side effects.
	successes, _, paths = h.rec.snapshot()
	assert.Len(t, successes, 1)
	assert.Len(t, paths, 1)
}

func TestListener_SignedInWithoutUserHasNoSideEffects(t *testing.T) {
	h := newHarness()
	l := newTestListener(t, h)
	require.NoError(t, l.Subscribe(context.Background()))

	h.provider.emit("SIGNED_IN", nil)

	assert.False(t, h.store.Current().Loading)
	successes, _, paths := h.rec.snapshot()
	assert.Empty(t, successes)
	assert.Empty(t, paths)
}

func TestListener_StopDropsPendingPull(t *testing.T) {
	h := newHarness()
	h.provider.current = testSession("u1", "a@x.com", "alice")
	h.provider.currentGate = make(chan struct{})
	l := newTestListener(t, h)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return h.provider.currentCallCount() == 1 }, time.Second, time.Millisecond)
	l.Stop()
	close(h.provider.currentGate)
	l.Wait()

	assert.True(t, h.store.Current().Loading, "no write may land after Stop")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Events.WithLabelValues("INITIAL_SESSION", "stale")))
}

func TestListener_StopDropsLatePush(t *testing.T) {
	h := newHarness()
	l := newTestListener(t, h)
	require.NoError(t, l.Subscribe(context.Background()))

	l.Stop()
	l.Stop()
	assert.Zero(t, h.provider.subscribers())

	// A callback already dispatched by the provider before the cancel took effect.
	require.Len(t, h.provider.raw, 1)
	h.provider.raw[0](NewEvent("SIGNED_IN", testSession("u1", "a@x.com", "alice")))

	assert.True(t, h.store.Current().Loading)
	successes, _, _ := h.rec.snapshot()
	assert.Empty(t, successes)

	require.ErrorIs(t, l.PullInitial(context.Background()), ErrListenerStopped)

	l.mu.Lock()
	tok := l.token
	l.mu.Unlock()
	assert.True(t, IsStale(l.handle(tok, NewEvent("SIGNED_OUT", nil))))
	assert.True(t, h.store.Current().Loading)
}

func TestListener_PullAfterStopIsStale(t *testing.T) {
	h := newHarness()
	h.provider.current = testSession("u1", "a@x.com", "alice")
	h.provider.currentGate = make(chan struct{})
	l := newTestListener(t, h)
	require.NoError(t, l.Subscribe(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- l.PullInitial(context.Background()) }()
	require.Eventually(t, func() bool { return h.provider.currentCallCount() == 1 }, time.Second, time.Millisecond)

	l.Stop()
	close(h.provider.currentGate)

	select {
	case err := <-errc:
		assert.True(t, IsStale(err), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("pull did not return")
	}
	assert.True(t, h.store.Current().Loading)
}

func TestListener_RunStopsWhenContextDone(t *testing.T) {
	h := newHarness()
	h.provider.current = testSession("u1", "a@x.com", "alice")
	l := newTestListener(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return !h.store.Current().Loading }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.provider.subscribers())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Zero(t, h.provider.subscribers())
	require.ErrorIs(t, l.Subscribe(context.Background()), ErrListenerStopped)
}

func TestListener_ParentContextCancelStops(t *testing.T) {
	h := newHarness()
	l := newTestListener(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Subscribe(ctx))
	cancel()

	require.Eventually(t, func() bool { return h.provider.subscribers() == 0 }, time.Second, 5*time.Millisecond)

	h.provider.raw[0](NewEvent("SIGNED_OUT", nil))
	assert.True(t, h.store.Current().Loading)
}

func TestParseEventKind(t *testing.T) {
	cases := map[string]EventKind{
		"SIGNED_IN":         EventSignedIn,
		"signed_out":        EventSignedOut,
		" TOKEN_REFRESHED ": EventTokenRefreshed,
		"INITIAL_SESSION":   EventOther,
		"PASSWORD_RECOVERY": EventOther,
		"":                  EventOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseEventKind(in), in)
	}
}
