package authstate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Listener feeds provider push notifications into the store and performs the
// one-shot initial session pull.
//
// Ordering contract:
//   - Subscribe must happen before PullInitial (PullInitial returns ErrNotSubscribed otherwise),
//     so no push event can be missed between the pull and the subscription.
//   - The pull result only lands while the store is still loading; a push that
//     resolved loading first wins.
//
// Cancellation contract:
//   - Subscribe creates a cancellation token. Every continuation checks it and
//     writes under the listener guard, so once Stop returns no write reaches the store.
//   - In-flight provider calls are not aborted; their results are dropped.
type Listener struct {
	log      *slog.Logger
	store    *Store
	provider IdentityProvider
	notifier Notifier
	router   Router
	paths    Paths
	metrics  *Metrics

	mu      sync.Mutex
	token   context.Context
	cancel  context.CancelFunc
	sub     Subscription
	stopped bool

	wg sync.WaitGroup
}

// NewListener constructs a listener over d.Store and d.Provider.
func NewListener(d Deps) (*Listener, error) {
	if err := d.validate(false); err != nil {
		return nil, err
	}
	d = d.withDefaults()
	return &Listener{
		log:      d.Log,
		store:    d.Store,
		provider: d.Provider,
		notifier: d.Notifier,
		router:   d.Router,
		paths:    d.Paths,
		metrics:  d.Metrics,
	}, nil
}

// Subscribe registers for provider push notifications and creates the
// cancellation token. It must be called exactly once, before PullInitial.
func (l *Listener) Subscribe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrListenerStopped
	}
	if l.token != nil {
		l.mu.Unlock()
		return ErrAlreadySubscribed
	}
	tok, cancel := context.WithCancel(ctx)
	l.token, l.cancel = tok, cancel
	l.mu.Unlock()

	// Registration happens outside the guard: providers may deliver synchronously.
	sub := l.provider.OnSessionChange(func(ev Event) {
		_ = l.handle(tok, ev)
	})

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
		return ErrListenerStopped
	}
	l.sub = sub
	l.mu.Unlock()

	// Parent cancellation tears the listener down like Stop.
	context.AfterFunc(tok, l.Stop)

	l.log.Debug("listener.subscribed")
	return nil
}

// PullInitial fetches the current session once and resolves loading with it.
// A provider error is logged and resolves loading as signed out; the error is returned.
// A result that arrives after Stop is dropped and reported as ErrListenerStale.
func (l *Listener) PullInitial(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	tok := l.token
	stopped := l.stopped
	l.mu.Unlock()

	if tok == nil {
		return ErrNotSubscribed
	}
	if stopped {
		return ErrListenerStopped
	}

	sess, err := l.provider.CurrentSession(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if tok.Err() != nil {
		l.dropStale("INITIAL_SESSION")
		return ErrListenerStale
	}

	if err != nil {
		l.log.Warn("listener.initial_session.failed", slog.String("err", err.Error()))
		l.store.Resolve(nil)
		l.metrics.event("INITIAL_SESSION", "error")
		return err
	}

	applied := l.store.Resolve(sess)
	l.log.Debug("listener.initial_session",
		slog.Bool("has_session", sess != nil),
		slog.Bool("applied", applied),
	)
	if applied {
		l.metrics.event("INITIAL_SESSION", "applied")
	} else {
		l.metrics.event("INITIAL_SESSION", "superseded")
	}
	return nil
}

// Start subscribes, then runs the initial pull in the background.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Subscribe(ctx); err != nil {
		return err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_ = l.PullInitial(ctx)
	}()
	return nil
}

// Run starts the listener and blocks until ctx is done, then stops it and
// waits for the initial pull to settle.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	l.Stop()
	l.Wait()
	return nil
}

// Wait blocks until the background pull started by Start has finished.
func (l *Listener) Wait() { l.wg.Wait() }

// Stop cancels the token and the provider subscription. Safe to call more than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	if l.cancel != nil {
		l.cancel()
	}
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	l.log.Debug("listener.stopped")
}

func (l *Listener) handle(tok context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tok.Err() != nil {
		l.dropStale(ev.Kind.String())
		return ErrListenerStale
	}

	l.log.Debug("listener.event",
		slog.String("event", ev.label()),
		slog.Bool("has_session", ev.Session != nil),
	)

	switch ev.Kind {
	case EventSignedOut:
		l.store.Update(nil)
	case EventSignedIn:
		l.store.Update(ev.Session)
		if ev.Session != nil && ev.Session.User != nil {
			l.router.NavigateTo(l.paths.Landing)
			l.notifier.Success(msgWelcome)
		}
	default:
		// TOKEN_REFRESHED and everything else: replace silently.
		l.store.Update(ev.Session)
	}

	l.metrics.event(ev.Kind.String(), "applied")
	return nil
}

// dropStale requires l.mu.
func (l *Listener) dropStale(what string) {
	l.metrics.event(what, "stale")
	l.log.Debug("listener.event.stale", slog.String("event", what), slog.String("err", ErrListenerStale.Error()))
}

// IsStale reports whether err is a dropped continuation.
func IsStale(err error) bool { return errors.Is(err, ErrListenerStale) }
