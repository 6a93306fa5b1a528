package authstate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

type fakeProvider struct {
	mu sync.Mutex

	subs    map[int]func(Event)
	raw     []func(Event)
	nextSub int

	createErr error
	created   []NewAccount

	signInSess  *Session
	signInErr   error
	signInHook  func()
	signInCalls int

	current      *Session
	currentErr   error
	currentGate  chan struct{}
	currentCalls int

	oauthURL string
	oauthErr error
	oauthReq OAuthRequest

	signOutErr   error
	signOutCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subs: map[int]func(Event){}}
}

func (p *fakeProvider) CreateAccount(_ context.Context, in NewAccount) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, in)
	return p.createErr
}

func (p *fakeProvider) SignInWithPassword(_ context.Context, _, _ string) (*Session, error) {
	p.mu.Lock()
	p.signInCalls++
	hook := p.signInHook
	sess, err := p.signInSess, p.signInErr
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	return sess, err
}

func (p *fakeProvider) SignInWithOAuth(_ context.Context, req OAuthRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oauthReq = req
	return p.oauthURL, p.oauthErr
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutCalls++
	return p.signOutErr
}

func (p *fakeProvider) CurrentSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	p.currentCalls++
	gate := p.currentGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.currentErr
}

func (p *fakeProvider) OnSessionChange(fn func(Event)) Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	id := p.nextSub
	p.subs[id] = fn
	p.raw = append(p.raw, fn)
	return SubscriptionFunc(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	})
}

func (p *fakeProvider) emit(name string, sess *Session) {
	p.mu.Lock()
	fns := make([]func(Event), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(NewEvent(name, sess))
	}
}

func (p *fakeProvider) currentCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentCalls
}

func (p *fakeProvider) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

type fakeProfiles struct {
	mu     sync.Mutex
	taken  map[string]bool
	err    error
	checks int
}

func (f *fakeProfiles) UsernameExists(_ context.Context, username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.err != nil {
		return false, f.err
	}
	return f.taken[username], nil
}

type recorder struct {
	mu        sync.Mutex
	successes []string
	failures  []string
	paths     []string
}

func (r *recorder) Success(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, msg)
}

func (r *recorder) Failure(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, msg)
}

func (r *recorder) NavigateTo(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) snapshot() (successes, failures, paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.successes...),
		append([]string(nil), r.failures...),
		append([]string(nil), r.paths...)
}

type harness struct {
	store    *Store
	provider *fakeProvider
	profiles *fakeProfiles
	rec      *recorder
	metrics  *Metrics
	deps     Deps
}

func newHarness() *harness {
	h := &harness{
		store:    NewStore(),
		provider: newFakeProvider(),
		profiles: &fakeProfiles{taken: map[string]bool{}},
		rec:      &recorder{},
		metrics:  NewMetrics(nil),
	}
	h.deps = Deps{
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:    h.store,
		Provider: h.provider,
		Profiles: h.profiles,
		Notifier: h.rec,
		Router:   h.rec,
		Metrics:  h.metrics,
	}
	return h
}

func testSession(id, email, username string) *Session {
	return &Session{
		ID:           "sess-" + id,
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		ExpiresAt:    time.Now().Add(time.Hour),
		User: &Identity{
			ID:       id,
			Email:    email,
			Metadata: Metadata{Username: username},
		},
	}
}
