package authstate

import (
	"sync"
)

// Store holds the single current {user, session, loading} triple of the process.
//
// Concurrency contract:
//   - Writes are serialized together with their notifications, so subscribers
//     observe updates in write order and the last write wins.
//   - Subscribers run synchronously on the writer's goroutine. They may call
//     Current but must not write to the store.
//   - No method blocks on I/O.
type Store struct {
	emitMu sync.Mutex

	mu     sync.RWMutex
	state  State
	loaded chan struct{}

	subMu   sync.Mutex
	subs    []storeSub
	nextSub uint64
}

type storeSub struct {
	id uint64
	fn func(State)
}

// NewStore returns a store in its initial state: signed out and loading.
func NewStore() *Store {
	return &Store{
		state:  State{Loading: true},
		loaded: make(chan struct{}),
	}
}

// Current returns the latest snapshot.
func (s *Store) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Revision returns the number of writes applied so far.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Revision
}

// Loaded returns a channel closed once loading has resolved.
func (s *Store) Loaded() <-chan struct{} { return s.loaded }

// Update replaces the triple with sess (nil means signed out) and resolves loading.
func (s *Store) Update(sess *Session) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.applyLocked(sess)
}

// Resolve applies sess only while loading is still unresolved.
// It reports whether the write was applied.
func (s *Store) Resolve(sess *Session) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if !s.Current().Loading {
		return false
	}
	s.applyLocked(sess)
	return true
}

// CompareAndUpdate applies sess only if no write happened since revision rev.
// It reports whether the write was applied.
func (s *Store) CompareAndUpdate(rev uint64, sess *Session) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.Revision() != rev {
		return false
	}
	s.applyLocked(sess)
	return true
}

// Subscribe registers fn to be called after every applied write.
func (s *Store) Subscribe(fn func(State)) Subscription {
	if fn == nil {
		return SubscriptionFunc(nil)
	}

	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, storeSub{id: id, fn: fn})
	s.subMu.Unlock()

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() { s.unsubscribe(id) })
	})
}

func (s *Store) unsubscribe(id uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// applyLocked requires emitMu.
func (s *Store) applyLocked(sess *Session) {
	var user *Identity
	if sess != nil {
		user = sess.User
		if user == nil {
			// A session without a user would break the pairing; treat it as signed out.
			sess = nil
		}
	}

	s.mu.Lock()
	wasLoading := s.state.Loading
	s.state = State{
		User:     user,
		Session:  sess,
		Loading:  false,
		Revision: s.state.Revision + 1,
	}
	next := s.state
	s.mu.Unlock()

	if wasLoading {
		close(s.loaded)
	}

	s.subMu.Lock()
	subs := make([]storeSub, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.fn(next)
	}
}
