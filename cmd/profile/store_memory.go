package profile

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Username uniqueness is enforced under
// one lock, matching the unique index of the Postgres store.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Profile
	byNorm map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]Profile),
		byNorm: make(map[string]string),
	}
}

func (s *MemoryStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	const op = "profile.UsernameExists"

	if err := ctx.Err(); err != nil {
		return false, err
	}
	norm := NormalizeUsername(username)
	if norm == "" {
		return false, invalid(op, "empty username")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byNorm[norm]
	return ok, nil
}

func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (Profile, error) {
	const op = "profile.Create"

	in, err := in.validate(op)
	if err != nil {
		return Profile{}, err
	}
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	p := Profile{
		ID:           in.ID,
		Username:     strings.TrimSpace(in.Username),
		UsernameNorm: NormalizeUsername(in.Username),
		FullName:     in.FullName,
		CreatedAt:    in.Now,
		UpdatedAt:    in.Now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byNorm[p.UsernameNorm]; ok {
		return Profile{}, ConflictError{Op: op, Field: "username"}
	}
	if _, ok := s.byID[p.ID]; ok {
		return Profile{}, ConflictError{Op: op, Field: "id"}
	}
	s.byID[p.ID] = p
	s.byNorm[p.UsernameNorm] = p.ID
	return p, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return Profile{}, OpError{Op: "profile.GetByID", Kind: ErrNotFound}
	}
	return p, nil
}

func (s *MemoryStore) UpdateFullName(ctx context.Context, id string, fullName *string, now time.Time) (Profile, error) {
	const op = "profile.UpdateFullName"

	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	fullName = trimPtr(fullName)
	if fullName != nil && len([]rune(*fullName)) > fullNameMaxLen {
		return Profile{}, invalid(op, "full name too long")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Profile{}, OpError{Op: op, Kind: ErrNotFound}
	}
	p.FullName = fullName
	p.UpdatedAt = now
	s.byID[id] = p
	return p, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return OpError{Op: "profile.Delete", Kind: ErrNotFound}
	}
	delete(s.byID, id)
	delete(s.byNorm, p.UsernameNorm)
	return nil
}
