package authapi

import (
	"context"
	"net"
	"slices"
	"strings"
	"sync"
	"time"
)

// Audit actions.
const (
	actionSignUpOK      = "auth.signup.success"
	actionSignUpFailed  = "auth.signup.failed"
	actionSignInOK      = "auth.signin.success"
	actionSignInFailed  = "auth.signin.failed"
	actionSignOut       = "auth.signout"
	actionOAuthStart    = "auth.oauth.start"
	actionOAuthDone     = "auth.oauth.callback"
	actionConfirmOK     = "auth.confirm.success"
	actionConfirmFailed = "auth.confirm.failed"
	actionRateLimited   = "auth.rate_limited"
)

// AuditEntry is one audited auth action.
type AuditEntry struct {
	Action    string
	UserID    string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// AuditLog records auth actions and answers failure counts for throttling.
type AuditLog interface {
	Record(ctx context.Context, e AuditEntry) error
	// FailuresSince returns the timestamps of failed sign-ins and sign-ups from ip since the cutoff.
	FailuresSince(ctx context.Context, ip net.IP, since time.Time) ([]time.Time, error)
}

// failureActions count toward the per-IP throttle.
var failureActions = []string{actionSignInFailed, actionSignUpFailed, actionConfirmFailed}

func isFailure(action string) bool {
	return slices.Contains(failureActions, action)
}

// MemoryAuditLog keeps failure timestamps per IP; other actions are dropped.
type MemoryAuditLog struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	horizon  time.Duration
}

// NewMemoryAuditLog keeps failures for horizon.
func NewMemoryAuditLog(horizon time.Duration) *MemoryAuditLog {
	if horizon <= 0 {
		horizon = time.Hour
	}
	return &MemoryAuditLog{failures: make(map[string][]time.Time), horizon: horizon}
}

func (m *MemoryAuditLog) Record(_ context.Context, e AuditEntry) error {
	if !isFailure(e.Action) || e.IP == nil {
		return nil
	}
	key := e.IP.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	cut := e.At.Add(-m.horizon)
	kept := m.failures[key][:0]
	for _, t := range m.failures[key] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	m.failures[key] = append(kept, e.At)
	return nil
}

func (m *MemoryAuditLog) FailuresSince(_ context.Context, ip net.IP, since time.Time) ([]time.Time, error) {
	if ip == nil {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []time.Time
	for _, t := range m.failures[ip.String()] {
		if !t.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (h *Handler) audit(ctx context.Context, action, userID string, ip net.IP, ua string, meta map[string]any) {
	if h.auditLog == nil {
		return
	}
	e := AuditEntry{
		Action:    action,
		UserID:    userID,
		IP:        ip,
		UserAgent: strings.TrimSpace(ua),
		Meta:      meta,
		At:        h.now(),
	}
	if err := h.auditLog.Record(ctx, e); err != nil {
		h.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}
