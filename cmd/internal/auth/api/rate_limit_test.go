package authapi

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEvaluateWindowThrottle(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

	failures := []time.Time{
		now.Add(-1 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-6 * time.Minute),
	}

	blocked, retry := evaluateWindowThrottle(now, failures, 2, 5*time.Minute)
	if !blocked {
		t.Fatalf("expected window throttle to block")
	}
	if retry != 3*time.Minute {
		t.Fatalf("expected retry=3m, got %v", retry)
	}

	blocked, retry = evaluateWindowThrottle(now, failures, 3, 5*time.Minute)
	if blocked {
		t.Fatalf("expected window throttle to allow")
	}
	if retry != 0 {
		t.Fatalf("expected retry=0, got %v", retry)
	}
}

func TestMemoryAuditLog_OnlyFailuresCount(t *testing.T) {
	m := NewMemoryAuditLog(time.Hour)
	ctx := context.Background()
	ip := net.ParseIP("198.51.100.1")
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

	_ = m.Record(ctx, AuditEntry{Action: actionSignInOK, IP: ip, At: now})
	_ = m.Record(ctx, AuditEntry{Action: actionSignInFailed, IP: ip, At: now.Add(-2 * time.Hour)})
	_ = m.Record(ctx, AuditEntry{Action: actionSignUpFailed, IP: ip, At: now})
	_ = m.Record(ctx, AuditEntry{Action: actionSignInFailed, IP: net.ParseIP("198.51.100.2"), At: now})

	got, err := m.FailuresSince(ctx, ip, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("FailuresSince: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(got))
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:1234"
	r.Header.Set("X-Forwarded-For", "garbage, 203.0.113.9")

	if got := clientIP(r, false); got.String() != "192.0.2.10" {
		t.Fatalf("untrusted proxy: got %v", got)
	}
	if got := clientIP(r, true); got.String() != "203.0.113.9" {
		t.Fatalf("trusted proxy: got %v", got)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("QUILL_API_FAILURE_IP_MAX", "7")
	t.Setenv("QUILL_API_MAX_BODY_BYTES", "-1")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.FailureIPMax != 7 {
		t.Fatalf("FailureIPMax=%d", cfg.FailureIPMax)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("MaxBodyBytes=%d", cfg.MaxBodyBytes)
	}
}
