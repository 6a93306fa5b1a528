package authapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// checkIPThrottle reports whether ip has too many recent failures, and for how long.
func (h *Handler) checkIPThrottle(ctx context.Context, ip net.IP, now time.Time) (bool, time.Duration, error) {
	if ip == nil || h.auditLog == nil || h.cfg.FailureIPMax <= 0 {
		return false, 0, nil
	}
	failures, err := h.auditLog.FailuresSince(ctx, ip, now.Add(-h.cfg.FailureIPWindow))
	if err != nil {
		return false, 0, err
	}
	blocked, retry := evaluateWindowThrottle(now, failures, h.cfg.FailureIPMax, h.cfg.FailureIPWindow)
	return blocked, retry, nil
}

// evaluateWindowThrottle blocks once max failures fall inside window; the
// block lasts until the oldest counted failure ages out.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)

	var inWindow []time.Time
	for _, t := range failures {
		if t.After(cut) && !t.After(now) {
			inWindow = append(inWindow, t)
		}
	}
	if len(inWindow) < max {
		return false, 0
	}

	oldest := inWindow[0]
	for _, t := range inWindow[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	return true, oldest.Add(window).Sub(now)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
