// Package ids provides the ULID primitive used for ids across quill
// (local users and sessions, websocket connections, envelopes, subscriptions).
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable by creation time.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var (
	monoMu  sync.Mutex
	monoSrc = ulid.Monotonic(rand.Reader, 0)
)

// Make returns a ULID that is strictly increasing within the process for ids
// minted in the same millisecond. It panics only if the entropy source fails.
func Make(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	monoMu.Lock()
	defer monoMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), monoSrc).String()
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
