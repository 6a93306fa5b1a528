package realtime

import (
	"time"

	"quill/cmd/profile/ids"
)

// NewConnID returns a ULID used as websocket connection id.
func NewConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelopeID returns a ULID for an outgoing envelope.
// ULIDs sort by time, which keeps client-side logs readable.
func newEnvelopeID(now time.Time) string {
	return ids.Make(now)
}
