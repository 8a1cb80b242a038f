// Package clockid centralizes time and id generation so components can
// substitute both in tests, matching the teacher's "now func() time.Time"
// field convention (messages/internal/service/service.go).
package clockid

import (
	"time"

	"github.com/google/uuid"
)

// Clock yields the current time; tests replace Now to control expiry and
// sweep behavior deterministically.
type Clock struct {
	Now func() time.Time
}

// System returns a Clock backed by the real wall clock.
func System() Clock {
	return Clock{Now: func() time.Time { return time.Now().UTC() }}
}

// NewID returns a fresh UUIDv4 string, used for connection_id, session_id,
// and jti.
func NewID() string {
	return uuid.NewString()
}
