// Package ratelimit implements the sliding-window counter store with
// lockouts (spec C4). Keys are kept in a mutex-guarded map the way the
// teacher keeps session rows per user — one entry per (scope, id) pair —
// generalized from auth/internal/store/session_store.go's per-row
// locking discipline to an in-memory ring of event timestamps.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a rate-limit check or record call.
type Result struct {
	OK            bool
	Remaining     int
	Locked        bool
	RetryAfterMs  int64
}

type key struct {
	scope string
	id    string
}

type entry struct {
	mu       sync.Mutex
	events   []time.Time // within the last window, oldest first
	unlockAt time.Time   // zero if not locked
}

// Policy configures the sliding window and lockout for a single scope.
type Policy struct {
	Window          time.Duration
	Max             int
	LockoutDuration time.Duration
}

// Store is the sliding-window counter store, keyed by (scope, identifier).
type Store struct {
	now      func() time.Time
	mu       sync.Mutex
	entries  map[key]*entry
	policies map[string]Policy
}

// NewStore creates a Store with per-scope policies. Scopes not present
// in policies use the zero Policy (effectively unlimited) — callers are
// expected to register every scope they use.
func NewStore(now func() time.Time, policies map[string]Policy) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:      now,
		entries:  make(map[key]*entry),
		policies: policies,
	}
}

func (s *Store) entryFor(scope, id string) (*entry, Policy) {
	k := key{scope, id}
	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	s.mu.Unlock()
	return e, s.policies[scope]
}

// Record reports an event for (scope, id). success=false counts toward
// the lockout threshold; success=true resets the counter for that key —
// unless the key is currently locked, in which case it still returns
// Locked (spec §8: "a correct password during the lockout still returns
// account_locked").
func (s *Store) Record(scope, id string, success bool) Result {
	e, pol := s.entryFor(scope, id)
	now := s.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.unlockAt.IsZero() {
		if now.Before(e.unlockAt) {
			return Result{Locked: true, RetryAfterMs: e.unlockAt.Sub(now).Milliseconds()}
		}
		// lockout expired: clear it and start fresh.
		e.unlockAt = time.Time{}
		e.events = nil
	}

	if success {
		e.events = nil
		return Result{OK: true, Remaining: maxInt(pol.Max, 1)}
	}

	e.events = pruneWindow(e.events, now, pol.Window)
	e.events = append(e.events, now)

	// Max is the number of failures tolerated before lockout: the
	// (Max+1)th failure within the window is what locks the key (spec §8
	// scenario 2: five wrong passwords still return invalid_credentials,
	// the sixth is what returns account_locked).
	if pol.Max > 0 && len(e.events) > pol.Max {
		e.unlockAt = now.Add(pol.LockoutDuration)
		e.events = nil
		return Result{Locked: true, RetryAfterMs: pol.LockoutDuration.Milliseconds()}
	}

	remaining := pol.Max - len(e.events)
	if remaining < 0 {
		remaining = 0
	}
	return Result{OK: true, Remaining: remaining}
}

// Check is the side-effect-free read of the current state for (scope, id).
func (s *Store) Check(scope, id string) Result {
	e, pol := s.entryFor(scope, id)
	now := s.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.unlockAt.IsZero() && now.Before(e.unlockAt) {
		return Result{Locked: true, RetryAfterMs: e.unlockAt.Sub(now).Milliseconds()}
	}
	live := pruneWindow(e.events, now, pol.Window)
	remaining := pol.Max - len(live)
	if remaining < 0 {
		remaining = 0
	}
	return Result{OK: true, Remaining: remaining}
}

// Sweep removes keys with no recent events and no active lockout. Call
// periodically from a background goroutine (spec §5: "a small ...
// sweeper each for ... rate-limit GC").
func (s *Store) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		e.mu.Lock()
		e.events = pruneWindow(e.events, now, s.policies[k.scope].Window)
		empty := len(e.events) == 0 && (e.unlockAt.IsZero() || now.After(e.unlockAt))
		e.mu.Unlock()
		if empty {
			delete(s.entries, k)
		}
	}
}

func pruneWindow(events []time.Time, now time.Time, window time.Duration) []time.Time {
	// Boundary is exclusive at the old end: an event exactly `window` ago
	// no longer counts (spec §8), so we drop anything at-or-before cutoff.
	cutoff := now.Add(-window)
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append([]time.Time(nil), events[i:]...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
