package wsproto

import (
	"testing"
	"time"
)

func newBareConn() *Conn {
	return &Conn{
		ID:            "conn-1",
		state:         StateOpenUnauthenticated,
		Subscriptions: make(map[string]struct{}),
	}
}

func TestConnStartsUnauthenticated(t *testing.T) {
	c := newBareConn()
	if c.IsAuthenticated() {
		t.Fatalf("expected fresh connection to be unauthenticated")
	}
}

func TestConnMarkAuthenticatedTransitions(t *testing.T) {
	c := newBareConn()
	c.MarkAuthenticated("u1", "sess-1")
	if !c.IsAuthenticated() {
		t.Fatalf("expected authenticated after MarkAuthenticated")
	}
	if c.UserID != "u1" || c.SessionID != "sess-1" {
		t.Fatalf("expected user/session binding, got %q/%q", c.UserID, c.SessionID)
	}
}

func TestConnSubscribeUnsubscribe(t *testing.T) {
	c := newBareConn()
	c.Subscribe("room-1")
	c.Subscribe("room-2")
	if topics := c.Topics(); len(topics) != 2 {
		t.Fatalf("expected 2 subscriptions, got %v", topics)
	}
	c.Unsubscribe("room-1")
	if topics := c.Topics(); len(topics) != 1 || topics[0] != "room-2" {
		t.Fatalf("expected only room-2 left, got %v", topics)
	}
}

func TestConnIdleSince(t *testing.T) {
	c := newBareConn()
	now := time.Now()
	c.LastActivity = now
	if d := c.IdleSince(now.Add(5 * time.Second)); d != 5*time.Second {
		t.Fatalf("expected 5s idle, got %v", d)
	}
	c.Touch(now.Add(10 * time.Second))
	if d := c.IdleSince(now.Add(10 * time.Second)); d != 0 {
		t.Fatalf("expected 0 idle right after touch, got %v", d)
	}
}
