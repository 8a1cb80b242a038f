package broker

import (
	"errors"
	"testing"
	"time"
)

type fakeDeliverer struct {
	accept   bool
	received [][]byte
}

func (f *fakeDeliverer) Deliver(envelope []byte) bool {
	if !f.accept {
		return false
	}
	f.received = append(f.received, envelope)
	return true
}

func TestSubscribePublishDelivers(t *testing.T) {
	now := time.Now()
	b := New(Config{}, func() time.Time { return now }, nil)

	d := &fakeDeliverer{accept: true}
	b.Subscribe("room-1", "conn-1", d, nil)

	if err := b.Publish("room-1", []byte("hello"), PriorityNormal); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(d.received) != 1 || string(d.received[0]) != "hello" {
		t.Fatalf("expected delivery, got %+v", d.received)
	}
}

func TestSelectorSuppressesDelivery(t *testing.T) {
	now := time.Now()
	b := New(Config{}, func() time.Time { return now }, nil)

	d := &fakeDeliverer{accept: true}
	selector := func(payload []byte) bool { return string(payload) == "allowed" }
	b.Subscribe("room-1", "conn-1", d, selector)

	b.Publish("room-1", []byte("blocked"), PriorityNormal)
	if len(d.received) != 0 {
		t.Fatalf("expected selector to suppress delivery")
	}
	b.Publish("room-1", []byte("allowed"), PriorityNormal)
	if len(d.received) != 1 {
		t.Fatalf("expected selector to allow matching payload")
	}
}

func TestPublishDropsOnFullSubscriberInboxWithoutAffectingOthers(t *testing.T) {
	now := time.Now()
	var dropped []string
	b := New(Config{}, func() time.Time { return now }, func(topicName string) {
		dropped = append(dropped, topicName)
	})

	full := &fakeDeliverer{accept: false}
	ok := &fakeDeliverer{accept: true}
	b.Subscribe("room-1", "conn-full", full, nil)
	b.Subscribe("room-1", "conn-ok", ok, nil)

	if err := b.Publish("room-1", []byte("hi"), PriorityNormal); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(ok.received) != 1 {
		t.Fatalf("expected unaffected subscriber to still receive")
	}
	if len(dropped) != 1 {
		t.Fatalf("expected one drop recorded, got %v", dropped)
	}
}

func TestBackpressureRejectsByPriority(t *testing.T) {
	now := time.Now()
	b := New(Config{BackpressureThreshold: 1}, func() time.Time { return now }, nil)
	b.queueSize = 3 // above both thresholds

	if err := b.Publish("nonexistent-but-checked-first", []byte("x"), PriorityLow); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected low priority rejected, got %v", err)
	}
	if err := b.Publish("nonexistent-but-checked-first", []byte("x"), PriorityNormal); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected normal priority rejected at 2x threshold, got %v", err)
	}

	d := &fakeDeliverer{accept: true}
	b.Subscribe("room-1", "conn-1", d, nil)
	if err := b.Publish("room-1", []byte("x"), PriorityHigh); err != nil {
		t.Fatalf("expected high priority always accepted, got %v", err)
	}
}

func TestRemoveVerifiesOwner(t *testing.T) {
	now := time.Now()
	b := New(Config{}, func() time.Time { return now }, nil)
	b.Create("room-1", "owner-1")

	if _, err := b.Remove("room-1", "not-owner"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	subs, err := b.Remove("room-1", "owner-1")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if subs == nil {
		t.Fatalf("expected subscriber list (possibly empty), got nil")
	}
	for _, name := range b.List() {
		if name == "room-1" {
			t.Fatalf("expected room-1 deregistered")
		}
	}
}
