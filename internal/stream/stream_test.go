package stream

import (
	"context"
	"testing"
	"time"

	"agentiam.org/internal/audit"
)

func event(tenant, action string) *audit.Event {
	return &audit.Event{TenantID: tenant, Action: action, Decision: audit.DecisionAllow}
}

func TestSubscriberReceivesOwnTenantOnly(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx, "tenant-a")
	s.Publish(event("tenant-b", "other.tenant"))
	s.Publish(event("tenant-a", "mine"))

	select {
	case ev := <-ch:
		if ev.Action != "mine" {
			t.Fatalf("action = %q, want %q", ev.Action, "mine")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected cross-tenant event %q", ev.Action)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx, "tenant-a")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			s.Publish(event("tenant-a", "burst"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if got := len(ch); got != subscriberBuffer {
		t.Fatalf("buffered = %d, want %d", got, subscriberBuffer)
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "tenant-a")
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after unsubscribe must not panic or send.
	s.Publish(event("tenant-a", "late"))
}
