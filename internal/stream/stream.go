// Package stream fan-outs committed audit events to live subscribers
// (the SSE feed on /v1/audit/stream). Delivery is best effort: slow
// subscribers lose events rather than backpressure the audit writer.
package stream

import (
	"context"
	"sync"

	"agentiam.org/internal/audit"
)

const subscriberBuffer = 16

// Stream fan-outs audit events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	tenantID string
	ch       chan *audit.Event
}

func New() *Stream {
	return &Stream{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber for one tenant's events. The channel
// is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, tenantID string) <-chan *audit.Event {
	sub := &subscriber{tenantID: tenantID, ch: make(chan *audit.Event, subscriberBuffer)}

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()

	return sub.ch
}

// Publish fan-outs the event to the tenant's subscribers. Called by the
// audit writer after the event is committed, so subscribers only see
// entries that are part of the chain.
func (s *Stream) Publish(ev *audit.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.tenantID != ev.TenantID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
