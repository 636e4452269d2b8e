package audit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("audit: not found")
	ErrInvalidInput = errors.New("audit: invalid input")
	ErrClosed       = errors.New("audit: trail closed")
	// ErrQueueFull is returned when an async append could not be enqueued
	// within the drop deadline. The event is lost and the trail is marked
	// degraded.
	ErrQueueFull = errors.New("audit: queue full, event dropped")
)

// Filter narrows a query. Zero fields match everything; results come
// back in chain order (sequence ascending).
type Filter struct {
	TenantID string
	ActorID  string
	Decision string
	Action   string
	Since    time.Time
	Until    time.Time
	// FromSeq/ToSeq bound the chain positions, inclusive; zero means
	// unbounded on that side.
	FromSeq uint64
	ToSeq   uint64
	Limit   int
}

// Store persists audit events. Append must reject a duplicate
// (tenant_id, seq) pair so a crashed writer cannot fork the chain.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	Last(ctx context.Context, tenantID string) (*Event, error)
	Query(ctx context.Context, f Filter) ([]*Event, error)
}
