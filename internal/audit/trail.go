package audit

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentiam.org/internal/ids"
	"agentiam.org/internal/obs"
)

const (
	defaultQueueSize   = 1024
	defaultEnqueueWait = 250 * time.Millisecond
)

// Trail appends tamper-evident events to per-tenant hash chains. Each
// tenant has exactly one writer goroutine, so sequence numbers and hash
// links are assigned without cross-request races. Record is asynchronous
// and may drop under sustained overload; RecordSync waits for the write
// and is used where the caller must not proceed past a missing entry.
type Trail struct {
	store       Store
	priv        ed25519.PrivateKey
	pub         ed25519.PublicKey
	now         func() time.Time
	queueSize   int
	enqueueWait time.Duration
	notifier    Notifier

	mu      sync.Mutex
	writers map[string]*tenantWriter
	closed  bool
	wg      sync.WaitGroup
}

type tenantWriter struct {
	ch chan appendReq
}

type appendReq struct {
	ev   *Event
	done chan error // nil for fire-and-forget
}

type TrailOption func(*Trail)

func WithTrailClock(now func() time.Time) TrailOption {
	return func(t *Trail) { t.now = now }
}

func WithQueueSize(n int) TrailOption {
	return func(t *Trail) { t.queueSize = n }
}

func WithEnqueueWait(d time.Duration) TrailOption {
	return func(t *Trail) { t.enqueueWait = d }
}

// Notifier receives events after they are committed to the store.
type Notifier interface {
	Publish(ev *Event)
}

func WithNotifier(n Notifier) TrailOption {
	return func(t *Trail) { t.notifier = n }
}

// NewTrail builds a trail signing with the given ed25519 seed. The seed
// is tenant-independent; per-tenant chains are separated by the tenant
// id inside the canonical form.
func NewTrail(store Store, seed []byte, opts ...TrailOption) (*Trail, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: signing seed must be %d bytes", ErrInvalidInput, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	t := &Trail{
		store:       store,
		priv:        priv,
		pub:         priv.Public().(ed25519.PublicKey),
		now:         time.Now,
		queueSize:   defaultQueueSize,
		enqueueWait: defaultEnqueueWait,
		writers:     make(map[string]*tenantWriter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// PublicKey returns the verification key for the trail's signatures.
func (t *Trail) PublicKey() ed25519.PublicKey { return t.pub }

// Record enqueues an event for asynchronous appending. It blocks up to
// the enqueue wait when the tenant's queue is full, then drops the event,
// bumps the drop counter and marks the trail degraded.
func (t *Trail) Record(ctx context.Context, ev *Event) error {
	return t.enqueue(ctx, ev, nil)
}

// RecordSync appends the event and waits for the store write. The
// request still flows through the tenant writer so ordering is preserved
// relative to concurrent Record calls.
func (t *Trail) RecordSync(ctx context.Context, ev *Event) error {
	done := make(chan error, 1)
	if err := t.enqueue(ctx, ev, done); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trail) enqueue(ctx context.Context, ev *Event, done chan error) error {
	if ev.TenantID == "" || ev.Action == "" {
		return fmt.Errorf("%w: tenant and action are required", ErrInvalidInput)
	}
	if ev.Decision == "" {
		ev.Decision = DecisionNone
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now().UTC()
	}
	if ev.ID == "" {
		ev.ID = ids.NewAt(ev.Timestamp)
	}

	w, err := t.writer(ev.TenantID)
	if err != nil {
		return err
	}
	req := appendReq{ev: ev, done: done}
	select {
	case w.ch <- req:
		obs.SetAuditQueueDepth(len(w.ch))
		return nil
	default:
	}
	timer := time.NewTimer(t.enqueueWait)
	defer timer.Stop()
	select {
	case w.ch <- req:
		obs.SetAuditQueueDepth(len(w.ch))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		obs.ObserveAuditDrop()
		return ErrQueueFull
	}
}

func (t *Trail) writer(tenantID string) (*tenantWriter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if w, ok := t.writers[tenantID]; ok {
		return w, nil
	}
	w := &tenantWriter{ch: make(chan appendReq, t.queueSize)}
	t.writers[tenantID] = w
	t.wg.Add(1)
	go t.runWriter(tenantID, w)
	return w, nil
}

func (t *Trail) runWriter(tenantID string, w *tenantWriter) {
	defer t.wg.Done()

	var seq uint64
	var prevHash string
	ctx := context.Background()
	if last, err := t.store.Last(ctx, tenantID); err == nil {
		seq = last.Seq
		prevHash = last.Hash
	} else if !errors.Is(err, ErrNotFound) {
		obs.LogEvent("audit_writer_init_failed", map[string]any{
			"tenant_id": tenantID, "error": err.Error(),
		})
	}

	for req := range w.ch {
		ev := req.ev
		ev.Seq = seq + 1
		ev.PrevHash = prevHash
		ev.Hash = ev.computeHash()
		ev.Signature = ed25519.Sign(t.priv, []byte(ev.Hash))

		err := t.store.Append(ctx, ev)
		if err == nil {
			seq = ev.Seq
			prevHash = ev.Hash
			obs.ClearAuditDegraded()
			if t.notifier != nil {
				t.notifier.Publish(ev)
			}
		} else {
			obs.ObserveAuditDrop()
			obs.LogEvent("audit_append_failed", map[string]any{
				"tenant_id": tenantID, "event_id": ev.ID, "error": err.Error(),
			})
		}
		if req.done != nil {
			req.done <- err
		}
	}
}

// Close stops accepting events and drains the writers. Events already
// queued are written before Close returns, subject to ctx.
func (t *Trail) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, w := range t.writers {
		close(w.ch)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query returns events matching the filter in chain order.
func (t *Trail) Query(ctx context.Context, f Filter) ([]*Event, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	return t.store.Query(ctx, f)
}
