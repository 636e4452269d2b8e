package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
)

// VerifyResult reports the outcome of a chain walk. When the chain is
// broken, BrokenEventID names the first event at which verification
// failed and Reason says how.
type VerifyResult struct {
	OK            bool
	Checked       int
	BrokenEventID string
	Reason        string
}

// VerifyChain recomputes every hash and signature in the tenant's chain
// between the from and to sequence numbers, inclusive (zero means
// unbounded on that side), and checks the links between consecutive
// events. A range starting mid-chain is anchored on the event preceding
// from, so its first link is verified too, not assumed. It stops at the
// first break: everything after a broken event is untrustworthy anyway.
func (t *Trail) VerifyChain(ctx context.Context, tenantID string, from, to uint64) (VerifyResult, error) {
	if tenantID == "" {
		return VerifyResult{}, fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	if to > 0 && from > to {
		return VerifyResult{}, fmt.Errorf("%w: range %d..%d is inverted", ErrInvalidInput, from, to)
	}

	prevHash := ""
	var prevSeq uint64
	if from > 1 {
		anchors, err := t.store.Query(ctx, Filter{TenantID: tenantID, FromSeq: from - 1, ToSeq: from - 1})
		if err != nil {
			return VerifyResult{}, err
		}
		if len(anchors) == 0 {
			return VerifyResult{}, fmt.Errorf("%w: anchor event seq %d", ErrNotFound, from-1)
		}
		prevHash = anchors[0].Hash
		prevSeq = from - 1
	}

	events, err := t.store.Query(ctx, Filter{TenantID: tenantID, FromSeq: from, ToSeq: to})
	if err != nil {
		return VerifyResult{}, err
	}

	res := VerifyResult{OK: true}
	for _, ev := range events {
		if ev.Seq != prevSeq+1 {
			return broken(res, ev.ID, fmt.Sprintf("sequence gap: got %d, want %d", ev.Seq, prevSeq+1)), nil
		}
		if ev.PrevHash != prevHash {
			return broken(res, ev.ID, "previous-hash link mismatch"), nil
		}
		want := ev.computeHash()
		if subtle.ConstantTimeCompare([]byte(want), []byte(ev.Hash)) != 1 {
			return broken(res, ev.ID, "content hash mismatch"), nil
		}
		if !ed25519.Verify(t.pub, []byte(ev.Hash), ev.Signature) {
			return broken(res, ev.ID, "bad signature"), nil
		}
		res.Checked++
		prevHash = ev.Hash
		prevSeq = ev.Seq
	}
	return res, nil
}

func broken(res VerifyResult, id, reason string) VerifyResult {
	res.OK = false
	res.BrokenEventID = id
	res.Reason = reason
	return res
}
