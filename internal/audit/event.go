package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Decision values recorded on an event. DecisionNone marks events for
// requests that failed before a policy decision was reached.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionNone  = "none"
)

// nullMarker stands in for absent optional fields in the canonical form,
// so "empty string" and "not present" hash differently.
const nullMarker = "\x00"

// Event is one immutable entry in a tenant's audit chain. Hash covers
// the canonical form including PrevHash; Signature is an ed25519
// signature over the hash.
type Event struct {
	ID           string
	TenantID     string
	Seq          uint64
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Decision     string
	TokenID      string
	// Chain is the actor's delegation chain snapshot, leaf first.
	Chain  []string
	Detail string
	Timestamp    time.Time
	PrevHash     string
	Hash         string
	Signature    []byte
}

// canonical renders the event in its hashed form: pipe-separated
// field=value pairs in fixed order. Pipes inside values are escaped so
// the encoding stays injective.
func (e *Event) canonical() []byte {
	var b strings.Builder
	writeField(&b, "id", e.ID, false)
	writeField(&b, "tenant", e.TenantID, false)
	writeField(&b, "seq", fmt.Sprintf("%d", e.Seq), false)
	writeField(&b, "ts", e.Timestamp.UTC().Format(time.RFC3339Nano), false)
	writeField(&b, "actor", orNull(e.ActorID), false)
	writeField(&b, "action", e.Action, false)
	writeField(&b, "rtype", orNull(e.ResourceType), false)
	writeField(&b, "rid", orNull(e.ResourceID), false)
	writeField(&b, "decision", e.Decision, false)
	writeField(&b, "token", orNull(e.TokenID), false)
	writeField(&b, "chain", orNull(strings.Join(e.Chain, ",")), false)
	writeField(&b, "detail", orNull(e.Detail), false)
	writeField(&b, "prev", orNull(e.PrevHash), true)
	return []byte(b.String())
}

func writeField(b *strings.Builder, name, value string, last bool) {
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(strings.ReplaceAll(value, "|", `\|`))
	if !last {
		b.WriteByte('|')
	}
}

func orNull(s string) string {
	if s == "" {
		return nullMarker
	}
	return s
}

// computeHash returns the hex SHA-256 of the canonical form.
func (e *Event) computeHash() string {
	sum := sha256.Sum256(e.canonical())
	return hex.EncodeToString(sum[:])
}
