package audit

import (
	"context"
	"fmt"

	"agentiam.org/internal/identity"
)

// Recorder adapts the trail to the identity manager's audit hook.
// Provisioning is write-then-respond, so the event goes through
// RecordSync: no agent exists without its creation entry.
type Recorder struct {
	trail *Trail
}

func NewRecorder(trail *Trail) *Recorder { return &Recorder{trail: trail} }

func (r *Recorder) IdentityCreated(ctx context.Context, pe identity.ProvisionEvent) error {
	return r.trail.RecordSync(ctx, &Event{
		TenantID:     pe.TenantID,
		ActorID:      pe.ActorID,
		Action:       "identity.provision",
		ResourceType: "identity",
		ResourceID:   pe.AgentID,
		Decision:     DecisionAllow,
		Chain:        pe.Chain,
		Detail:       fmt.Sprintf("task=%s depth=%d", pe.TaskID, pe.Depth),
		Timestamp:    pe.At,
	})
}
