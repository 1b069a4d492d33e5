package flow

import (
	"time"

	"github.com/dshills/sagaflow/flow/store"
)

// Snapshot is the wire shape broadcast on the "workflows" and
// "workflow:{id}" topics and returned by GetState.
type Snapshot struct {
	WorkflowID       string         `json:"workflow_id"`
	DefinitionKey    string         `json:"definition_key"`
	Status           store.Status   `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	TotalSteps       int            `json:"total_steps"`
	StatePayload     map[string]any `json:"state_payload"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// snapshotOf copies a workflow record into its broadcast shape.
func snapshotOf(w *store.Workflow) Snapshot {
	return Snapshot{
		WorkflowID:       w.ID,
		DefinitionKey:    w.DefinitionKey,
		Status:           w.Status,
		CurrentStepIndex: w.CurrentStepIndex,
		TotalSteps:       w.TotalSteps,
		StatePayload:     w.State,
		StartedAt:        w.StartedAt,
		CompletedAt:      w.CompletedAt,
		Error:            w.Error,
	}
}

// payload renders the snapshot as the map shape bus subscribers and the
// tracing bridge consume.
func (s Snapshot) payload() map[string]any {
	m := map[string]any{
		"workflow_id":        s.WorkflowID,
		"definition_key":     s.DefinitionKey,
		"status":             string(s.Status),
		"current_step_index": s.CurrentStepIndex,
		"total_steps":        s.TotalSteps,
		"state_payload":      s.StatePayload,
		"started_at":         s.StartedAt.Format(time.RFC3339Nano),
	}
	if s.CompletedAt != nil {
		m["completed_at"] = s.CompletedAt.Format(time.RFC3339Nano)
	}
	if s.Error != "" {
		m["error"] = s.Error
	}
	return m
}
