// Package store provides durable persistence for workflow state, the
// append-only event log, idempotency records, and dead-letter entries.
//
// Three backends implement the Store interface:
//   - MemStore: in-memory maps, for tests and short-lived engines
//   - SQLiteStore: single-file durable storage (modernc.org/sqlite)
//   - MySQLStore: server-backed storage (go-sql-driver/mysql)
//
// All writes are transactional per record. Reads used on hot paths
// (dashboard listing, idempotency lookup) may be dirty: they observe the
// latest committed row without snapshot isolation.
package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a workflow record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// EventType identifies a lifecycle point in a workflow's execution trace.
// The set is closed; new types require a schema note in GetEvents callers.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventStepSkipped       EventType = "step_skipped"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
)

// IdempotencyStatus is the state of an exactly-once accounting record.
// Records transition pending -> completed | failed and are otherwise
// immutable.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// DLQType classifies why a dead-letter entry was created.
type DLQType string

const (
	DLQWorkflowFailed     DLQType = "workflow_failed"
	DLQCompensationFailed DLQType = "compensation_failed"
	DLQCriticalFailure    DLQType = "critical_failure"
)

// DLQStatus is the triage state of a dead-letter entry.
type DLQStatus string

const (
	DLQPending   DLQStatus = "pending"
	DLQRetrying  DLQStatus = "retrying"
	DLQResolved  DLQStatus = "resolved"
	DLQAbandoned DLQStatus = "abandoned"
)

// Resolution records how a dead-letter entry left the queue.
type Resolution string

const (
	ResolutionAutoResolved          Resolution = "auto_resolved"
	ResolutionManual                Resolution = "manual_resolution"
	ResolutionAbandoned             Resolution = "abandoned"
	ResolutionCompensatedExternally Resolution = "compensated_externally"
)

// Workflow is the persisted record of one workflow execution.
//
// Invariants:
//   - 0 <= CurrentStepIndex <= TotalSteps
//   - Status == completed implies CurrentStepIndex == TotalSteps and
//     CompletedAt != nil
//   - Status == failed implies Error != "" and CompletedAt != nil
//
// The owning actor has exclusive mutation rights over the in-memory
// record while it is alive; the store is written only through the actor
// or through recovery paths.
type Workflow struct {
	ID               string         `json:"id"`
	DefinitionKey    string         `json:"definition_key"`
	Status           Status         `json:"status"`
	State            map[string]any `json:"state_payload"`
	CurrentStepIndex int            `json:"current_step_index"`
	TotalSteps       int            `json:"total_steps"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Error            string         `json:"error,omitempty"`
	InsertedAt       time.Time      `json:"inserted_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the workflow record via JSON round-trip.
// The state payload must be JSON-serializable (the actor enforces this
// for everything it injects).
func (w *Workflow) Clone() (*Workflow, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	var out Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Event is one append-only entry in a workflow's execution trace.
// Events for a workflow ordered by Timestamp are the authoritative
// record of what happened.
type Event struct {
	EventID    string         `json:"event_id"`
	WorkflowID string         `json:"workflow_id"`
	Type       EventType      `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// IdempotencyRecord tracks exactly-once accounting for a single step
// attempt. Key format: "{workflow_id}:{step_name}:{attempt}".
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	Status      IdempotencyStatus `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// DLQEntry is a durable record of work that could not be recovered
// automatically. Context is sanitized before persistence (see dlq
// package): secret-bearing keys are stripped and long strings truncated.
type DLQEntry struct {
	EntryID        string         `json:"entry_id"`
	Type           DLQType        `json:"type"`
	Status         DLQStatus      `json:"status"`
	WorkflowID     string         `json:"workflow_id"`
	DefinitionKey  string         `json:"definition_key"`
	FailedStep     string         `json:"failed_step,omitempty"`
	Error          string         `json:"error"`
	Context        map[string]any `json:"context,omitempty"`
	OriginalParams map[string]any `json:"original_params,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	RetryCount     int            `json:"retry_count"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	Resolution     Resolution     `json:"resolution,omitempty"`
}

// Now returns the current UTC time truncated to millisecond precision,
// the resolution every persisted timestamp carries.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
