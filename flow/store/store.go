package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested workflow, idempotency record,
// or dead-letter entry does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned by InsertIdempotency when a record with
// the same key already exists. Callers receive the existing record
// alongside the error and decide how to proceed.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// WorkflowFilter narrows ListWorkflows results. Zero values match
// everything; Limit <= 0 means no limit.
type WorkflowFilter struct {
	Status        Status
	DefinitionKey string
	Limit         int
}

// EventFilter narrows GetEvents results. Zero values match everything;
// Limit <= 0 means no limit.
type EventFilter struct {
	Type  EventType
	Limit int
}

// DLQFilter narrows ListDLQEntries results.
type DLQFilter struct {
	Status     DLQStatus
	Type       DLQType
	WorkflowID string
	Limit      int
}

// Store provides transactional persistence for the engine's four logical
// tables: workflows, events, idempotency, dlq.
//
// Writes are transactional per record. There is no multi-record
// transaction across tables: consistency between a workflow record, its
// events, and its idempotency records is achieved by write ordering
// (idempotency, then side-effect, then event), not atomicity.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveWorkflow inserts or replaces a workflow record. UpdatedAt is
	// refreshed by the caller; InsertedAt is set on first save.
	SaveWorkflow(ctx context.Context, wf *Workflow) error

	// GetWorkflow retrieves a workflow by id with read-committed
	// consistency. Returns ErrNotFound if absent.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetWorkflowDirty is the fast-path read used by the dashboard
	// listing and idempotency lookups. It observes the latest committed
	// row without isolation: a concurrent writer's commit may or may not
	// be visible. Never use it to make write decisions.
	GetWorkflowDirty(ctx context.Context, id string) (*Workflow, error)

	// ListWorkflows returns workflows matching the filter, newest first.
	ListWorkflows(ctx context.Context, f WorkflowFilter) ([]*Workflow, error)

	// DeleteWorkflow removes a workflow and cascades to its events.
	DeleteWorkflow(ctx context.Context, id string) error

	// AppendEvent appends one event to the log. Events are never updated
	// in place.
	AppendEvent(ctx context.Context, ev *Event) error

	// GetEvents returns a workflow's events ordered by timestamp.
	GetEvents(ctx context.Context, workflowID string, f EventFilter) ([]*Event, error)

	// CountByStatus returns workflow counts keyed by status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// InsertIdempotency atomically inserts a record if and only if no
	// record with the same key exists. On conflict it returns the
	// existing record and ErrDuplicateKey.
	InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error)

	// GetIdempotency retrieves a record by key. Dirty read; see
	// GetWorkflowDirty for the caveat.
	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)

	// UpdateIdempotency transitions a record from pending to
	// completed or failed. Any other transition is a caller bug; stores
	// persist what they are given.
	UpdateIdempotency(ctx context.Context, rec *IdempotencyRecord) error

	// ListIdempotencyByStatus returns all records in the given status.
	ListIdempotencyByStatus(ctx context.Context, status IdempotencyStatus) ([]*IdempotencyRecord, error)

	// DeleteIdempotencyOlderThan removes completed and failed records
	// started before the cutoff. Pending records are preserved for
	// forensic recovery. Returns the number deleted.
	DeleteIdempotencyOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// SaveDLQEntry inserts or replaces a dead-letter entry.
	SaveDLQEntry(ctx context.Context, e *DLQEntry) error

	// GetDLQEntry retrieves a dead-letter entry by id.
	GetDLQEntry(ctx context.Context, id string) (*DLQEntry, error)

	// ListDLQEntries returns entries matching the filter, newest first.
	ListDLQEntries(ctx context.Context, f DLQFilter) ([]*DLQEntry, error)

	// CountDLQByStatus returns dead-letter entry counts keyed by status.
	CountDLQByStatus(ctx context.Context) (map[DLQStatus]int, error)

	// Backup snapshots all four tables into an intermediate format
	// suitable for JSON serialization.
	Backup(ctx context.Context) (*Snapshot, error)

	// Restore replaces all table contents with the snapshot's. The
	// caller (Migrator) is responsible for emergency dumps on failure.
	Restore(ctx context.Context, snap *Snapshot) error

	// Reset destroys and recreates all tables, leaving them empty.
	Reset(ctx context.Context) error

	// Close releases the backend. The store is unusable afterwards.
	Close() error
}
