package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Memory-only engine mode (configuration `storage.backend: memory`)
//   - Short-lived workflows where durability isn't required
//
// MemStore is thread-safe. All records are deep-copied on the way in and
// out, so callers can never alias store-internal state.
//
// Data is lost when the process terminates; use SQLiteStore or
// MySQLStore for durability.
type MemStore struct {
	mu          sync.RWMutex
	workflows   map[string]*Workflow
	events      map[string][]*Event // workflowID -> append-ordered events
	idempotency map[string]*IdempotencyRecord
	dlq         map[string]*DLQEntry
	dlqOrder    []string // entry ids in insertion order
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:   make(map[string]*Workflow),
		events:      make(map[string][]*Event),
		idempotency: make(map[string]*IdempotencyRecord),
		dlq:         make(map[string]*DLQEntry),
	}
}

func deepCopy[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Records are JSON-serializable by contract; a marshal failure
		// here is a programming error upstream.
		panic("store: record not JSON-serializable: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic("store: record round-trip failed: " + err.Error())
	}
	return out
}

// SaveWorkflow inserts or replaces a workflow record.
func (m *MemStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := deepCopy(wf)
	if prev, ok := m.workflows[wf.ID]; ok {
		cp.InsertedAt = prev.InsertedAt
	} else if cp.InsertedAt.IsZero() {
		cp.InsertedAt = Now()
	}
	m.workflows[wf.ID] = cp
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (m *MemStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(wf), nil
}

// GetWorkflowDirty is identical to GetWorkflow for the in-memory
// backend; the dirty-read distinction only matters for SQL backends.
func (m *MemStore) GetWorkflowDirty(ctx context.Context, id string) (*Workflow, error) {
	return m.GetWorkflow(ctx, id)
}

// ListWorkflows returns workflows matching the filter, newest first by
// insertion time.
func (m *MemStore) ListWorkflows(_ context.Context, f WorkflowFilter) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		if f.Status != "" && wf.Status != f.Status {
			continue
		}
		if f.DefinitionKey != "" && wf.DefinitionKey != f.DefinitionKey {
			continue
		}
		out = append(out, deepCopy(wf))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InsertedAt.Equal(out[j].InsertedAt) {
			return out[i].InsertedAt.After(out[j].InsertedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteWorkflow removes a workflow and its events.
func (m *MemStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(m.workflows, id)
	delete(m.events, id)
	return nil
}

// AppendEvent appends one event to the workflow's trace.
func (m *MemStore) AppendEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.WorkflowID] = append(m.events[ev.WorkflowID], deepCopy(ev))
	return nil
}

// GetEvents returns a workflow's events ordered by timestamp. Ties keep
// append order, so causally ordered same-millisecond events stay sorted.
func (m *MemStore) GetEvents(_ context.Context, workflowID string, f EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[workflowID]
	out := make([]*Event, 0, len(evs))
	for _, ev := range evs {
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		out = append(out, deepCopy(ev))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountByStatus returns workflow counts keyed by status.
func (m *MemStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int)
	for _, wf := range m.workflows {
		counts[wf.Status]++
	}
	return counts, nil
}

// InsertIdempotency atomically inserts a record if absent. On conflict
// the existing record is returned with ErrDuplicateKey.
func (m *MemStore) InsertIdempotency(_ context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.idempotency[rec.Key]; ok {
		return deepCopy(existing), ErrDuplicateKey
	}
	m.idempotency[rec.Key] = deepCopy(rec)
	return deepCopy(rec), nil
}

// GetIdempotency retrieves a record by key.
func (m *MemStore) GetIdempotency(_ context.Context, key string) (*IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(rec), nil
}

// UpdateIdempotency replaces a record.
func (m *MemStore) UpdateIdempotency(_ context.Context, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idempotency[rec.Key]; !ok {
		return ErrNotFound
	}
	m.idempotency[rec.Key] = deepCopy(rec)
	return nil
}

// ListIdempotencyByStatus returns all records in the given status,
// ordered by key for deterministic iteration.
func (m *MemStore) ListIdempotencyByStatus(_ context.Context, status IdempotencyStatus) ([]*IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*IdempotencyRecord
	for _, rec := range m.idempotency {
		if rec.Status == status {
			out = append(out, deepCopy(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// DeleteIdempotencyOlderThan removes completed and failed records
// started before the cutoff. Pending records are preserved.
func (m *MemStore) DeleteIdempotencyOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for key, rec := range m.idempotency {
		if rec.Status == IdempotencyPending {
			continue
		}
		if rec.StartedAt.Before(cutoff) {
			delete(m.idempotency, key)
			deleted++
		}
	}
	return deleted, nil
}

// SaveDLQEntry inserts or replaces a dead-letter entry.
func (m *MemStore) SaveDLQEntry(_ context.Context, e *DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dlq[e.EntryID]; !ok {
		m.dlqOrder = append(m.dlqOrder, e.EntryID)
	}
	m.dlq[e.EntryID] = deepCopy(e)
	return nil
}

// GetDLQEntry retrieves a dead-letter entry by id.
func (m *MemStore) GetDLQEntry(_ context.Context, id string) (*DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.dlq[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(e), nil
}

// ListDLQEntries returns entries matching the filter, newest first.
func (m *MemStore) ListDLQEntries(_ context.Context, f DLQFilter) ([]*DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DLQEntry
	for i := len(m.dlqOrder) - 1; i >= 0; i-- {
		e, ok := m.dlq[m.dlqOrder[i]]
		if !ok {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
			continue
		}
		out = append(out, deepCopy(e))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// CountDLQByStatus returns entry counts keyed by status.
func (m *MemStore) CountDLQByStatus(_ context.Context) (map[DLQStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[DLQStatus]int)
	for _, e := range m.dlq {
		counts[e.Status]++
	}
	return counts, nil
}

// Backup snapshots all four tables.
func (m *MemStore) Backup(ctx context.Context) (*Snapshot, error) {
	wfs, err := m.ListWorkflows(ctx, WorkflowFilter{})
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	var evs []*Event
	for _, list := range m.events {
		for _, ev := range list {
			evs = append(evs, deepCopy(ev))
		}
	}
	var idems []*IdempotencyRecord
	for _, rec := range m.idempotency {
		idems = append(idems, deepCopy(rec))
	}
	var entries []*DLQEntry
	for _, id := range m.dlqOrder {
		if e, ok := m.dlq[id]; ok {
			entries = append(entries, deepCopy(e))
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })
	sort.Slice(idems, func(i, j int) bool { return idems[i].Key < idems[j].Key })
	return snapshotTables("", wfs, evs, idems, entries)
}

// Restore replaces all contents with the snapshot's.
func (m *MemStore) Restore(_ context.Context, snap *Snapshot) error {
	wfs, evs, idems, entries, err := decodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = make(map[string]*Workflow, len(wfs))
	m.events = make(map[string][]*Event)
	m.idempotency = make(map[string]*IdempotencyRecord, len(idems))
	m.dlq = make(map[string]*DLQEntry, len(entries))
	m.dlqOrder = m.dlqOrder[:0]
	for _, wf := range wfs {
		m.workflows[wf.ID] = wf
	}
	for _, ev := range evs {
		m.events[ev.WorkflowID] = append(m.events[ev.WorkflowID], ev)
	}
	for _, rec := range idems {
		m.idempotency[rec.Key] = rec
	}
	for _, e := range entries {
		m.dlq[e.EntryID] = e
		m.dlqOrder = append(m.dlqOrder, e.EntryID)
	}
	return nil
}

// Reset empties every table.
func (m *MemStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = make(map[string]*Workflow)
	m.events = make(map[string][]*Event)
	m.idempotency = make(map[string]*IdempotencyRecord)
	m.dlq = make(map[string]*DLQEntry)
	m.dlqOrder = nil
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *MemStore) Close() error { return nil }
