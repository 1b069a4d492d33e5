package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table names used in snapshots and SQL schemas.
const (
	TableWorkflows   = "workflows"
	TableEvents      = "events"
	TableIdempotency = "idempotency"
	TableDLQ         = "dlq"
)

// Record is one snapshotted row: field name to JSON-encoded value.
// Stringifying per field keeps the backup format backend-neutral and
// lets Restore rebuild typed records without loss.
type Record map[string]string

// Snapshot is the intermediate backup format: every table's records
// with stringified field values, plus provenance.
//
// Serialized form:
//
//	{"timestamp":"2026-01-02T15:04:05.000Z","node_id":"engine-1",
//	 "tables":{"workflows":[...],"events":[...],"idempotency":[...],"dlq":[...]}}
type Snapshot struct {
	Timestamp string              `json:"timestamp"`
	NodeID    string              `json:"node_id"`
	Tables    map[string][]Record `json:"tables"`
}

// NewSnapshot returns an empty snapshot stamped with the current time
// in ISO-8601 and the given node id.
func NewSnapshot(nodeID string) *Snapshot {
	return &Snapshot{
		Timestamp: Now().Format(time.RFC3339Nano),
		NodeID:    nodeID,
		Tables: map[string][]Record{
			TableWorkflows:   {},
			TableEvents:      {},
			TableIdempotency: {},
			TableDLQ:         {},
		},
	}
}

// EncodeRecord converts a typed record into the stringified snapshot
// form. Each JSON field of v becomes one entry whose value is the
// field's JSON encoding.
func EncodeRecord(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode record fields: %w", err)
	}
	rec := make(Record, len(fields))
	for name, raw := range fields {
		rec[name] = string(raw)
	}
	return rec, nil
}

// DecodeRecord rebuilds a typed record from its stringified form.
// out must be a pointer to the target record type.
func DecodeRecord(rec Record, out any) error {
	fields := make(map[string]json.RawMessage, len(rec))
	for name, val := range rec {
		fields[name] = json.RawMessage(val)
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode record fields: %w", err)
	}
	return nil
}

// snapshotTables builds a full snapshot from already-loaded records.
// Shared by all backends' Backup implementations.
func snapshotTables(nodeID string, wfs []*Workflow, evs []*Event, idems []*IdempotencyRecord, entries []*DLQEntry) (*Snapshot, error) {
	snap := NewSnapshot(nodeID)
	for _, wf := range wfs {
		rec, err := EncodeRecord(wf)
		if err != nil {
			return nil, err
		}
		snap.Tables[TableWorkflows] = append(snap.Tables[TableWorkflows], rec)
	}
	for _, ev := range evs {
		rec, err := EncodeRecord(ev)
		if err != nil {
			return nil, err
		}
		snap.Tables[TableEvents] = append(snap.Tables[TableEvents], rec)
	}
	for _, id := range idems {
		rec, err := EncodeRecord(id)
		if err != nil {
			return nil, err
		}
		snap.Tables[TableIdempotency] = append(snap.Tables[TableIdempotency], rec)
	}
	for _, e := range entries {
		rec, err := EncodeRecord(e)
		if err != nil {
			return nil, err
		}
		snap.Tables[TableDLQ] = append(snap.Tables[TableDLQ], rec)
	}
	return snap, nil
}

// decodeSnapshot unpacks a snapshot back into typed records.
// Shared by all backends' Restore implementations.
func decodeSnapshot(snap *Snapshot) ([]*Workflow, []*Event, []*IdempotencyRecord, []*DLQEntry, error) {
	var wfs []*Workflow
	for _, rec := range snap.Tables[TableWorkflows] {
		var wf Workflow
		if err := DecodeRecord(rec, &wf); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("workflows table: %w", err)
		}
		wfs = append(wfs, &wf)
	}
	var evs []*Event
	for _, rec := range snap.Tables[TableEvents] {
		var ev Event
		if err := DecodeRecord(rec, &ev); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("events table: %w", err)
		}
		evs = append(evs, &ev)
	}
	var idems []*IdempotencyRecord
	for _, rec := range snap.Tables[TableIdempotency] {
		var id IdempotencyRecord
		if err := DecodeRecord(rec, &id); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("idempotency table: %w", err)
		}
		idems = append(idems, &id)
	}
	var entries []*DLQEntry
	for _, rec := range snap.Tables[TableDLQ] {
		var e DLQEntry
		if err := DecodeRecord(rec, &e); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("dlq table: %w", err)
		}
		entries = append(entries, &e)
	}
	return wfs, evs, idems, entries, nil
}
