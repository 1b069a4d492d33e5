package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the disk-backed Store implementation.
//
// It keeps all four engine tables in a single-file database. Designed
// for:
//   - Durable single-node deployments
//   - Development with zero setup (path ":memory:" needs no file)
//   - Prototyping before migrating to MySQL
//
// The store enables WAL mode so readers never block behind the single
// writer, sets a busy timeout for lock contention, and creates its
// schema on open.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if necessary) the database at path.
//
//	store, err := NewSQLiteStore("./engine.db")
//	if err != nil { ... }
//	defer store.Close()
//
// Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY churn under concurrent actors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		definition_key TEXT NOT NULL,
		status TEXT NOT NULL,
		state TEXT,
		current_step_index INTEGER NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		error TEXT,
		inserted_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_definition_key ON workflows(definition_key)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		workflow_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT,
		timestamp TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_workflow_id ON events(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
	`CREATE TABLE IF NOT EXISTS idempotency (
		key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		result TEXT,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_status ON idempotency(status)`,
	`CREATE TABLE IF NOT EXISTS dlq (
		entry_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		definition_key TEXT,
		failed_step TEXT,
		error TEXT NOT NULL,
		context TEXT,
		original_params TEXT,
		metadata TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT,
		resolution TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlq_status ON dlq(status)`,
	`CREATE INDEX IF NOT EXISTS idx_dlq_type ON dlq(type)`,
	`CREATE INDEX IF NOT EXISTS idx_dlq_workflow_id ON dlq(workflow_id)`,
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// SaveWorkflow upserts a workflow record. inserted_at is preserved on
// update.
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	state, err := encodeMap(wf.State)
	if err != nil {
		return err
	}
	inserted := wf.InsertedAt
	if inserted.IsZero() {
		inserted = Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows
			(id, definition_key, status, state, current_step_index, total_steps,
			 started_at, completed_at, error, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			definition_key = excluded.definition_key,
			status = excluded.status,
			state = excluded.state,
			current_step_index = excluded.current_step_index,
			total_steps = excluded.total_steps,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		wf.ID, wf.DefinitionKey, string(wf.Status), nullable(state),
		wf.CurrentStepIndex, wf.TotalSteps,
		encodeTime(wf.StartedAt), encodeTimePtr(wf.CompletedAt), nullable(wf.Error),
		encodeTime(inserted), encodeTime(wf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	return nil
}

const workflowColumns = `id, definition_key, status, state, current_step_index, total_steps,
	started_at, completed_at, error, inserted_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		wf                                       Workflow
		status, startedAt, insertedAt, updatedAt string
		state, completedAt, errMsg               sql.NullString
	)
	if err := row.Scan(&wf.ID, &wf.DefinitionKey, &status, &state,
		&wf.CurrentStepIndex, &wf.TotalSteps, &startedAt, &completedAt,
		&errMsg, &insertedAt, &updatedAt); err != nil {
		return nil, err
	}
	wf.Status = Status(status)
	wf.Error = errMsg.String
	var err error
	if wf.State, err = decodeMap(state); err != nil {
		return nil, err
	}
	if wf.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, err
	}
	if wf.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	if wf.InsertedAt, err = decodeTime(insertedAt); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetWorkflow retrieves a workflow by id.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return wf, nil
}

// GetWorkflowDirty reads the latest committed row. Under WAL this never
// blocks behind the writer; it may miss a commit that is in flight.
func (s *SQLiteStore) GetWorkflowDirty(ctx context.Context, id string) (*Workflow, error) {
	return s.GetWorkflow(ctx, id)
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.DefinitionKey != "" {
		query += ` AND definition_key = ?`
		args = append(args, f.DefinitionKey)
	}
	query += ` ORDER BY inserted_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes a workflow and its events in one transaction.
func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE workflow_id = ?`, id); err != nil {
		return fmt.Errorf("delete events for %s: %w", id, err)
	}
	return tx.Commit()
}

// AppendEvent appends one event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *Event) error {
	data, err := encodeMap(ev.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, workflow_id, type, data, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.WorkflowID, string(ev.Type), nullable(data), encodeTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.EventID, err)
	}
	return nil
}

// GetEvents returns a workflow's events ordered by timestamp; insertion
// order breaks ties so same-millisecond events keep causal order.
func (s *SQLiteStore) GetEvents(ctx context.Context, workflowID string, f EventFilter) ([]*Event, error) {
	query := `SELECT event_id, workflow_id, type, data, timestamp
		FROM events WHERE workflow_id = ?`
	args := []any{workflowID}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY timestamp ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events for %s: %w", workflowID, err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			ev      Event
			typ, ts string
			data    sql.NullString
		)
		if err := rows.Scan(&ev.EventID, &ev.WorkflowID, &typ, &data, &ts); err != nil {
			return nil, fmt.Errorf("get events for %s: %w", workflowID, err)
		}
		ev.Type = EventType(typ)
		if ev.Data, err = decodeMap(data); err != nil {
			return nil, err
		}
		if ev.Timestamp, err = decodeTime(ts); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// CountByStatus returns workflow counts keyed by status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count by status: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// InsertIdempotency atomically inserts a record if absent; INSERT OR
// IGNORE plus an affected-rows check keeps the begin operation a single
// statement.
func (s *SQLiteStore) InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error) {
	result, err := encodeMap(rec.Result)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO idempotency (key, status, started_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key, string(rec.Status), encodeTime(rec.StartedAt),
		encodeTimePtr(rec.CompletedAt), nullable(result), nullable(rec.Error))
	if err != nil {
		return nil, fmt.Errorf("insert idempotency %s: %w", rec.Key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, err := s.GetIdempotency(ctx, rec.Key)
		if err != nil {
			return nil, fmt.Errorf("insert idempotency %s: conflict readback: %w", rec.Key, err)
		}
		return existing, ErrDuplicateKey
	}
	return rec, nil
}

func scanIdempotency(row rowScanner) (*IdempotencyRecord, error) {
	var (
		rec                 IdempotencyRecord
		status, startedAt   string
		completedAt, result sql.NullString
		errMsg              sql.NullString
	)
	if err := row.Scan(&rec.Key, &status, &startedAt, &completedAt, &result, &errMsg); err != nil {
		return nil, err
	}
	rec.Status = IdempotencyStatus(status)
	rec.Error = errMsg.String
	var err error
	if rec.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	if rec.Result, err = decodeMap(result); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetIdempotency retrieves a record by key. Dirty read.
func (s *SQLiteStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, status, started_at, completed_at, result, error
		FROM idempotency WHERE key = ?`, key)
	rec, err := scanIdempotency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency %s: %w", key, err)
	}
	return rec, nil
}

// UpdateIdempotency transitions a record to its terminal status.
func (s *SQLiteStore) UpdateIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	result, err := encodeMap(rec.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency SET status = ?, completed_at = ?, result = ?, error = ?
		WHERE key = ?`,
		string(rec.Status), encodeTimePtr(rec.CompletedAt),
		nullable(result), nullable(rec.Error), rec.Key)
	if err != nil {
		return fmt.Errorf("update idempotency %s: %w", rec.Key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIdempotencyByStatus returns all records in the given status.
func (s *SQLiteStore) ListIdempotencyByStatus(ctx context.Context, status IdempotencyStatus) ([]*IdempotencyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, status, started_at, completed_at, result, error
		FROM idempotency WHERE status = ? ORDER BY key ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list idempotency: %w", err)
	}
	defer rows.Close()

	var out []*IdempotencyRecord
	for rows.Next() {
		rec, err := scanIdempotency(rows)
		if err != nil {
			return nil, fmt.Errorf("list idempotency: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteIdempotencyOlderThan removes terminal records started before the
// cutoff. Pending records are preserved for forensic recovery.
func (s *SQLiteStore) DeleteIdempotencyOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency WHERE status != ? AND started_at < ?`,
		string(IdempotencyPending), encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveDLQEntry upserts a dead-letter entry.
func (s *SQLiteStore) SaveDLQEntry(ctx context.Context, e *DLQEntry) error {
	contextJSON, err := encodeMap(e.Context)
	if err != nil {
		return err
	}
	params, err := encodeMap(e.OriginalParams)
	if err != nil {
		return err
	}
	meta, err := encodeMap(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dlq
			(entry_id, type, status, workflow_id, definition_key, failed_step, error,
			 context, original_params, metadata, created_at, updated_at,
			 retry_count, next_retry_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			context = excluded.context,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			retry_count = excluded.retry_count,
			next_retry_at = excluded.next_retry_at,
			resolution = excluded.resolution`,
		e.EntryID, string(e.Type), string(e.Status), e.WorkflowID,
		nullable(e.DefinitionKey), nullable(e.FailedStep), e.Error,
		nullable(contextJSON), nullable(params), nullable(meta),
		encodeTime(e.CreatedAt), encodeTime(e.UpdatedAt),
		e.RetryCount, encodeTimePtr(e.NextRetryAt), nullable(string(e.Resolution)))
	if err != nil {
		return fmt.Errorf("save dlq entry %s: %w", e.EntryID, err)
	}
	return nil
}

const dlqColumns = `entry_id, type, status, workflow_id, definition_key, failed_step, error,
	context, original_params, metadata, created_at, updated_at, retry_count, next_retry_at, resolution`

func scanDLQEntry(row rowScanner) (*DLQEntry, error) {
	var (
		e                              DLQEntry
		typ, status, created, updated  string
		defKey, failedStep, resolution sql.NullString
		ctxJSON, params, meta, nextTry sql.NullString
	)
	if err := row.Scan(&e.EntryID, &typ, &status, &e.WorkflowID, &defKey,
		&failedStep, &e.Error, &ctxJSON, &params, &meta,
		&created, &updated, &e.RetryCount, &nextTry, &resolution); err != nil {
		return nil, err
	}
	e.Type = DLQType(typ)
	e.Status = DLQStatus(status)
	e.DefinitionKey = defKey.String
	e.FailedStep = failedStep.String
	e.Resolution = Resolution(resolution.String)
	var err error
	if e.Context, err = decodeMap(ctxJSON); err != nil {
		return nil, err
	}
	if e.OriginalParams, err = decodeMap(params); err != nil {
		return nil, err
	}
	if e.Metadata, err = decodeMap(meta); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, err
	}
	if e.NextRetryAt, err = decodeTimePtr(nextTry); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetDLQEntry retrieves a dead-letter entry by id.
func (s *SQLiteStore) GetDLQEntry(ctx context.Context, id string) (*DLQEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq WHERE entry_id = ?`, id)
	e, err := scanDLQEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dlq entry %s: %w", id, err)
	}
	return e, nil
}

// ListDLQEntries returns entries matching the filter, newest first.
func (s *SQLiteStore) ListDLQEntries(ctx context.Context, f DLQFilter) ([]*DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	query += ` ORDER BY created_at DESC, entry_id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	defer rows.Close()

	var out []*DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list dlq entries: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountDLQByStatus returns entry counts keyed by status.
func (s *SQLiteStore) CountDLQByStatus(ctx context.Context) (map[DLQStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dlq GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count dlq: %w", err)
	}
	defer rows.Close()

	counts := make(map[DLQStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count dlq: %w", err)
		}
		counts[DLQStatus(status)] = n
	}
	return counts, rows.Err()
}

// Backup snapshots all four tables.
func (s *SQLiteStore) Backup(ctx context.Context) (*Snapshot, error) {
	wfs, err := s.ListWorkflows(ctx, WorkflowFilter{})
	if err != nil {
		return nil, err
	}
	var evs []*Event
	for _, wf := range wfs {
		list, err := s.GetEvents(ctx, wf.ID, EventFilter{})
		if err != nil {
			return nil, err
		}
		evs = append(evs, list...)
	}
	var idems []*IdempotencyRecord
	for _, status := range []IdempotencyStatus{IdempotencyPending, IdempotencyCompleted, IdempotencyFailed} {
		list, err := s.ListIdempotencyByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		idems = append(idems, list...)
	}
	entries, err := s.ListDLQEntries(ctx, DLQFilter{})
	if err != nil {
		return nil, err
	}
	return snapshotTables("", wfs, evs, idems, entries)
}

// Restore replaces all table contents with the snapshot's inside one
// transaction: either the whole snapshot lands or none of it.
func (s *SQLiteStore) Restore(ctx context.Context, snap *Snapshot) error {
	wfs, evs, idems, entries, err := decodeSnapshot(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, table := range []string{TableWorkflows, TableEvents, TableIdempotency, TableDLQ} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("restore: clear %s: %w", table, err)
		}
	}
	for _, wf := range wfs {
		state, err := encodeMap(wf.State)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflows
				(id, definition_key, status, state, current_step_index, total_steps,
				 started_at, completed_at, error, inserted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			wf.ID, wf.DefinitionKey, string(wf.Status), nullable(state),
			wf.CurrentStepIndex, wf.TotalSteps,
			encodeTime(wf.StartedAt), encodeTimePtr(wf.CompletedAt), nullable(wf.Error),
			encodeTime(wf.InsertedAt), encodeTime(wf.UpdatedAt)); err != nil {
			return fmt.Errorf("restore workflow %s: %w", wf.ID, err)
		}
	}
	for _, ev := range evs {
		data, err := encodeMap(ev.Data)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, workflow_id, type, data, timestamp)
			VALUES (?, ?, ?, ?, ?)`,
			ev.EventID, ev.WorkflowID, string(ev.Type), nullable(data),
			encodeTime(ev.Timestamp)); err != nil {
			return fmt.Errorf("restore event %s: %w", ev.EventID, err)
		}
	}
	for _, rec := range idems {
		result, err := encodeMap(rec.Result)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency (key, status, started_at, completed_at, result, error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Key, string(rec.Status), encodeTime(rec.StartedAt),
			encodeTimePtr(rec.CompletedAt), nullable(result), nullable(rec.Error)); err != nil {
			return fmt.Errorf("restore idempotency %s: %w", rec.Key, err)
		}
	}
	for _, e := range entries {
		contextJSON, err := encodeMap(e.Context)
		if err != nil {
			return err
		}
		params, err := encodeMap(e.OriginalParams)
		if err != nil {
			return err
		}
		meta, err := encodeMap(e.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dlq
				(entry_id, type, status, workflow_id, definition_key, failed_step, error,
				 context, original_params, metadata, created_at, updated_at,
				 retry_count, next_retry_at, resolution)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EntryID, string(e.Type), string(e.Status), e.WorkflowID,
			nullable(e.DefinitionKey), nullable(e.FailedStep), e.Error,
			nullable(contextJSON), nullable(params), nullable(meta),
			encodeTime(e.CreatedAt), encodeTime(e.UpdatedAt),
			e.RetryCount, encodeTimePtr(e.NextRetryAt), nullable(string(e.Resolution))); err != nil {
			return fmt.Errorf("restore dlq entry %s: %w", e.EntryID, err)
		}
	}
	return tx.Commit()
}

// Reset drops and recreates all tables.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	for _, table := range []string{TableWorkflows, TableEvents, TableIdempotency, TableDLQ} {
		if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return fmt.Errorf("reset: drop %s: %w", table, err)
		}
	}
	return s.createTables(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path this store was opened with.
func (s *SQLiteStore) Path() string { return s.path }
