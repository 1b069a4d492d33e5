package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is the server-backed Store implementation.
//
// Use it when the engine must survive the host or share storage between
// restarts on different machines. Schema is created on open, matching
// the SQLite layout: JSON payloads and timestamps live in text columns
// so backups round-trip identically across backends.
//
// DSN format: "user:pass@tcp(host:3306)/dbname?parseTime=false".
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL and creates the engine schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id VARCHAR(191) PRIMARY KEY,
		definition_key VARCHAR(191) NOT NULL,
		status VARCHAR(32) NOT NULL,
		state LONGTEXT,
		current_step_index INT NOT NULL DEFAULT 0,
		total_steps INT NOT NULL DEFAULT 0,
		started_at VARCHAR(64) NOT NULL,
		completed_at VARCHAR(64),
		error TEXT,
		inserted_at VARCHAR(64) NOT NULL,
		updated_at VARCHAR(64) NOT NULL,
		INDEX idx_workflows_status (status),
		INDEX idx_workflows_definition_key (definition_key)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_id VARCHAR(191) NOT NULL UNIQUE,
		workflow_id VARCHAR(191) NOT NULL,
		type VARCHAR(64) NOT NULL,
		data LONGTEXT,
		timestamp VARCHAR(64) NOT NULL,
		INDEX idx_events_workflow_id (workflow_id),
		INDEX idx_events_type (type)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS idempotency (
		` + "`key`" + ` VARCHAR(191) PRIMARY KEY,
		status VARCHAR(32) NOT NULL,
		started_at VARCHAR(64) NOT NULL,
		completed_at VARCHAR(64),
		result LONGTEXT,
		error TEXT,
		INDEX idx_idempotency_status (status)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS dlq (
		entry_id VARCHAR(191) PRIMARY KEY,
		type VARCHAR(64) NOT NULL,
		status VARCHAR(32) NOT NULL,
		workflow_id VARCHAR(191) NOT NULL,
		definition_key VARCHAR(191),
		failed_step VARCHAR(191),
		error TEXT NOT NULL,
		context LONGTEXT,
		original_params LONGTEXT,
		metadata LONGTEXT,
		created_at VARCHAR(64) NOT NULL,
		updated_at VARCHAR(64) NOT NULL,
		retry_count INT NOT NULL DEFAULT 0,
		next_retry_at VARCHAR(64),
		resolution VARCHAR(64),
		INDEX idx_dlq_status (status),
		INDEX idx_dlq_type (type),
		INDEX idx_dlq_workflow_id (workflow_id)
	) ENGINE=InnoDB`,
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// SaveWorkflow upserts a workflow record, preserving inserted_at.
func (s *MySQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
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
		ON DUPLICATE KEY UPDATE
			definition_key = VALUES(definition_key),
			status = VALUES(status),
			state = VALUES(state),
			current_step_index = VALUES(current_step_index),
			total_steps = VALUES(total_steps),
			started_at = VALUES(started_at),
			completed_at = VALUES(completed_at),
			error = VALUES(error),
			updated_at = VALUES(updated_at)`,
		wf.ID, wf.DefinitionKey, string(wf.Status), nullable(state),
		wf.CurrentStepIndex, wf.TotalSteps,
		encodeTime(wf.StartedAt), encodeTimePtr(wf.CompletedAt), nullable(wf.Error),
		encodeTime(inserted), encodeTime(wf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by id under the connection's default
// isolation (REPEATABLE READ).
func (s *MySQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
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

// GetWorkflowDirty reads under READ UNCOMMITTED: latest-visible row, no
// isolation. Dashboard listing only; never make write decisions from it.
func (s *MySQLStore) GetWorkflowDirty(ctx context.Context, id string) (*Workflow, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadUncommitted, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("get workflow dirty %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	row := tx.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow dirty %s: %w", id, err)
	}
	return wf, nil
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *MySQLStore) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]*Workflow, error) {
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
func (s *MySQLStore) DeleteWorkflow(ctx context.Context, id string) error {
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
func (s *MySQLStore) AppendEvent(ctx context.Context, ev *Event) error {
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

// GetEvents returns a workflow's events ordered by timestamp.
func (s *MySQLStore) GetEvents(ctx context.Context, workflowID string, f EventFilter) ([]*Event, error) {
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
func (s *MySQLStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
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

// InsertIdempotency atomically inserts a record if absent using INSERT
// IGNORE; zero affected rows means the key already existed.
func (s *MySQLStore) InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error) {
	result, err := encodeMap(rec.Result)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT IGNORE INTO idempotency (`+"`key`"+`, status, started_at, completed_at, result, error)
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

// GetIdempotency retrieves a record by key. Dirty read.
func (s *MySQLStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+"`key`"+`, status, started_at, completed_at, result, error
		FROM idempotency WHERE `+"`key`"+` = ?`, key)
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
func (s *MySQLStore) UpdateIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	result, err := encodeMap(rec.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency SET status = ?, completed_at = ?, result = ?, error = ?
		WHERE `+"`key`"+` = ?`,
		string(rec.Status), encodeTimePtr(rec.CompletedAt),
		nullable(result), nullable(rec.Error), rec.Key)
	if err != nil {
		return fmt.Errorf("update idempotency %s: %w", rec.Key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// MySQL reports zero affected rows for no-change updates too;
		// distinguish missing keys with a readback.
		if _, err := s.GetIdempotency(ctx, rec.Key); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
	}
	return nil
}

// ListIdempotencyByStatus returns all records in the given status.
func (s *MySQLStore) ListIdempotencyByStatus(ctx context.Context, status IdempotencyStatus) ([]*IdempotencyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+"`key`"+`, status, started_at, completed_at, result, error
		FROM idempotency WHERE status = ? ORDER BY `+"`key`"+` ASC`, string(status))
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
// cutoff.
func (s *MySQLStore) DeleteIdempotencyOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
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
func (s *MySQLStore) SaveDLQEntry(ctx context.Context, e *DLQEntry) error {
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
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			error = VALUES(error),
			context = VALUES(context),
			metadata = VALUES(metadata),
			updated_at = VALUES(updated_at),
			retry_count = VALUES(retry_count),
			next_retry_at = VALUES(next_retry_at),
			resolution = VALUES(resolution)`,
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

// GetDLQEntry retrieves a dead-letter entry by id.
func (s *MySQLStore) GetDLQEntry(ctx context.Context, id string) (*DLQEntry, error) {
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
func (s *MySQLStore) ListDLQEntries(ctx context.Context, f DLQFilter) ([]*DLQEntry, error) {
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
func (s *MySQLStore) CountDLQByStatus(ctx context.Context) (map[DLQStatus]int, error) {
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
func (s *MySQLStore) Backup(ctx context.Context) (*Snapshot, error) {
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
// transaction.
func (s *MySQLStore) Restore(ctx context.Context, snap *Snapshot) error {
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
			INSERT INTO idempotency (`+"`key`"+`, status, started_at, completed_at, result, error)
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
func (s *MySQLStore) Reset(ctx context.Context) error {
	for _, table := range []string{TableWorkflows, TableEvents, TableIdempotency, TableDLQ} {
		if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return fmt.Errorf("reset: drop %s: %w", table, err)
		}
	}
	return s.createTables(ctx)
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
