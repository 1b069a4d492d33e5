package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Migrator provides backup, destroy-and-recreate, and restore for a
// store. Migrations are atomic from the caller's viewpoint: a failed
// restore dumps the snapshot to an emergency file so no data is lost.
type Migrator struct {
	store  Store
	dir    string
	nodeID string
	log    *zap.Logger
}

// NewMigrator creates a migrator writing emergency files into dir.
// logger may be nil.
func NewMigrator(st Store, dir, nodeID string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{store: st, dir: dir, nodeID: nodeID, log: logger}
}

// Backup snapshots all tables and stamps the result with this node's id.
func (m *Migrator) Backup(ctx context.Context) (*Snapshot, error) {
	snap, err := m.store.Backup(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	snap.NodeID = m.nodeID
	m.log.Info("backup complete",
		zap.Int("workflows", len(snap.Tables[TableWorkflows])),
		zap.Int("events", len(snap.Tables[TableEvents])),
		zap.Int("idempotency", len(snap.Tables[TableIdempotency])),
		zap.Int("dlq", len(snap.Tables[TableDLQ])))
	return snap, nil
}

// Reset destroys and recreates all tables, leaving the store empty.
func (m *Migrator) Reset(ctx context.Context) error {
	if err := m.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	m.log.Warn("store reset: all tables destroyed and recreated")
	return nil
}

// Restore loads a snapshot into the store. If the restore fails, the
// snapshot is serialized to an emergency file named by Unix timestamp
// so the data survives the failed migration.
func (m *Migrator) Restore(ctx context.Context, snap *Snapshot) error {
	if err := m.store.Restore(ctx, snap); err != nil {
		path := m.emergencyDump(snap)
		if path != "" {
			return fmt.Errorf("restore failed (snapshot preserved at %s): %w", path, err)
		}
		return fmt.Errorf("restore failed and emergency dump failed: %w", err)
	}
	m.log.Info("restore complete", zap.String("snapshot_node", snap.NodeID),
		zap.String("snapshot_time", snap.Timestamp))
	return nil
}

// WriteFile serializes a snapshot to path as indented JSON.
func (m *Migrator) WriteFile(snap *Snapshot, path string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadFile loads a snapshot previously written with WriteFile.
func (m *Migrator) ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied backup path
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

func (m *Migrator) emergencyDump(snap *Snapshot) string {
	name := fmt.Sprintf("emergency_backup_%d.json", Now().Unix())
	path := filepath.Join(m.dir, name)
	if err := m.WriteFile(snap, path); err != nil {
		m.log.Error("emergency dump failed", zap.Error(err))
		return ""
	}
	m.log.Error("restore failed, snapshot dumped", zap.String("path", path))
	return path
}
