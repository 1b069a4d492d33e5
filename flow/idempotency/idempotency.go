// Package idempotency provides exactly-once accounting for step
// attempts, keyed by "{workflow_id}:{step_name}:{attempt}".
//
// Records transition pending -> completed | failed exactly once and are
// otherwise immutable, which is what makes crash-safe replay possible:
// a re-executed attempt either finds its cached result or re-runs under
// the same key, and downstream services deduplicate on that key.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/sagaflow/flow/store"
)

// Outcome describes what Begin found for a key.
type Outcome string

const (
	// OutcomeOK: no record existed; a pending record was inserted and
	// the caller owns the attempt.
	OutcomeOK Outcome = "ok"
	// OutcomeAlreadyPending: a pending record exists. During crash
	// recovery the caller re-executes under the same key.
	OutcomeAlreadyPending Outcome = "already_pending"
	// OutcomeAlreadyCompleted: the attempt already succeeded; Result on
	// the returned record holds the cached step result.
	OutcomeAlreadyCompleted Outcome = "already_completed"
	// OutcomeFailed: the attempt already failed. The caller chooses a
	// new attempt number and begins that key instead.
	OutcomeFailed Outcome = "failed"
)

// ErrNotPending is returned by Complete and Fail when the record is not
// in pending state; terminal records never transition again.
var ErrNotPending = errors.New("idempotency record is not pending")

// Key derives the idempotency key for one step attempt.
func Key(workflowID, stepName string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", workflowID, stepName, attempt)
}

// Store provides the begin/complete/fail lifecycle over the durable
// store's idempotency table.
type Store struct {
	st store.Store
}

// New creates an idempotency store over the given backend.
func New(st store.Store) *Store {
	return &Store{st: st}
}

// Begin claims a key. On a fresh key it atomically inserts a pending
// record and returns OutcomeOK; otherwise it reports the existing
// record's state without modifying it.
func (s *Store) Begin(ctx context.Context, key string) (Outcome, *store.IdempotencyRecord, error) {
	rec := &store.IdempotencyRecord{
		Key:       key,
		Status:    store.IdempotencyPending,
		StartedAt: store.Now(),
	}
	inserted, err := s.st.InsertIdempotency(ctx, rec)
	if errors.Is(err, store.ErrDuplicateKey) {
		switch inserted.Status {
		case store.IdempotencyPending:
			return OutcomeAlreadyPending, inserted, nil
		case store.IdempotencyCompleted:
			return OutcomeAlreadyCompleted, inserted, nil
		case store.IdempotencyFailed:
			return OutcomeFailed, inserted, nil
		default:
			return "", nil, fmt.Errorf("idempotency key %s: unknown status %q", key, inserted.Status)
		}
	}
	if err != nil {
		return "", nil, fmt.Errorf("begin %s: %w", key, err)
	}
	return OutcomeOK, inserted, nil
}

// Complete transitions a pending record to completed with the step's
// result.
func (s *Store) Complete(ctx context.Context, key string, result map[string]any) error {
	return s.finish(ctx, key, func(rec *store.IdempotencyRecord) {
		rec.Status = store.IdempotencyCompleted
		rec.Result = result
	})
}

// Fail transitions a pending record to failed with the error reason.
func (s *Store) Fail(ctx context.Context, key, reason string) error {
	return s.finish(ctx, key, func(rec *store.IdempotencyRecord) {
		rec.Status = store.IdempotencyFailed
		rec.Error = reason
	})
}

func (s *Store) finish(ctx context.Context, key string, apply func(*store.IdempotencyRecord)) error {
	rec, err := s.st.GetIdempotency(ctx, key)
	if err != nil {
		return fmt.Errorf("finish %s: %w", key, err)
	}
	if rec.Status != store.IdempotencyPending {
		return fmt.Errorf("finish %s (status %s): %w", key, rec.Status, ErrNotPending)
	}
	now := store.Now()
	rec.CompletedAt = &now
	apply(rec)
	if err := s.st.UpdateIdempotency(ctx, rec); err != nil {
		return fmt.Errorf("finish %s: %w", key, err)
	}
	return nil
}

// Status returns the record for a key, or store.ErrNotFound.
func (s *Store) Status(ctx context.Context, key string) (*store.IdempotencyRecord, error) {
	return s.st.GetIdempotency(ctx, key)
}

// ListPending returns every pending record, the set a recovery sweep
// inspects after a crash.
func (s *Store) ListPending(ctx context.Context) ([]*store.IdempotencyRecord, error) {
	return s.st.ListIdempotencyByStatus(ctx, store.IdempotencyPending)
}

// CleanupOlderThan deletes completed and failed records started before
// the cutoff. Pending records are preserved for forensic recovery.
func (s *Store) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.st.DeleteIdempotencyOlderThan(ctx, cutoff)
}
