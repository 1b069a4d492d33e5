// Package dlq is the dead-letter queue: terminally failed work lands
// here with sanitized context, gets alerted on, and is periodically
// retried on an exponential schedule until resolved, abandoned, or out
// of budget.
package dlq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dshills/sagaflow/flow/alert"
	"github.com/dshills/sagaflow/flow/store"
)

// MaxAutoRetries is the default cap on scheduler-driven retries per
// entry. Forced retries ignore the cap.
const MaxAutoRetries = 10

// scanSchedule is the scheduler cadence.
const scanSchedule = "@every 5m"

// maxRetryDelay caps the backoff schedule.
const maxRetryDelay = 720 * time.Minute

// RetryHandler performs the type-specific recovery action for one
// entry. The engine implements it: compensation_failed re-runs the
// failed step's compensate, workflow_failed restarts the workflow under
// a derived id. critical_failure entries are never passed to a handler.
type RetryHandler interface {
	RetryEntry(ctx context.Context, entry *store.DLQEntry) error
}

// RetryHandlerFunc adapts a function to RetryHandler.
type RetryHandlerFunc func(ctx context.Context, entry *store.DLQEntry) error

func (f RetryHandlerFunc) RetryEntry(ctx context.Context, entry *store.DLQEntry) error {
	return f(ctx, entry)
}

// Queue is the durable dead-letter queue with its retry scheduler.
type Queue struct {
	st      store.Store
	alerts  *alert.Dispatcher
	handler RetryHandler
	log     *zap.Logger

	cron   *cron.Cron
	cronID cron.EntryID

	mu      sync.Mutex
	started bool

	maxAuto int
	now     func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxAutoRetries overrides the scheduler retry cap per entry
// (config key dlq.max_retries). Forced retries still ignore it.
func WithMaxAutoRetries(n int) QueueOption {
	return func(q *Queue) {
		if n >= 0 {
			q.maxAuto = n
		}
	}
}

// New creates a queue. alerts and handler may be nil; logger may be
// nil. Without a handler the scanner only reschedules entries.
func New(st store.Store, alerts *alert.Dispatcher, handler RetryHandler, logger *zap.Logger, opts ...QueueOption) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		st:      st,
		alerts:  alerts,
		handler: handler,
		log:     logger,
		maxAuto: MaxAutoRetries,
		now:     func() time.Time { return store.Now() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetHandler installs the retry handler. The engine calls this after
// construction to break the queue/engine dependency cycle.
func (q *Queue) SetHandler(h RetryHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// Enqueue records a failure: mints an entry id, sanitizes context,
// computes the first retry time, persists, and raises an alert whose
// severity follows the entry type.
func (q *Queue) Enqueue(ctx context.Context, entry *store.DLQEntry) (*store.DLQEntry, error) {
	now := q.now()
	entry.EntryID = uuid.NewString()
	entry.Status = store.DLQPending
	entry.Context = Sanitize(entry.Context)
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.Type != store.DLQCriticalFailure {
		next := now.Add(RetryDelay(entry.RetryCount))
		entry.NextRetryAt = &next
	}

	if err := q.st.SaveDLQEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("enqueue dlq entry: %w", err)
	}

	q.log.Warn("entry dead-lettered",
		zap.String("entry_id", entry.EntryID),
		zap.String("type", string(entry.Type)),
		zap.String("workflow_id", entry.WorkflowID),
		zap.String("failed_step", entry.FailedStep),
		zap.String("error", entry.Error))
	q.raiseAlert(ctx, entry)
	return entry, nil
}

func (q *Queue) raiseAlert(ctx context.Context, entry *store.DLQEntry) {
	if q.alerts == nil {
		return
	}
	sev := alert.SeverityMedium
	switch entry.Type {
	case store.DLQCriticalFailure:
		sev = alert.SeverityCritical
	case store.DLQCompensationFailed:
		sev = alert.SeverityHigh
	}
	q.alerts.Send(ctx, alert.Alert{
		Type:     string(entry.Type),
		Severity: sev,
		Title:    fmt.Sprintf("Workflow %s dead-lettered", entry.WorkflowID),
		Message:  entry.Error,
		Metadata: map[string]any{
			"entry_id":       entry.EntryID,
			"workflow_id":    entry.WorkflowID,
			"definition_key": entry.DefinitionKey,
			"failed_step":    entry.FailedStep,
		},
	})
}

// RetryDelay computes the wait before retry n (0-based count of prior
// retries): min(5 * 3^n, 720) minutes.
func RetryDelay(retryCount int) time.Duration {
	d := 5 * time.Minute
	for i := 0; i < retryCount; i++ {
		d *= 3
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// Start launches the scheduler, scanning every five minutes for due
// entries. Idempotent.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	q.cron = cron.New()
	id, err := q.cron.AddFunc(scanSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		if err := q.Scan(ctx); err != nil {
			q.log.Error("dlq scan failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule dlq scan: %w", err)
	}
	q.cronID = id
	q.cron.Start()
	q.started = true
	return nil
}

// Stop halts the scheduler and waits for a running scan to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return
	}
	<-q.cron.Stop().Done()
	q.started = false
}

// Scan retries every pending entry whose next_retry_at has elapsed.
func (q *Queue) Scan(ctx context.Context) error {
	entries, err := q.st.ListDLQEntries(ctx, store.DLQFilter{Status: store.DLQPending})
	if err != nil {
		return fmt.Errorf("list pending dlq entries: %w", err)
	}
	now := q.now()
	for _, entry := range entries {
		if entry.NextRetryAt == nil || entry.NextRetryAt.After(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := q.retry(ctx, entry, false); err != nil {
			q.log.Warn("dlq retry failed",
				zap.String("entry_id", entry.EntryID),
				zap.Int("retry_count", entry.RetryCount),
				zap.Error(err))
		}
	}
	return nil
}

// Retry forces an immediate retry of one entry, ignoring the retry cap
// and schedule. Critical entries are still refused.
func (q *Queue) Retry(ctx context.Context, entryID string) (*store.DLQEntry, error) {
	entry, err := q.st.GetDLQEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return q.retry(ctx, entry, true)
}

func (q *Queue) retry(ctx context.Context, entry *store.DLQEntry, forced bool) (*store.DLQEntry, error) {
	if entry.Type == store.DLQCriticalFailure {
		return entry, fmt.Errorf("entry %s: critical failures are not auto-retried", entry.EntryID)
	}
	if entry.Status != store.DLQPending && entry.Status != store.DLQRetrying {
		return entry, fmt.Errorf("entry %s: status %s is terminal", entry.EntryID, entry.Status)
	}
	if !forced && entry.RetryCount >= q.maxAuto {
		return q.abandon(ctx, entry, "retry budget exhausted")
	}

	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()
	if handler == nil {
		return entry, fmt.Errorf("entry %s: no retry handler installed", entry.EntryID)
	}

	entry.Status = store.DLQRetrying
	entry.RetryCount++
	entry.UpdatedAt = q.now()
	if err := q.st.SaveDLQEntry(ctx, entry); err != nil {
		return entry, fmt.Errorf("mark retrying: %w", err)
	}

	if err := handler.RetryEntry(ctx, entry); err != nil {
		entry.Status = store.DLQPending
		next := q.now().Add(RetryDelay(entry.RetryCount))
		entry.NextRetryAt = &next
		entry.UpdatedAt = q.now()
		if saveErr := q.st.SaveDLQEntry(ctx, entry); saveErr != nil {
			return entry, fmt.Errorf("reschedule after retry failure: %w", saveErr)
		}
		return entry, fmt.Errorf("retry entry %s: %w", entry.EntryID, err)
	}

	return q.resolve(ctx, entry, store.ResolutionAutoResolved)
}

// Resolve marks an entry manually resolved.
func (q *Queue) Resolve(ctx context.Context, entryID string, res store.Resolution) (*store.DLQEntry, error) {
	entry, err := q.st.GetDLQEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	switch res {
	case store.ResolutionAbandoned:
		return q.abandon(ctx, entry, "abandoned by operator")
	case store.ResolutionAutoResolved, store.ResolutionManual, store.ResolutionCompensatedExternally:
		return q.resolve(ctx, entry, res)
	default:
		return nil, fmt.Errorf("unknown resolution %q", res)
	}
}

func (q *Queue) resolve(ctx context.Context, entry *store.DLQEntry, res store.Resolution) (*store.DLQEntry, error) {
	entry.Status = store.DLQResolved
	entry.Resolution = res
	entry.NextRetryAt = nil
	entry.UpdatedAt = q.now()
	if err := q.st.SaveDLQEntry(ctx, entry); err != nil {
		return entry, fmt.Errorf("resolve entry %s: %w", entry.EntryID, err)
	}
	q.log.Info("dlq entry resolved",
		zap.String("entry_id", entry.EntryID),
		zap.String("resolution", string(res)))
	return entry, nil
}

func (q *Queue) abandon(ctx context.Context, entry *store.DLQEntry, reason string) (*store.DLQEntry, error) {
	entry.Status = store.DLQAbandoned
	entry.Resolution = store.ResolutionAbandoned
	entry.NextRetryAt = nil
	entry.UpdatedAt = q.now()
	if err := q.st.SaveDLQEntry(ctx, entry); err != nil {
		return entry, fmt.Errorf("abandon entry %s: %w", entry.EntryID, err)
	}
	q.log.Warn("dlq entry abandoned",
		zap.String("entry_id", entry.EntryID),
		zap.String("reason", reason))
	return entry, nil
}

// Get returns one entry by id.
func (q *Queue) Get(ctx context.Context, entryID string) (*store.DLQEntry, error) {
	return q.st.GetDLQEntry(ctx, entryID)
}

// List returns entries matching the filter.
func (q *Queue) List(ctx context.Context, f store.DLQFilter) ([]*store.DLQEntry, error) {
	return q.st.ListDLQEntries(ctx, f)
}

// Stats returns entry counts by status.
func (q *Queue) Stats(ctx context.Context) (map[store.DLQStatus]int, error) {
	return q.st.CountDLQByStatus(ctx)
}
