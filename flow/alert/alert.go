// Package alert dispatches severity-tagged notifications to a set of
// configurable channels (logger, event bus, webhook, email, metrics)
// with duplicate suppression and a bounded ring of recent alerts.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Severity levels, highest first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// MetaBypassRateLimit, when true in Alert.Metadata, sends the alert
// even if an identical one fired inside the suppression window.
const MetaBypassRateLimit = "bypass_rate_limit"

// DefaultRateLimit is the duplicate-suppression window.
const DefaultRateLimit = 60 * time.Second

// DefaultRingSize bounds the recent-alert buffer.
const DefaultRingSize = 1000

// Alert is one notification. ID, Timestamp, and Node are stamped by the
// dispatcher.
type Alert struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Node      string         `json:"node"`
}

// Channel delivers alerts to one destination. Send errors are logged by
// the dispatcher and never fail the Send call that triggered them.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Dispatcher fans alerts out to channels with duplicate suppression.
type Dispatcher struct {
	mu        sync.Mutex
	channels  []Channel
	ring      []Alert
	ringSize  int
	ringNext  int
	ringFull  bool
	lastSent  map[string]time.Time
	rateLimit time.Duration

	suppressed int64

	node string
	log  *zap.Logger
	now  func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimit overrides the suppression window.
func WithRateLimit(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.rateLimit = d }
}

// WithRingSize overrides the recent-alert buffer size.
func WithRingSize(n int) Option {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.ringSize = n
		}
	}
}

// WithNode sets the node name stamped on every alert.
func WithNode(node string) Option {
	return func(disp *Dispatcher) { disp.node = node }
}

// New creates a dispatcher over the given channels. logger may be nil.
func New(logger *zap.Logger, channels []Channel, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		channels:  channels,
		ringSize:  DefaultRingSize,
		lastSent:  make(map[string]time.Time),
		rateLimit: DefaultRateLimit,
		node:      "local",
		log:       logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ring = make([]Alert, d.ringSize)
	return d
}

// AddChannel appends a delivery channel.
func (d *Dispatcher) AddChannel(c Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, c)
}

// Send stamps and dispatches the alert. Returns true if delivered,
// false if suppressed as a duplicate.
func (d *Dispatcher) Send(ctx context.Context, a Alert) bool {
	now := d.now().UTC()
	a.ID = uuid.NewString()
	a.Timestamp = now
	a.Node = d.node

	key := DedupKey(a)
	bypass, _ := a.Metadata[MetaBypassRateLimit].(bool)

	d.mu.Lock()
	if !bypass {
		if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.rateLimit {
			d.suppressed++
			d.mu.Unlock()
			d.log.Debug("duplicate alert suppressed",
				zap.String("type", a.Type),
				zap.String("severity", string(a.Severity)))
			return false
		}
	}
	d.lastSent[key] = now
	d.record(a)
	channels := make([]Channel, len(d.channels))
	copy(channels, d.channels)
	d.mu.Unlock()

	for _, c := range channels {
		if err := c.Send(ctx, a); err != nil {
			d.log.Warn("alert channel delivery failed",
				zap.String("channel", c.Name()),
				zap.String("alert_id", a.ID),
				zap.Error(err))
		}
	}
	return true
}

// record assumes d.mu is held.
func (d *Dispatcher) record(a Alert) {
	d.ring[d.ringNext] = a
	d.ringNext = (d.ringNext + 1) % d.ringSize
	if d.ringNext == 0 {
		d.ringFull = true
	}
}

// Recent returns up to limit recent alerts, newest first. limit <= 0
// returns everything retained.
func (d *Dispatcher) Recent(limit int) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.ringNext
	if d.ringFull {
		n = d.ringSize
	}
	out := make([]Alert, 0, n)
	for i := 1; i <= n; i++ {
		idx := (d.ringNext - i + d.ringSize) % d.ringSize
		out = append(out, d.ring[idx])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// RecentBySeverity filters Recent by severity.
func (d *Dispatcher) RecentBySeverity(sev Severity, limit int) []Alert {
	all := d.Recent(0)
	out := make([]Alert, 0, limit)
	for _, a := range all {
		if a.Severity != sev {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Suppressed returns the number of alerts dropped as duplicates.
func (d *Dispatcher) Suppressed() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

// DedupKey derives the duplicate-suppression key: type, severity, and
// sorted metadata with timestamp and bypass fields excluded.
func DedupKey(a Alert) string {
	var sb strings.Builder
	sb.WriteString(a.Type)
	sb.WriteByte('|')
	sb.WriteString(string(a.Severity))

	keys := make([]string, 0, len(a.Metadata))
	for k := range a.Metadata {
		if k == "timestamp" || k == MetaBypassRateLimit {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%v", k, a.Metadata[k])
	}
	return sb.String()
}
