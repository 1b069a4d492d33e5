package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dshills/sagaflow/flow/bus"
)

// LoggerChannel writes alerts to the structured log at a level derived
// from severity.
type LoggerChannel struct {
	Log *zap.Logger
}

func (c *LoggerChannel) Name() string { return "logger" }

func (c *LoggerChannel) Send(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("type", a.Type),
		zap.String("severity", string(a.Severity)),
		zap.String("title", a.Title),
		zap.Any("metadata", a.Metadata),
	}
	switch a.Severity {
	case SeverityCritical, SeverityHigh:
		c.Log.Error(a.Message, fields...)
	case SeverityMedium:
		c.Log.Warn(a.Message, fields...)
	default:
		c.Log.Info(a.Message, fields...)
	}
	return nil
}

// BusChannel publishes alerts on the "alerts" topic and the per-severity
// "alerts:{severity}" topic.
type BusChannel struct {
	Bus *bus.Bus
}

func (c *BusChannel) Name() string { return "bus" }

func (c *BusChannel) Send(_ context.Context, a Alert) error {
	payload := map[string]any{
		"id":        a.ID,
		"type":      a.Type,
		"severity":  string(a.Severity),
		"title":     a.Title,
		"message":   a.Message,
		"metadata":  a.Metadata,
		"timestamp": a.Timestamp,
		"node":      a.Node,
	}
	c.Bus.Publish(bus.TopicAlerts, payload)
	c.Bus.Publish(bus.AlertTopic(string(a.Severity)), payload)
	return nil
}

// WebhookChannel POSTs each alert as JSON to a configured URL.
type WebhookChannel struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// NewWebhookChannel creates a webhook channel with a 10s client timeout.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel sends critical alerts by SMTP. Lower severities are
// silently skipped.
type EmailChannel struct {
	Addr string // host:port
	From string
	To   []string
	Auth smtp.Auth

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an SMTP channel. auth may be nil for open
// relays.
func NewEmailChannel(addr, from string, to []string, auth smtp.Auth) *EmailChannel {
	return &EmailChannel{Addr: addr, From: from, To: to, Auth: auth, send: smtp.SendMail}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(_ context.Context, a Alert) error {
	if a.Severity != SeverityCritical {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", c.From)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(c.To, ", "))
	fmt.Fprintf(&sb, "Subject: [CRITICAL] %s\r\n", a.Title)
	sb.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&sb, "%s\n\nType: %s\nAlert ID: %s\nNode: %s\nTime: %s\n",
		a.Message, a.Type, a.ID, a.Node, a.Timestamp.Format(time.RFC3339))
	if len(a.Metadata) > 0 {
		meta, _ := json.MarshalIndent(a.Metadata, "", "  ")
		fmt.Fprintf(&sb, "\nMetadata:\n%s\n", meta)
	}
	return c.send(c.Addr, c.Auth, c.From, c.To, []byte(sb.String()))
}

// MetricsChannel counts alerts by type and severity.
type MetricsChannel struct {
	counter *prometheus.CounterVec
}

// NewMetricsChannel registers the alert counter on reg.
func NewMetricsChannel(reg prometheus.Registerer) *MetricsChannel {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sagaflow",
		Name:      "alerts_total",
		Help:      "Alerts dispatched, by type and severity.",
	}, []string{"type", "severity"})
	reg.MustRegister(counter)
	return &MetricsChannel{counter: counter}
}

func (c *MetricsChannel) Name() string { return "metrics" }

func (c *MetricsChannel) Send(_ context.Context, a Alert) error {
	c.counter.WithLabelValues(a.Type, string(a.Severity)).Inc()
	return nil
}
