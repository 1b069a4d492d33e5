package bus

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelBridge subscribes to bus topics and records each message as an
// OpenTelemetry span, turning the live update stream into a trace feed
// without touching the engine's hot path.
type OTelBridge struct {
	tracer trace.Tracer
	subs   []*Subscription
	done   chan struct{}
}

// NewOTelBridge creates a bridge over the given tracer.
func NewOTelBridge(tracer trace.Tracer) *OTelBridge {
	return &OTelBridge{
		tracer: tracer,
		done:   make(chan struct{}),
	}
}

// Attach subscribes the bridge to the given topics and starts recording
// spans until Close is called.
func (o *OTelBridge) Attach(b *Bus, topics ...string) {
	for _, topic := range topics {
		sub := b.Subscribe(topic, DefaultBuffer)
		o.subs = append(o.subs, sub)
		go o.pump(sub)
	}
}

func (o *OTelBridge) pump(sub *Subscription) {
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			o.record(msg)
		case <-o.done:
			return
		}
	}
}

// record converts one bus message into an immediately ended span. The
// span name is the topic; map payload fields become attributes.
func (o *OTelBridge) record(msg Message) {
	_, span := o.tracer.Start(context.Background(), msg.Topic)
	defer span.End()

	span.SetAttributes(attribute.String("sagaflow.topic", msg.Topic))

	fields, ok := msg.Payload.(map[string]any)
	if !ok {
		span.SetAttributes(attribute.String("sagaflow.payload", fmt.Sprintf("%v", msg.Payload)))
		return
	}
	for key, value := range fields {
		attrKey := "sagaflow." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
	if errMsg, ok := fields["error"].(string); ok && errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush forces export of pending spans on the global tracer provider,
// when the provider supports it. Call before shutdown.
func (o *OTelBridge) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

// Close unsubscribes the bridge and stops its pump goroutines.
func (o *OTelBridge) Close() {
	close(o.done)
	for _, sub := range o.subs {
		sub.Close()
	}
}
