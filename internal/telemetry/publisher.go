package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"tabsense/internal/middleware"
)

// Envelope is the wire shape for every telemetry event, on NSQ and on the
// SSE stream alike.
type Envelope struct {
	Type          string      `json:"type"`
	Payload       interface{} `json:"payload"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// EventPublisher is the message-bus surface the publisher writes to.
type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Publisher emits job lifecycle and cache progress events onto the bus.
// Emission is fire-and-forget: failures are logged and never propagate
// into the pipeline that emitted them.
type Publisher struct {
	pub   EventPublisher
	topic string
}

func NewPublisher(pub EventPublisher, topic string) *Publisher {
	return &Publisher{pub: pub, topic: topic}
}

func (p *Publisher) Emit(ctx context.Context, eventType string, payload interface{}) {
	env := Envelope{
		Type:          eventType,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: middleware.GetCorrelationID(ctx),
	}
	body, err := json.Marshal(env)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal telemetry event", "type", eventType, "error", err)
		return
	}
	if err := p.pub.Publish(p.topic, body); err != nil {
		slog.ErrorContext(ctx, "failed to publish telemetry event", "type", eventType, "error", err)
	}
}

// Emitter is implemented by every telemetry sink.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload interface{})
}

type multi []Emitter

// Multi fans one Emit out to several sinks.
func Multi(emitters ...Emitter) Emitter {
	return multi(emitters)
}

func (m multi) Emit(ctx context.Context, eventType string, payload interface{}) {
	for _, e := range m {
		e.Emit(ctx, eventType, payload)
	}
}
