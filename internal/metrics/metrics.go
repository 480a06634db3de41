package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pontoon.app/bridge/internal/event"
)

const meterName = "pontoon.app/bridge"

// Metrics holds the bridge worker's instruments. A nil *Metrics is a
// valid no-op receiver, tests and tooling can pass nil instead of
// wiring a meter provider.
type Metrics struct {
	routed            metric.Int64Counter
	circuitOpen       metric.Int64Counter
	threadCreated     metric.Int64Counter
	broadcastFallback metric.Int64Counter
	deliveryLatency   metric.Float64Histogram
}

func New() (*Metrics, error) {
	meter := otel.Meter(meterName)

	routed, err := meter.Int64Counter("bridge.messages.routed",
		metric.WithDescription("Inbound events routed, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("creating routed counter: %w", err)
	}
	circuitOpen, err := meter.Int64Counter("bridge.circuit.open",
		metric.WithDescription("Circuit breaker open transitions, by platform"))
	if err != nil {
		return nil, fmt.Errorf("creating circuit open counter: %w", err)
	}
	threadCreated, err := meter.Int64Counter("bridge.threads.created",
		metric.WithDescription("Destination threads created"))
	if err != nil {
		return nil, fmt.Errorf("creating thread created counter: %w", err)
	}
	broadcastFallback, err := meter.Int64Counter("bridge.threads.broadcast_fallback",
		metric.WithDescription("Threads flipped to broadcast mode after inactivity"))
	if err != nil {
		return nil, fmt.Errorf("creating broadcast fallback counter: %w", err)
	}
	deliveryLatency, err := meter.Float64Histogram("bridge.delivery.duration",
		metric.WithDescription("Outbound delivery latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating delivery latency histogram: %w", err)
	}

	return &Metrics{
		routed:            routed,
		circuitOpen:       circuitOpen,
		threadCreated:     threadCreated,
		broadcastFallback: broadcastFallback,
		deliveryLatency:   deliveryLatency,
	}, nil
}

func (m *Metrics) Routed(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.routed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) CircuitOpened(ctx context.Context, p event.Platform) {
	if m == nil {
		return
	}
	m.circuitOpen.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", string(p))))
}

func (m *Metrics) ThreadCreated(ctx context.Context, p event.Platform) {
	if m == nil {
		return
	}
	m.threadCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", string(p))))
}

func (m *Metrics) BroadcastFallback(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.broadcastFallback.Add(ctx, int64(n))
}

func (m *Metrics) DeliveryDuration(ctx context.Context, p event.Platform, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("platform", string(p))))
}
