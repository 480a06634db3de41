package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"pontoon.app/bridge/common/logger"
	"pontoon.app/bridge/core/config"
	"pontoon.app/bridge/internal/dedup"
	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/mapping"
	"pontoon.app/bridge/internal/metrics"
	"pontoon.app/bridge/internal/platform"
	"pontoon.app/bridge/internal/queue"
	"pontoon.app/bridge/internal/router"
	"pontoon.app/bridge/internal/threads"
)

// Consumer is the broker surface the worker drives.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// Worker consumes inbound events and routes each one through dedup,
// mapping lookup, thread resolution, and guarded delivery. One worker
// process runs one Worker; concurrency comes from the bounded pool
// inside each batch.
type Worker struct {
	consumer Consumer
	dedup    dedup.Store
	mappings mapping.Lookup
	registry *threads.Registry
	router   *router.Router
	adapters map[event.Platform]platform.Adapter
	metrics  *metrics.Metrics
	cfg      config.RoutingConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(
	consumer Consumer,
	dedupStore dedup.Store,
	mappings mapping.Lookup,
	registry *threads.Registry,
	rt *router.Router,
	adapters map[event.Platform]platform.Adapter,
	m *metrics.Metrics,
	cfg config.RoutingConfig,
) *Worker {
	return &Worker{
		consumer:  consumer,
		dedup:     dedupStore,
		mappings:  mappings,
		registry:  registry,
		router:    rt,
		adapters:  adapters,
		metrics:   m,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start runs the consume loop until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "bridge.worker",
	})
	slog.InfoContext(ctx, "routing worker started",
		"pool_size", w.cfg.WorkerPool,
		"delivery_mode", w.cfg.DeliveryMode)

	for {
		select {
		case <-w.stopCh:
			slog.InfoContext(ctx, "routing worker stopping")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messages, err := w.consumer.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			slog.ErrorContext(ctx, "failed to read from broker", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.cfg.WorkerPool)
		for _, msg := range messages {
			g.Go(func() error {
				w.processMessage(gctx, msg)
				return nil
			})
		}
		// Batch draining keeps shutdown simple: Stop waits for at most
		// one in-flight batch.
		_ = g.Wait()
	}
}

// Stop signals the loop and waits for the in-flight batch to drain.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stopCh)
	select {
	case <-w.stoppedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker did not drain in time: %w", ctx.Err())
	}
}

// Process routes a single message outside the consume loop. The
// reclaimer uses it for messages claimed from crashed consumers. All
// failure handling happens inside, so it never returns an error.
func (w *Worker) Process(ctx context.Context, msg queue.Message) error {
	w.processMessage(ctx, msg)
	return nil
}

func (w *Worker) processMessage(ctx context.Context, msg queue.Message) {
	ev := msg.Event

	span := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.route_event")
	defer span.End()

	ctx = logger.WithLogFields(span.Context(), logger.LogFields{
		EventID:            logger.Ptr(ev.EventID),
		SourceConversation: logger.Ptr(ev.SourceConversationID),
		Platform:           logger.Ptr(string(ev.SourcePlatform)),
		MessageID:          logger.Ptr(msg.ID),
		Component:          "bridge.worker",
	})

	// Dedup gate first: one atomic mark-and-check before any effect.
	duplicate, err := w.dedup.MarkAndCheck(ctx, ev.EventID)
	if err != nil {
		span.RecordError(err)
		w.infraFailure(ctx, msg, false, fmt.Errorf("dedup gate: %w", err))
		return
	}
	if duplicate {
		slog.InfoContext(ctx, "duplicate event suppressed")
		w.finish(ctx, msg, "duplicate")
		return
	}

	m, err := w.mappings.Lookup(ctx, ev.SourceConversationID)
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			slog.DebugContext(ctx, "no mapping for conversation, dropping event")
			w.finish(ctx, msg, "unmapped")
			return
		}
		span.RecordError(err)
		w.infraFailure(ctx, msg, true, fmt.Errorf("mapping lookup: %w", err))
		return
	}

	starter, err := w.router.Starter(ev, m)
	if err != nil {
		span.RecordError(err)
		w.dropFailed(ctx, msg, err)
		return
	}

	route, err := w.registry.Resolve(ctx, ev, m, starter)
	if err != nil {
		w.resolveFailure(ctx, msg, span, err)
		return
	}

	if route.CreatedThread {
		// The event just went out as the thread starter.
		w.metrics.ThreadCreated(ctx, route.Destination)
		w.delivered(ctx, msg, route.Receipt)
		return
	}

	req, err := w.router.Build(ev, m, route)
	if err != nil {
		span.RecordError(err)
		w.dropFailed(ctx, msg, err)
		return
	}

	adapter, ok := w.adapters[route.Destination]
	if !ok {
		w.dropFailed(ctx, msg, fmt.Errorf("no adapter for destination %q", route.Destination))
		return
	}

	start := time.Now()
	result := adapter.Deliver(ctx, req)
	w.metrics.DeliveryDuration(ctx, route.Destination, time.Since(start))

	switch result.Status {
	case platform.StatusDelivered:
		w.delivered(ctx, msg, result.Receipt)

	case platform.StatusCircuitOpen:
		// Nothing reached the wire, releasing the marker and requeueing
		// is safe in both delivery modes.
		w.metrics.Routed(ctx, "circuit_open")
		w.infraFailure(ctx, msg, true, errors.New("destination circuit open"))

	case platform.StatusFailed:
		if result.Retryable && w.cfg.DeliveryMode == config.DeliveryAtLeastOnce {
			w.infraFailure(ctx, msg, true, fmt.Errorf("delivery failed: %s", result.Reason))
			return
		}
		slog.ErrorContext(ctx, "delivery failed, dropping event",
			"reason", result.Reason,
			"retryable", result.Retryable)
		w.notifySourceDegraded(ctx, ev)
		w.finish(ctx, msg, "failed")
	}
}

const degradedNotice = "Your message could not be delivered to the linked conversation right now."

// notifySourceDegraded tells the people who wrote the message that it
// went nowhere. Strictly best-effort: the source platform may be the
// healthy one, but if it is not, the failure is only logged.
func (w *Worker) notifySourceDegraded(ctx context.Context, ev event.InboundEvent) {
	adapter, ok := w.adapters[ev.SourcePlatform]
	if !ok {
		return
	}
	req, err := w.router.Notice(ev.SourcePlatform, ev.SourceConversationID, "", degradedNotice)
	if err != nil {
		return
	}
	if result := adapter.Deliver(ctx, req); result.Status != platform.StatusDelivered {
		slog.DebugContext(ctx, "degraded notice not delivered",
			"status", result.Status,
			"reason", result.Reason)
	}
}

// delivered acks the message and records delivery activity.
func (w *Worker) delivered(ctx context.Context, msg queue.Message, receipt platform.Receipt) {
	if err := w.registry.Touch(ctx, msg.Event.SourceConversationID); err != nil {
		// Missing a touch only shortens the idle window, never breaks
		// routing.
		slog.WarnContext(ctx, "failed to record thread activity", "error", err)
	}
	slog.InfoContext(ctx, "event delivered",
		"destination_ref", receipt.MessageRef,
		"attempt", msg.Attempt)
	w.finish(ctx, msg, "delivered")
}

// finish acks and counts a terminal outcome.
func (w *Worker) finish(ctx context.Context, msg queue.Message, outcome string) {
	w.metrics.Routed(ctx, outcome)
	if err := w.consumer.Ack(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "failed to ack message", "error", err, "outcome", outcome)
	}
}

// resolveFailure maps a thread resolution error onto the same outcomes
// as a delivery attempt: the registry calls the destination adapter, so
// breaker rejections and classified send failures surface here too.
func (w *Worker) resolveFailure(ctx context.Context, msg queue.Message, span *logger.SpanContext, err error) {
	span.RecordError(err)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		w.metrics.Routed(ctx, "circuit_open")
		w.infraFailure(ctx, msg, true, err)
		return
	}

	var se *platform.SendError
	if errors.As(err, &se) && !se.Retryable {
		slog.ErrorContext(ctx, "thread creation failed, dropping event",
			"reason", se.Reason)
		w.notifySourceDegraded(ctx, msg.Event)
		w.finish(ctx, msg, "failed")
		return
	}

	w.infraFailure(ctx, msg, true, err)
}

// dropFailed handles malformed work that retrying cannot fix.
func (w *Worker) dropFailed(ctx context.Context, msg queue.Message, err error) {
	slog.ErrorContext(ctx, "cannot route event, dropping", "error", err)
	w.finish(ctx, msg, "failed")
}

// infraFailure hands the event back to broker redelivery, bounded by
// the attempt budget. When unmark is set the dedup marker is released
// first so the redelivered copy is not swallowed as a duplicate.
func (w *Worker) infraFailure(ctx context.Context, msg queue.Message, unmark bool, cause error) {
	if unmark {
		if err := w.dedup.Unmark(ctx, msg.Event.EventID); err != nil {
			slog.ErrorContext(ctx, "failed to release dedup marker", "error", err)
		}
	}

	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "attempt budget exhausted, dead-lettering",
			"attempt", msg.Attempt,
			"error", cause)
		w.metrics.Routed(ctx, "dead_lettered")
		if err := w.consumer.SendDLQ(ctx, msg, cause.Error()); err != nil {
			slog.ErrorContext(ctx, "failed to dead-letter message", "error", err)
		}
		return
	}

	slog.WarnContext(ctx, "requeueing event",
		"attempt", msg.Attempt,
		"error", cause)
	if err := w.consumer.Requeue(ctx, msg, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", err)
	}
}
