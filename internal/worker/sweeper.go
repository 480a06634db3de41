package worker

import (
	"context"
	"log/slog"
	"time"

	"pontoon.app/bridge/common/logger"
	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/metrics"
	"pontoon.app/bridge/internal/platform"
	"pontoon.app/bridge/internal/router"
	"pontoon.app/bridge/internal/threads"
)

const fallbackNotice = "This conversation has been quiet for a while. New messages will appear in the channel until it picks back up."

// Sweeper periodically flips idle threads into broadcast mode and
// announces the transition inside each stale thread. The announcement
// is best-effort: the state flip already happened, a failed notice only
// costs the heads-up.
type Sweeper struct {
	registry *threads.Registry
	router   *router.Router
	adapters map[event.Platform]platform.Adapter
	metrics  *metrics.Metrics
	interval time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewSweeper(registry *threads.Registry, rt *router.Router, adapters map[event.Platform]platform.Adapter, m *metrics.Metrics, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry:  registry,
		router:    rt,
		adapters:  adapters,
		metrics:   m,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start runs sweep passes until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	defer close(s.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "bridge.sweeper",
	})
	slog.InfoContext(ctx, "inactivity sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			slog.InfoContext(ctx, "inactivity sweeper stopping")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the loop and waits for the current pass to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	close(s.stopCh)
	select {
	case <-s.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	span := logger.StartSpan(ctx, "sweeper.sweep")
	defer span.End()
	ctx = span.Context()

	swept, err := s.registry.Sweep(ctx)
	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(ctx, "sweep pass failed", "error", err)
		return
	}
	if len(swept) == 0 {
		return
	}

	s.metrics.BroadcastFallback(ctx, len(swept))

	for _, t := range swept {
		s.announce(ctx, t)
	}
}

func (s *Sweeper) announce(ctx context.Context, t threads.SweptThread) {
	adapter, ok := s.adapters[t.Destination]
	if !ok || t.DestinationThreadHandle == "" {
		return
	}

	req, err := s.router.Notice(t.Destination, t.DestinationConversationID, t.DestinationThreadHandle, fallbackNotice)
	if err != nil {
		slog.WarnContext(ctx, "cannot build fallback notice", "error", err)
		return
	}

	result := adapter.Deliver(ctx, req)
	if result.Status != platform.StatusDelivered {
		slog.WarnContext(ctx, "fallback notice not delivered",
			"source_conversation_id", t.SourceConversationID,
			"status", result.Status,
			"reason", result.Reason)
	}
}
