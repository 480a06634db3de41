package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"pontoon.app/bridge/common/id"
	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/mapping"
	"pontoon.app/bridge/internal/platform"
)

// Starter carries the presentation of a new thread, built by the router
// so the registry stays free of formatting concerns.
type Starter struct {
	Title string
	Text  string
}

// Registry owns the thread lifecycle for every bridged conversation:
// handle reuse, race-safe creation, activity tracking, and the
// inactivity transition into broadcast mode.
type Registry struct {
	store             Store
	adapters          map[event.Platform]platform.Adapter
	group             singleflight.Group
	broadcastCooldown time.Duration
	defaultInactivity time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

func NewRegistry(store Store, adapters map[event.Platform]platform.Adapter, broadcastCooldown, defaultInactivity time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:             store,
		adapters:          adapters,
		broadcastCooldown: broadcastCooldown,
		defaultInactivity: defaultInactivity,
		logger:            log,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

type createdThread struct {
	handle  platform.ThreadHandle
	receipt platform.Receipt
}

// Resolve returns where ev must be delivered. A live handle is reused.
// A broadcasting thread inside the cool-down window routes top-level.
// A broadcasting thread past the cool-down, or no thread at all, gets a
// fresh thread created through the destination adapter, with the event
// itself posted as the starter.
//
// Concurrent resolves for the same source conversation collapse onto a
// single creation call; followers reuse the handle the leader created
// and deliver their own messages into it.
func (r *Registry) Resolve(ctx context.Context, ev event.InboundEvent, m *mapping.GroupMapping, starter Starter) (Route, error) {
	dest := ev.SourcePlatform.Other()
	adapter, ok := r.adapters[dest]
	if !ok {
		return Route{}, fmt.Errorf("no adapter for destination platform %q", dest)
	}

	route := Route{
		Destination:    dest,
		ConversationID: m.DestinationConversationID,
	}

	st, err := r.store.Get(ctx, ev.SourceConversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Route{}, err
	}

	if st != nil {
		if !st.IsBroadcasting && st.DestinationThreadHandle != "" {
			route.ThreadHandle = st.DestinationThreadHandle
			return route, nil
		}
		if st.IsBroadcasting && r.now().Sub(st.LastActivityAt) < r.broadcastCooldown {
			route.Broadcast = true
			return route, nil
		}
	}

	leader := false
	v, err, _ := r.group.Do(ev.SourceConversationID, func() (any, error) {
		leader = true
		return r.createThread(ctx, ev, adapter, m.DestinationConversationID, starter)
	})
	if err != nil {
		return Route{}, fmt.Errorf("creating thread for %s: %w", ev.SourceConversationID, err)
	}

	ct := v.(createdThread)
	route.ThreadHandle = ct.handle
	if leader {
		// The leader's event went out as the thread starter.
		route.CreatedThread = true
		route.Receipt = ct.receipt
	}
	return route, nil
}

func (r *Registry) createThread(ctx context.Context, ev event.InboundEvent, adapter platform.Adapter, destConversationID string, starter Starter) (createdThread, error) {
	handle, receipt, err := adapter.CreateThread(ctx, platform.ThreadRequest{
		ConversationID: destConversationID,
		Title:          starter.Title,
		StarterText:    starter.Text,
		EventID:        ev.EventID,
	})
	if err != nil {
		// Nothing persisted: the next event retries creation cleanly.
		return createdThread{}, err
	}

	now := r.now()
	won, err := r.store.SetHandle(ctx, ThreadState{
		SourceConversationID:    ev.SourceConversationID,
		ID:                      id.New(),
		DestinationThreadHandle: handle,
		LastActivityAt:          now,
	})
	if err != nil {
		return createdThread{}, err
	}

	if won.DestinationThreadHandle != handle {
		// Another worker instance created first; ours becomes an
		// orphan starter post and everyone converges on the winner.
		r.logger.WarnContext(ctx, "lost thread creation race",
			"source_conversation_id", ev.SourceConversationID,
			"orphan_handle", handle,
			"winning_handle", won.DestinationThreadHandle)
	} else {
		r.logger.InfoContext(ctx, "created destination thread",
			"source_conversation_id", ev.SourceConversationID,
			"thread_handle", handle,
			"destination", adapter.Platform())
	}

	return createdThread{handle: won.DestinationThreadHandle, receipt: receipt}, nil
}

// Touch records successful delivery activity for key.
func (r *Registry) Touch(ctx context.Context, key string) error {
	return r.store.Touch(ctx, key, r.now())
}

// Sweep flips every idle thread into broadcast mode and returns them so
// the caller can announce the transition.
func (r *Registry) Sweep(ctx context.Context) ([]SweptThread, error) {
	swept, err := r.store.SweepStale(ctx, r.now(), r.defaultInactivity)
	if err != nil {
		return nil, err
	}
	for _, t := range swept {
		r.logger.InfoContext(ctx, "thread idle, falling back to broadcast",
			"source_conversation_id", t.SourceConversationID,
			"last_activity_at", t.LastActivityAt)
	}
	return swept, nil
}
