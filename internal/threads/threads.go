package threads

import (
	"context"
	"errors"
	"time"

	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/platform"
)

// ErrNotFound is returned when no thread state exists for a source
// conversation.
var ErrNotFound = errors.New("thread state not found")

// ThreadState tracks the live destination thread for one source
// conversation. At most one row exists per source conversation; the
// source conversation id is the natural key.
type ThreadState struct {
	SourceConversationID    string
	ID                      int64
	DestinationThreadHandle platform.ThreadHandle
	LastActivityAt          time.Time
	IsBroadcasting          bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Route is the resolved destination for one event. When CreatedThread
// is set the event itself was just delivered as the thread starter and
// the worker must not send it again.
type Route struct {
	Destination    event.Platform
	ConversationID string
	ThreadHandle   platform.ThreadHandle // empty means top-level
	Broadcast      bool                  // stale thread, posting to the parent conversation
	CreatedThread  bool
	Receipt        platform.Receipt // starter receipt, set when CreatedThread
}

// SweptThread identifies a thread marked stale by a sweep pass, with
// enough routing context to announce the fallback inside the old thread.
type SweptThread struct {
	SourceConversationID      string
	Destination               event.Platform
	DestinationConversationID string
	DestinationThreadHandle   platform.ThreadHandle
	LastActivityAt            time.Time
}

// Store is the persistence surface of the registry.
type Store interface {
	// Get returns the state for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*ThreadState, error)

	// SetHandle records a freshly created thread handle. The write only
	// lands when no live handle exists (first creation, or reactivation
	// after a broadcast fallback); when another worker won the race the
	// returned state carries the winner's handle.
	SetHandle(ctx context.Context, st ThreadState) (*ThreadState, error)

	// Touch advances last_activity_at for key.
	Touch(ctx context.Context, key string, at time.Time) error

	// SweepStale flips every thread idle past its mapping's inactivity
	// timeout into broadcast mode and returns the affected threads.
	SweepStale(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]SweptThread, error)
}
