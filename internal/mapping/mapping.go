package mapping

import (
	"errors"
	"time"

	"pontoon.app/bridge/internal/event"
)

// ErrNotFound is returned when no active mapping exists for a source
// conversation. An unmapped conversation is expected traffic, not an
// error condition.
var ErrNotFound = errors.New("mapping not found")

// GroupMapping links one source conversation to one destination
// conversation. Rows are created by the onboarding service during link
// setup; the worker only ever reads them.
type GroupMapping struct {
	SourceConversationID      string
	SourcePlatform            event.Platform
	DestinationConversationID string
	DestinationDisplayName    string
	SourceDisplayName         string
	InactivityTimeout         *time.Duration // nil means use the worker default
	CreatedAt                 time.Time
	CreatedBy                 string
}

// TimeoutOrDefault resolves the effective inactivity timeout for this
// mapping.
func (m *GroupMapping) TimeoutOrDefault(def time.Duration) time.Duration {
	if m.InactivityTimeout != nil && *m.InactivityTimeout > 0 {
		return *m.InactivityTimeout
	}
	return def
}
