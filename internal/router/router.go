package router

import (
	"fmt"

	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/mapping"
	"pontoon.app/bridge/internal/platform"
	"pontoon.app/bridge/internal/threads"
)

// Formatter renders bridged text for one destination platform. All
// escaping for the platform's markup lives here.
type Formatter interface {
	Platform() event.Platform
	Message(sender, sourceName, body string) string
	Notice(text string) string
}

// Router turns a resolved event into delivery requests. It holds no
// state and performs no I/O, everything here is a pure function of its
// inputs.
type Router struct {
	formatters map[event.Platform]Formatter
}

func New(formatters ...Formatter) *Router {
	byPlatform := make(map[event.Platform]Formatter, len(formatters))
	for _, f := range formatters {
		byPlatform[f.Platform()] = f
	}
	return &Router{formatters: byPlatform}
}

// Starter renders the presentation of a new thread for ev: the thread
// title and the starter message carrying the event itself.
func (r *Router) Starter(ev event.InboundEvent, m *mapping.GroupMapping) (threads.Starter, error) {
	f, err := r.formatter(ev.SourcePlatform.Other())
	if err != nil {
		return threads.Starter{}, err
	}
	title := m.SourceDisplayName
	if title == "" {
		title = ev.SourceConversationID
	}
	return threads.Starter{
		Title: title,
		Text:  f.Message(ev.SenderDisplayName, sourceLabel(ev, m), ev.Body),
	}, nil
}

// sourceLabel is the attribution tag readers see next to the sender
// name. Mappings usually carry a friendly conversation name; without
// one the platform badge still tells readers which side a message came
// from.
func sourceLabel(ev event.InboundEvent, m *mapping.GroupMapping) string {
	if m.SourceDisplayName != "" {
		return m.SourceDisplayName
	}
	return ev.SourcePlatform.Badge()
}

// Build produces the delivery request for ev along route. Broadcast
// routes reuse the same attributed rendering, the source label keeps
// top-level fallback posts tellable apart in a busy channel.
func (r *Router) Build(ev event.InboundEvent, m *mapping.GroupMapping, route threads.Route) (platform.DeliveryRequest, error) {
	f, err := r.formatter(route.Destination)
	if err != nil {
		return platform.DeliveryRequest{}, err
	}

	return platform.DeliveryRequest{
		Destination:    route.Destination,
		ConversationID: route.ConversationID,
		ThreadHandle:   route.ThreadHandle,
		Text:           f.Message(ev.SenderDisplayName, sourceLabel(ev, m), ev.Body),
		EventID:        ev.EventID,
	}, nil
}

// Notice produces a best-effort operational notice for a conversation,
// used for the broadcast fallback announcement.
func (r *Router) Notice(dest event.Platform, conversationID string, handle platform.ThreadHandle, text string) (platform.DeliveryRequest, error) {
	f, err := r.formatter(dest)
	if err != nil {
		return platform.DeliveryRequest{}, err
	}
	return platform.DeliveryRequest{
		Destination:    dest,
		ConversationID: conversationID,
		ThreadHandle:   handle,
		Text:           f.Notice(text),
	}, nil
}

func (r *Router) formatter(p event.Platform) (Formatter, error) {
	f, ok := r.formatters[p]
	if !ok {
		return nil, fmt.Errorf("no formatter for platform %q", p)
	}
	return f, nil
}
