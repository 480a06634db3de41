package event

import "time"

// Platform identifies one of the two bridged chat networks.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformSlack    Platform = "slack"
)

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	return p == PlatformTelegram || p == PlatformSlack
}

// Other returns the opposite end of the bridge. Events sourced on one
// platform are always delivered to the other.
func (p Platform) Other() Platform {
	if p == PlatformTelegram {
		return PlatformSlack
	}
	return PlatformTelegram
}

// Badge is the short attribution tag shown on the destination platform,
// e.g. "Tom (tg): anyone know a plumber".
func (p Platform) Badge() string {
	switch p {
	case PlatformTelegram:
		return "tg"
	case PlatformSlack:
		return "slack"
	default:
		return string(p)
	}
}

// InboundEvent is one normalized message published by an ingress adapter.
// It is a value type and must never be mutated after construction; the
// worker treats it as read-only.
type InboundEvent struct {
	EventID              string    // globally unique, platform-provided or synthesized by ingress
	SourcePlatform       Platform  // where the message was posted
	SourceConversationID string    // chat/channel id on the source platform
	SenderDisplayName    string    // human-readable author name
	SenderIdentity       string    // opaque per-platform author id
	Body                 string    // plain-text message body
	ReceivedAt           time.Time // when ingress accepted the message
}
