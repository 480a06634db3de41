package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pontoon.app/bridge/internal/event"
)

// ThreadHandle is the opaque id of a reply-thread on a destination
// platform (a Slack thread_ts, a Telegram forum topic id).
type ThreadHandle string

// DeliveryRequest is a fully-formatted send, produced by the router.
type DeliveryRequest struct {
	Destination    event.Platform
	ConversationID string       // destination channel / chat id
	ThreadHandle   ThreadHandle // empty means post top-level
	Text           string       // already formatted for the destination
	EventID        string       // source event id, for receipts and logs
}

// ThreadRequest asks an adapter to start a new reply-thread rooted at a
// starter message.
type ThreadRequest struct {
	ConversationID string
	Title          string // thread/topic title where the platform has one
	StarterText    string // message that roots the thread
	EventID        string
}

// Receipt identifies a message accepted by the destination platform.
type Receipt struct {
	MessageRef  string // platform-native message id (ts, message id)
	DeliveredAt time.Time
}

// Status is the outcome of a delivery attempt.
type Status string

const (
	StatusDelivered   Status = "delivered"
	StatusFailed      Status = "failed"
	StatusCircuitOpen Status = "circuit_open"
)

// DeliveryResult is the only thing Deliver returns: every outcome is a
// representable value, no errors escape the adapter boundary.
type DeliveryResult struct {
	Status    Status
	Receipt   Receipt
	Reason    string // failure classification, empty on success
	Retryable bool   // whether the failure class was retryable
}

func Delivered(r Receipt) DeliveryResult {
	return DeliveryResult{Status: StatusDelivered, Receipt: r}
}

func Failed(reason string, retryable bool) DeliveryResult {
	return DeliveryResult{Status: StatusFailed, Reason: reason, Retryable: retryable}
}

func CircuitOpen() DeliveryResult {
	return DeliveryResult{Status: StatusCircuitOpen, Reason: "circuit_open"}
}

// Adapter is the fixed capability surface of one destination platform.
// Implementations are selected at construction time, one per platform.
type Adapter interface {
	Platform() event.Platform
	Deliver(ctx context.Context, req DeliveryRequest) DeliveryResult
	CreateThread(ctx context.Context, req ThreadRequest) (ThreadHandle, Receipt, error)
}

// Transport is the raw platform call surface wrapped by Guard. Transports
// classify every failure via SendError; the guard decides retries from
// that classification.
type Transport interface {
	Platform() event.Platform
	Send(ctx context.Context, req DeliveryRequest) (Receipt, error)
	StartThread(ctx context.Context, req ThreadRequest) (ThreadHandle, Receipt, error)
}

// SendError is a classified transport failure.
type SendError struct {
	Reason    string // short machine-readable class, e.g. "rate_limited", "invalid_auth"
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient failure (timeouts, 5xx, rate limits).
func Retryable(reason string, err error) *SendError {
	return &SendError{Reason: reason, Retryable: true, Err: err}
}

// Fatal wraps err as a non-retryable failure (bad credentials, permission
// denied, malformed payload).
func Fatal(reason string, err error) *SendError {
	return &SendError{Reason: reason, Retryable: false, Err: err}
}

// AsSendError extracts the classification from an error chain. Unclassified
// errors default to non-retryable so an unknown failure mode cannot cause a
// retry storm.
func AsSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Reason: "unclassified", Retryable: false, Err: err}
}
