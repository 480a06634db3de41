package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pontoon.app/bridge/common/logger"
	"pontoon.app/bridge/internal/event"
)

type ConsumerConfig struct {
	Streams      []string      // event streams to read, one per source platform
	Group        string        // Redis consumer group name
	Consumer     string        // Redis consumer name
	DLQStream    string        // Dead letter queue stream for poison messages
	BatchSize    int64         // Number of messages to read per batch
	Block        time.Duration // How long to block/poll for new messages
	MaxAttempts  int           // Maximum redeliveries before moving to DLQ
	RequeueDelay time.Duration // Delay before retrying failed messages
}

// Message is one broker delivery: the normalized inbound event plus the
// redelivery bookkeeping the worker needs.
type Message struct {
	ID      string // Redis stream message id
	Stream  string // stream the message was read from
	Event   event.InboundEvent
	Attempt int
	TraceID string
	Raw     redis.XMessage
}

// MessageProcessor processes a queue message.
type MessageProcessor func(ctx context.Context, msg Message) error

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}

	if err := consumer.ensureGroups(context.Background()); err != nil { //nolint:contextcheck
		return nil, err
	}

	return consumer, nil
}

func (c *RedisConsumer) ensureGroups(ctx context.Context) error {
	// Consumer groups are just readers, messages live in the stream itself.
	// Starting from "0" instead of "$" means we don't lose messages during restarts.
	for _, stream := range c.cfg.Streams {
		if err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("creating consumer group (stream=%s): %w", stream, err)
		}
	}
	return nil
}

// Read blocks for up to cfg.Block and returns the next batch of messages
// from either event stream. Unparseable messages are acked, sent to the
// DLQ, and skipped.
func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "bridge.queue.consumer",
	})

	// XReadGroup wants streams followed by one ">" cursor per stream.
	args := make([]string, 0, len(c.cfg.Streams)*2)
	args = append(args, c.cfg.Streams...)
	for range c.cfg.Streams {
		args = append(args, ">")
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  args,
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from streams: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			parsed, parseErr := ParseMessage(stream.Stream, msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse message",
					"error", parseErr,
					"raw_message_id", msg.ID,
					"stream", stream.Stream)
				poison := Message{ID: msg.ID, Stream: stream.Stream, Raw: msg}
				if dlqErr := c.SendDLQ(ctx, poison, parseErr.Error()); dlqErr != nil {
					slog.ErrorContext(ctx, "failed to DLQ unparseable message", "error", dlqErr)
				}
				continue
			}
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read messages from streams",
			"count", len(messages),
			"consumer", c.cfg.Consumer)
	}

	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, msg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", msg.Stream, err)
	}

	slog.DebugContext(ctx, "message acknowledged", "stream", msg.Stream)
	return nil
}

// Requeue acks the original delivery and appends a fresh copy with an
// incremented attempt counter. Used when an event could not be processed
// for reasons unrelated to the event itself (store outage).
func (c *RedisConsumer) Requeue(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for requeue: %w", err)
	}

	values := messageValues(msg.Event, msg.Attempt+1, msg.TraceID)
	if errMsg != "" {
		values["last_error"] = errMsg
	}

	if c.cfg.RequeueDelay > 0 {
		time.Sleep(c.cfg.RequeueDelay)
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: msg.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	slog.InfoContext(ctx, "message requeued for retry",
		"next_attempt", msg.Attempt+1,
		"reason", errMsg)
	return nil
}

func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for dlq: %w", err)
	}

	values := make(map[string]any, len(msg.Raw.Values)+2)
	for k, v := range msg.Raw.Values {
		values[k] = v
	}
	values["error"] = errMsg
	values["origin_stream"] = msg.Stream

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "message sent to DLQ",
		"final_error", errMsg,
		"dlq_stream", c.cfg.DLQStream)
	return nil
}

// ParseMessage converts a raw stream entry into a Message. The field set
// is the wire contract shared with the ingress adapters (see Producer).
func ParseMessage(stream string, msg redis.XMessage) (Message, error) {
	eventID, err := requireString(msg.Values, "event_id")
	if err != nil {
		return Message{}, err
	}
	platformStr, err := requireString(msg.Values, "source_platform")
	if err != nil {
		return Message{}, err
	}
	platform := event.Platform(platformStr)
	if !platform.Valid() {
		return Message{}, fmt.Errorf("unknown source_platform %q", platformStr)
	}
	conversationID, err := requireString(msg.Values, "source_conversation_id")
	if err != nil {
		return Message{}, err
	}
	body, err := requireString(msg.Values, "body")
	if err != nil {
		return Message{}, err
	}

	receivedAt := time.Time{}
	if raw := optionalString(msg.Values, "received_at"); raw != "" {
		receivedAt, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Message{}, fmt.Errorf("parsing received_at: %w", err)
		}
	}

	attempt, err := optionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	return Message{
		ID:     msg.ID,
		Stream: stream,
		Event: event.InboundEvent{
			EventID:              eventID,
			SourcePlatform:       platform,
			SourceConversationID: conversationID,
			SenderDisplayName:    optionalString(msg.Values, "sender_display_name"),
			SenderIdentity:       optionalString(msg.Values, "sender_identity"),
			Body:                 body,
			ReceivedAt:           receivedAt,
		},
		Attempt: attempt,
		TraceID: optionalString(msg.Values, "trace_id"),
		Raw:     msg,
	}, nil
}

func requireString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	s := fmt.Sprint(raw)
	if s == "" {
		return "", fmt.Errorf("empty %s", key)
	}
	return s, nil
}

func optionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}

func optionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	str := fmt.Sprint(raw)
	num, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func messageValues(ev event.InboundEvent, attempt int, traceID string) map[string]any {
	values := map[string]any{
		"event_id":               ev.EventID,
		"source_platform":        string(ev.SourcePlatform),
		"source_conversation_id": ev.SourceConversationID,
		"body":                   ev.Body,
		"attempt":                attempt,
	}

	if ev.SenderDisplayName != "" {
		values["sender_display_name"] = ev.SenderDisplayName
	}
	if ev.SenderIdentity != "" {
		values["sender_identity"] = ev.SenderIdentity
	}
	if !ev.ReceivedAt.IsZero() {
		values["received_at"] = ev.ReceivedAt.Format(time.RFC3339Nano)
	}
	if traceID != "" {
		values["trace_id"] = traceID
	}

	return values
}
