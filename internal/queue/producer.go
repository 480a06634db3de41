package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"pontoon.app/bridge/internal/event"
)

// Producer is the publishing half of the broker channel contract. The
// ingress adapters (external processes) publish with the same field set;
// the worker uses it for requeues and the test suites use it to drive
// the consumer.
type Producer interface {
	Publish(ctx context.Context, stream string, ev event.InboundEvent, traceID string) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		logger: logger,
	}
}

func (p *redisProducer) Publish(ctx context.Context, stream string, ev event.InboundEvent, traceID string) error {
	if ev.EventID == "" {
		return fmt.Errorf("publish: event_id is required")
	}
	if !ev.SourcePlatform.Valid() {
		return fmt.Errorf("publish: unknown source_platform %q", ev.SourcePlatform)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: messageValues(ev, 1, traceID),
	}).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	p.logger.InfoContext(ctx, "published inbound event",
		"stream", stream,
		"event_id", ev.EventID,
		"source_platform", ev.SourcePlatform,
		"source_conversation_id", ev.SourceConversationID)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
