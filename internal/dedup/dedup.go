package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store gates every inbound event on a short-lived "already handled"
// marker. It must answer with a single atomic check-and-set so that two
// worker instances racing on the same redelivered event cannot both see
// "absent" and both deliver.
type Store interface {
	// MarkAndCheck atomically writes the marker for eventID (if absent)
	// and reports whether it was already present.
	MarkAndCheck(ctx context.Context, eventID string) (bool, error)
	// Unmark releases the marker. Used by at-least-once delivery mode to
	// hand a failed event back to broker redelivery.
	Unmark(ctx context.Context, eventID string) error
}

const keyPrefix = "pontoon:dedup:"

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a Store backed by Redis SET NX with expiry.
// The TTL must exceed the maximum plausible broker redelivery delay,
// otherwise an expired marker lets a late redelivery through.
func NewRedisStore(client *redis.Client, ttl time.Duration) Store {
	return &redisStore{client: client, ttl: ttl}
}

func (s *redisStore) MarkAndCheck(ctx context.Context, eventID string) (bool, error) {
	set, err := s.client.SetNX(ctx, keyPrefix+eventID, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup mark: %w", err)
	}
	return !set, nil
}

func (s *redisStore) Unmark(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, keyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("dedup unmark: %w", err)
	}
	return nil
}
