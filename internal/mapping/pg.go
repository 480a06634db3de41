package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pontoon.app/bridge/internal/event"
)

// Lookup resolves the active mapping for a source conversation.
type Lookup interface {
	Lookup(ctx context.Context, sourceConversationID string) (*GroupMapping, error)
}

type pgLookup struct {
	pool *pgxpool.Pool
}

// NewPgLookup returns a Lookup reading the group_mappings table owned by
// the onboarding service.
func NewPgLookup(pool *pgxpool.Pool) Lookup {
	return &pgLookup{pool: pool}
}

func (l *pgLookup) Lookup(ctx context.Context, sourceConversationID string) (*GroupMapping, error) {
	const q = `
		SELECT source_conversation_id, source_platform, destination_conversation_id,
		       destination_display_name, source_display_name,
		       inactivity_timeout_seconds, created_at, created_by
		FROM group_mappings
		WHERE source_conversation_id = $1`

	var (
		m              GroupMapping
		platform       string
		timeoutSeconds *int64
	)
	err := l.pool.QueryRow(ctx, q, sourceConversationID).Scan(
		&m.SourceConversationID,
		&platform,
		&m.DestinationConversationID,
		&m.DestinationDisplayName,
		&m.SourceDisplayName,
		&timeoutSeconds,
		&m.CreatedAt,
		&m.CreatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up mapping: %w", err)
	}

	m.SourcePlatform = event.Platform(platform)
	if timeoutSeconds != nil {
		d := time.Duration(*timeoutSeconds) * time.Second
		m.InactivityTimeout = &d
	}

	return &m, nil
}
