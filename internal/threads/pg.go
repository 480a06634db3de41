package threads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"pontoon.app/bridge/core/db"
	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/platform"
)

type pgStore struct {
	db *db.DB
}

// NewPgStore returns a Store backed by the thread_states table.
func NewPgStore(database *db.DB) Store {
	return &pgStore{db: database}
}

func (s *pgStore) Get(ctx context.Context, key string) (*ThreadState, error) {
	const q = `
		SELECT source_conversation_id, id, destination_thread_handle,
		       last_activity_at, is_broadcasting, created_at, updated_at
		FROM thread_states
		WHERE source_conversation_id = $1`

	st, err := scanState(s.db.Pool().QueryRow(ctx, q, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting thread state: %w", err)
	}
	return st, nil
}

func (s *pgStore) SetHandle(ctx context.Context, st ThreadState) (*ThreadState, error) {
	// The WHERE clause on the upsert makes creation race-safe across
	// workers: only the first writer for a dormant or broadcasting row
	// lands, everyone else reads back the winner.
	const q = `
		INSERT INTO thread_states (
			source_conversation_id, id, destination_thread_handle,
			last_activity_at, is_broadcasting, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, FALSE, $4, $4)
		ON CONFLICT (source_conversation_id) DO UPDATE
		SET destination_thread_handle = EXCLUDED.destination_thread_handle,
		    last_activity_at = EXCLUDED.last_activity_at,
		    is_broadcasting = FALSE,
		    updated_at = EXCLUDED.updated_at
		WHERE thread_states.destination_thread_handle IS NULL
		   OR thread_states.is_broadcasting
		RETURNING source_conversation_id, id, destination_thread_handle,
		          last_activity_at, is_broadcasting, created_at, updated_at`

	const readWinner = `
		SELECT source_conversation_id, id, destination_thread_handle,
		       last_activity_at, is_broadcasting, created_at, updated_at
		FROM thread_states
		WHERE source_conversation_id = $1`

	var won *ThreadState
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		won, txErr = scanState(tx.QueryRow(ctx, q,
			st.SourceConversationID, st.ID, string(st.DestinationThreadHandle), st.LastActivityAt))
		if txErr == nil {
			return nil
		}
		if !errors.Is(txErr, pgx.ErrNoRows) {
			return txErr
		}

		// Lost the race, read the handle that won.
		won, txErr = scanState(tx.QueryRow(ctx, readWinner, st.SourceConversationID))
		return txErr
	})
	if err != nil {
		return nil, fmt.Errorf("setting thread handle: %w", err)
	}
	return won, nil
}

func (s *pgStore) Touch(ctx context.Context, key string, at time.Time) error {
	const q = `
		UPDATE thread_states
		SET last_activity_at = $2, updated_at = $2
		WHERE source_conversation_id = $1`

	if _, err := s.db.Pool().Exec(ctx, q, key, at); err != nil {
		return fmt.Errorf("touching thread state: %w", err)
	}
	return nil
}

func (s *pgStore) SweepStale(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]SweptThread, error) {
	// Per-mapping timeouts override the worker default. The UPDATE is
	// the selection and the transition in one statement, so concurrent
	// sweepers cannot flip the same thread twice.
	const q = `
		UPDATE thread_states ts
		SET is_broadcasting = TRUE, updated_at = $1
		FROM group_mappings gm
		WHERE gm.source_conversation_id = ts.source_conversation_id
		  AND NOT ts.is_broadcasting
		  AND ts.destination_thread_handle IS NOT NULL
		  AND ts.last_activity_at < $1 - make_interval(secs => COALESCE(gm.inactivity_timeout_seconds, $2))
		RETURNING ts.source_conversation_id, gm.source_platform,
		          gm.destination_conversation_id, ts.destination_thread_handle,
		          ts.last_activity_at`

	rows, err := s.db.Pool().Query(ctx, q, now, int64(defaultTimeout.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("sweeping stale threads: %w", err)
	}
	defer rows.Close()

	var swept []SweptThread
	for rows.Next() {
		var (
			t       SweptThread
			srcPlat string
			handle  *string
		)
		if err := rows.Scan(&t.SourceConversationID, &srcPlat,
			&t.DestinationConversationID, &handle, &t.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scanning swept thread: %w", err)
		}
		t.Destination = event.Platform(srcPlat).Other()
		if handle != nil {
			t.DestinationThreadHandle = platform.ThreadHandle(*handle)
		}
		swept = append(swept, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweeping stale threads: %w", err)
	}
	return swept, nil
}

func scanState(row pgx.Row) (*ThreadState, error) {
	var (
		st     ThreadState
		handle *string
	)
	err := row.Scan(
		&st.SourceConversationID,
		&st.ID,
		&handle,
		&st.LastActivityAt,
		&st.IsBroadcasting,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if handle != nil {
		st.DestinationThreadHandle = platform.ThreadHandle(*handle)
	}
	return &st, nil
}
