package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nucleus-ai/nucleus/internal/model"
)

// insertLifecycleEventTx appends a lifecycle event inside the caller's
// transaction. Events are written only alongside the state change that
// produced them, so there is no standalone insert path, and no update or
// delete path at all.
func insertLifecycleEventTx(ctx context.Context, tx pgx.Tx, event model.LifecycleEvent) error {
	if !model.ValidEventType(event.EventType) {
		return fmt.Errorf("storage: invalid event type %q", event.EventType)
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO agent_lifecycle_events (id, agent_id, event_type, reason,
		                                     before_state, after_state, triggered_by,
		                                     triggered_by_id, metadata, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.AgentID, string(event.EventType), event.Reason,
		event.BeforeState, event.AfterState, string(event.TriggeredBy),
		event.TriggeredByID, event.Metadata, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert lifecycle event: %w", err)
	}
	return nil
}

// ListLifecycleEvents returns an agent's lifecycle events, most recent first.
// limit is clamped to [1, 1000] with a default of 100.
func (db *DB) ListLifecycleEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]model.LifecycleEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, event_type, reason, before_state, after_state,
		        triggered_by, triggered_by_id, metadata, occurred_at
		 FROM agent_lifecycle_events
		 WHERE agent_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []model.LifecycleEvent
	for rows.Next() {
		var e model.LifecycleEvent
		if err := rows.Scan(
			&e.ID, &e.AgentID, &e.EventType, &e.Reason, &e.BeforeState, &e.AfterState,
			&e.TriggeredBy, &e.TriggeredByID, &e.Metadata, &e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan lifecycle event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountLifecycleEvents returns the number of events of a given type for an
// agent. Used by tests and the run summary.
func (db *DB) CountLifecycleEvents(ctx context.Context, agentID uuid.UUID, eventType model.EventType) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM agent_lifecycle_events WHERE agent_id = $1 AND event_type = $2`,
		agentID, string(eventType),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count lifecycle events: %w", err)
	}
	return count, nil
}
