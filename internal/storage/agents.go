package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nucleus-ai/nucleus/internal/model"
)

const agentColumns = `id, entity_id, agent_name, agent_type, description, capabilities,
	configuration, version, is_active, last_decision, last_evaluated_at, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.EntityID, &a.Name, &a.Type, &a.Description, &a.Capabilities,
		&a.Configuration, &a.Version, &a.IsActive, &a.LastDecision, &a.LastEvaluatedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// CreateAgentTx inserts a new agent and its `created` lifecycle event
// atomically within a single transaction.
func (db *DB) CreateAgentTx(ctx context.Context, agent model.Agent, event model.LifecycleEvent) (model.Agent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: begin create agent tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	agent, err = insertAgentTx(ctx, tx, agent)
	if err != nil {
		return model.Agent{}, err
	}

	event.AgentID = agent.ID
	after := agent.State()
	event.AfterState = &after
	if err := insertLifecycleEventTx(ctx, tx, event); err != nil {
		return model.Agent{}, fmt.Errorf("storage: event in create agent tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit create agent tx: %w", err)
	}
	return agent, nil
}

// CreateAgentFromNeedTx inserts a new agent, its `created` lifecycle event,
// and transitions the fulfilling need to `deployed`, all atomically. The
// need-status UPDATE is conditional on the need still being spawnable, so a
// concurrent or repeated spawn of the same need fails with ErrConflict and
// leaves no partial state.
func (db *DB) CreateAgentFromNeedTx(ctx context.Context, agent model.Agent, event model.LifecycleEvent, needID uuid.UUID) (model.Agent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: begin spawn tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	agent, err = insertAgentTx(ctx, tx, agent)
	if err != nil {
		return model.Agent{}, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE agent_needs
		 SET status = 'deployed', created_agent_id = $1, fulfilled_at = now()
		 WHERE id = $2 AND status IN ('detected', 'approved')`,
		agent.ID, needID,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: fulfill need: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Agent{}, fmt.Errorf("storage: need %s not spawnable: %w", needID, ErrConflict)
	}

	event.AgentID = agent.ID
	after := agent.State()
	event.AfterState = &after
	if err := insertLifecycleEventTx(ctx, tx, event); err != nil {
		return model.Agent{}, fmt.Errorf("storage: event in spawn tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit spawn tx: %w", err)
	}
	return agent, nil
}

func insertAgentTx(ctx context.Context, tx pgx.Tx, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Version == 0 {
		agent.Version = 1
	}
	if agent.Capabilities == nil {
		agent.Capabilities = map[string]any{}
	}
	if agent.Configuration == nil {
		agent.Configuration = map[string]any{}
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO agents (id, entity_id, agent_name, agent_type, description,
		                     capabilities, configuration, version, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		agent.ID, agent.EntityID, agent.Name, agent.Type, agent.Description,
		agent.Capabilities, agent.Configuration, agent.Version, agent.IsActive,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by its ID.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListActiveAgents returns all active agents ordered by creation time.
func (db *DB) ListActiveAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE is_active ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgentsByActive returns the number of active and inactive agents.
func (db *DB) CountAgentsByActive(ctx context.Context) (active, inactive int, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE is_active), count(*) FILTER (WHERE NOT is_active) FROM agents`,
	).Scan(&active, &inactive)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return active, inactive, nil
}

// HasActiveAgentForEntity reports whether any active agent is bound to the entity.
func (db *DB) HasActiveAgentForEntity(ctx context.Context, entityID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE entity_id = $1 AND is_active)`, entityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: active agent for entity: %w", err)
	}
	return exists, nil
}

// ShutdownAgentTx deactivates an agent and records its `shutdown` lifecycle
// event atomically. The UPDATE is conditional on the agent still being
// active: a second shutdown finds no row and returns ErrConflict, so the
// audit trail never carries a duplicate shutdown.
func (db *DB) ShutdownAgentTx(ctx context.Context, id uuid.UUID, event model.LifecycleEvent) (model.Agent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: begin shutdown tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	before, err := scanAgent(tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: lock agent for shutdown: %w", err)
	}
	if !before.IsActive {
		return model.Agent{}, fmt.Errorf("storage: agent %s already inactive: %w", id, ErrConflict)
	}

	after, err := scanAgent(tx.QueryRow(ctx,
		`UPDATE agents
		 SET is_active = false, last_decision = 'shutdown', last_evaluated_at = now(), updated_at = now()
		 WHERE id = $1
		 RETURNING `+agentColumns, id,
	))
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: deactivate agent: %w", err)
	}

	beforeState := before.State()
	afterState := after.State()
	event.AgentID = id
	event.BeforeState = &beforeState
	event.AfterState = &afterState
	if err := insertLifecycleEventTx(ctx, tx, event); err != nil {
		return model.Agent{}, fmt.Errorf("storage: event in shutdown tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit shutdown tx: %w", err)
	}
	return after, nil
}

// RecordDecisionTx stores the decided lifecycle action on the agent and,
// when event is non-nil, writes the lifecycle event in the same transaction.
// Callers pass a nil event for repeated or maintain decisions.
func (db *DB) RecordDecisionTx(ctx context.Context, id uuid.UUID, action string, event *model.LifecycleEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin decision tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE agents SET last_decision = $1, last_evaluated_at = now() WHERE id = $2`,
		action, id,
	)
	if err != nil {
		return fmt.Errorf("storage: record decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}

	if event != nil {
		event.AgentID = id
		if err := insertLifecycleEventTx(ctx, tx, *event); err != nil {
			return fmt.Errorf("storage: event in decision tx: %w", err)
		}
	}

	return tx.Commit(ctx)
}
