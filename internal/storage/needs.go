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

const needColumns = `id, entity_id, need_type, description, priority, confidence,
	evidence, proposed_spec, status, created_agent_id, metadata,
	detected_at, approved_at, fulfilled_at, rejected_at, resolution_reason`

func scanNeed(row pgx.Row) (model.AgentNeed, error) {
	var n model.AgentNeed
	err := row.Scan(
		&n.ID, &n.EntityID, &n.NeedType, &n.Description, &n.Priority, &n.Confidence,
		&n.Evidence, &n.ProposedSpec, &n.Status, &n.CreatedAgentID, &n.Metadata,
		&n.DetectedAt, &n.ApprovedAt, &n.FulfilledAt, &n.RejectedAt, &n.ResolutionReason,
	)
	return n, err
}

// InsertNeed persists a detected need.
func (db *DB) InsertNeed(ctx context.Context, need model.AgentNeed) (model.AgentNeed, error) {
	if err := need.Validate(); err != nil {
		return model.AgentNeed{}, fmt.Errorf("storage: need: %w", err)
	}
	if need.ID == uuid.Nil {
		need.ID = uuid.New()
	}
	if need.DetectedAt.IsZero() {
		need.DetectedAt = time.Now().UTC()
	}
	if need.Evidence == nil {
		need.Evidence = []string{}
	}
	if need.Metadata == nil {
		need.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_needs (id, entity_id, need_type, description, priority,
		                          confidence, evidence, proposed_spec, status, metadata, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		need.ID, need.EntityID, string(need.NeedType), need.Description, string(need.Priority),
		need.Confidence, need.Evidence, need.ProposedSpec, string(need.Status),
		need.Metadata, need.DetectedAt,
	)
	if err != nil {
		return model.AgentNeed{}, fmt.Errorf("storage: insert need: %w", err)
	}
	return need, nil
}

// GetNeed retrieves a need by its ID.
func (db *DB) GetNeed(ctx context.Context, id uuid.UUID) (model.AgentNeed, error) {
	n, err := scanNeed(db.pool.QueryRow(ctx,
		`SELECT `+needColumns+` FROM agent_needs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentNeed{}, fmt.Errorf("storage: need %s: %w", id, ErrNotFound)
		}
		return model.AgentNeed{}, fmt.Errorf("storage: get need: %w", err)
	}
	return n, nil
}

// ListNeeds returns needs, most recently detected first, optionally filtered
// by status. limit is clamped to [1, 1000] with a default of 100.
func (db *DB) ListNeeds(ctx context.Context, status model.NeedStatus, limit int) ([]model.AgentNeed, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+needColumns+` FROM agent_needs
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY detected_at DESC
		 LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list needs: %w", err)
	}
	defer rows.Close()

	var needs []model.AgentNeed
	for rows.Next() {
		n, err := scanNeed(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan need: %w", err)
		}
		needs = append(needs, n)
	}
	return needs, rows.Err()
}

// ListSpawnCandidates returns spawnable needs at or above the confidence
// floor, highest confidence first, up to limit.
func (db *DB) ListSpawnCandidates(ctx context.Context, minConfidence float64, limit int) ([]model.AgentNeed, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+needColumns+` FROM agent_needs
		 WHERE status IN ('detected', 'approved') AND confidence >= $1
		 ORDER BY confidence DESC, detected_at ASC
		 LIMIT $2`,
		minConfidence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list spawn candidates: %w", err)
	}
	defer rows.Close()

	var needs []model.AgentNeed
	for rows.Next() {
		n, err := scanNeed(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan spawn candidate: %w", err)
		}
		needs = append(needs, n)
	}
	return needs, rows.Err()
}

// HasOpenNeed reports whether an unresolved need of the given type already
// exists for the key (entity id string or agent type, matched against the
// description metadata). Deduplicates detector output across runs.
func (db *DB) HasOpenNeed(ctx context.Context, needType model.NeedType, dedupeKey string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM agent_needs
			WHERE need_type = $1
			  AND metadata->>'dedupe_key' = $2
			  AND status IN ('detected', 'analyzing', 'approved', 'generating', 'testing')
		 )`,
		string(needType), dedupeKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check open need: %w", err)
	}
	return exists, nil
}

// ResolveNeed moves a need to rejected or obsolete with a reason. The UPDATE
// is conditional on the need not already being terminal.
func (db *DB) ResolveNeed(ctx context.Context, id uuid.UUID, status model.NeedStatus, reason string) (model.AgentNeed, error) {
	if status != model.NeedRejected && status != model.NeedObsolete {
		return model.AgentNeed{}, fmt.Errorf("storage: resolve need: status %q is not terminal", status)
	}
	n, err := scanNeed(db.pool.QueryRow(ctx,
		`UPDATE agent_needs
		 SET status = $1, rejected_at = now(), resolution_reason = $2
		 WHERE id = $3 AND status NOT IN ('deployed', 'rejected', 'obsolete')
		 RETURNING `+needColumns,
		string(status), reason, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentNeed{}, fmt.Errorf("storage: need %s not resolvable: %w", id, ErrConflict)
		}
		return model.AgentNeed{}, fmt.Errorf("storage: resolve need: %w", err)
	}
	return n, nil
}

// ApproveNeed moves a detected need to approved.
func (db *DB) ApproveNeed(ctx context.Context, id uuid.UUID) (model.AgentNeed, error) {
	n, err := scanNeed(db.pool.QueryRow(ctx,
		`UPDATE agent_needs
		 SET status = 'approved', approved_at = now()
		 WHERE id = $1 AND status IN ('detected', 'analyzing')
		 RETURNING `+needColumns,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentNeed{}, fmt.Errorf("storage: need %s not approvable: %w", id, ErrConflict)
		}
		return model.AgentNeed{}, fmt.Errorf("storage: approve need: %w", err)
	}
	return n, nil
}
