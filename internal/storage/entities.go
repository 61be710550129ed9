package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/nucleus-ai/nucleus/internal/model"
)

// EntityGap is an entity with significant relationship connectivity and no
// active agent covering it. Feeds the coverage-gap need detector.
type EntityGap struct {
	Entity            model.Entity
	RelationshipCount int
}

// ListUncoveredEntities returns entities with more than minRelationships
// distinct relationships and no active agent, most connected first.
func (db *DB) ListUncoveredEntities(ctx context.Context, minRelationships int) ([]EntityGap, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT e.id, e.entity_name, e.entity_type, e.created_at, count(DISTINCT r.id)
		FROM entities e
		JOIN entity_relationships r ON r.entity_id = e.id OR r.related_entity_id = e.id
		WHERE NOT EXISTS (
			SELECT 1 FROM agents a WHERE a.entity_id = e.id AND a.is_active
		)
		GROUP BY e.id, e.entity_name, e.entity_type, e.created_at
		HAVING count(DISTINCT r.id) > $1
		ORDER BY count(DISTINCT r.id) DESC`,
		minRelationships,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list uncovered entities: %w", err)
	}
	defer rows.Close()

	var gaps []EntityGap
	for rows.Next() {
		var g EntityGap
		if err := rows.Scan(&g.Entity.ID, &g.Entity.Name, &g.Entity.Type, &g.Entity.CreatedAt, &g.RelationshipCount); err != nil {
			return nil, fmt.Errorf("storage: scan entity gap: %w", err)
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// NewEntityCountsByType returns the number of entities created since the
// cutoff, per entity type. Feeds the emerging-topic need detector.
func (db *DB) NewEntityCountsByType(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT entity_type, count(*)
		FROM entities
		WHERE created_at >= $1
		GROUP BY entity_type`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: new entity counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var entityType string
		var count int
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, fmt.Errorf("storage: scan new entity count: %w", err)
		}
		counts[entityType] = count
	}
	return counts, rows.Err()
}

// HasActiveAgentOfType reports whether any active agent of the given type
// exists. Deduplicates emerging-topic and failure-pattern proposals against
// agents already deployed for that specialization.
func (db *DB) HasActiveAgentOfType(ctx context.Context, agentType string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE agent_type = $1 AND is_active)`, agentType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: active agent of type: %w", err)
	}
	return exists, nil
}
