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

const healthColumns = `id, agent_id, health_score, usage_frequency, success_rate,
	user_satisfaction, cost_efficiency, response_time_score,
	total_requests, successful_requests, failed_requests,
	avg_response_time_ms, total_cost_usd, trend, risk_level,
	recommendations, degraded, calculated_at`

func scanHealthRecord(row pgx.Row) (model.HealthRecord, error) {
	var h model.HealthRecord
	err := row.Scan(
		&h.ID, &h.AgentID, &h.HealthScore, &h.UsageFrequency, &h.SuccessRate,
		&h.UserSatisfaction, &h.CostEfficiency, &h.ResponseTimeScore,
		&h.TotalRequests, &h.SuccessfulRequests, &h.FailedRequests,
		&h.AvgResponseTimeMs, &h.TotalCostUSD, &h.Trend, &h.RiskLevel,
		&h.Recommendations, &h.Degraded, &h.CalculatedAt,
	)
	return h, err
}

// LockAgent takes a session-scoped advisory lock on the agent id, blocking
// until it is free. Calculations hold it across the baseline read and the
// snapshot insert so two concurrent runs for one agent cannot both classify
// against the same priors. The caller must call release; the lock also falls
// away if the connection drops.
func (db *DB) LockAgent(ctx context.Context, agentID uuid.UUID) (release func(), err error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire lock conn: %w", err)
	}
	if _, err := conn.Exec(ctx,
		`SELECT pg_advisory_lock(hashtextextended($1::text, 0))`, agentID,
	); err != nil {
		conn.Release()
		return nil, fmt.Errorf("storage: advisory lock: %w", err)
	}
	return func() {
		// Unlock must run on the session that took the lock.
		_, _ = conn.Exec(context.Background(),
			`SELECT pg_advisory_unlock(hashtextextended($1::text, 0))`, agentID)
		conn.Release()
	}, nil
}

// InsertHealthRecord appends a health snapshot for an agent. Snapshots are
// immutable: a new calculation inserts a new row and supersedes the old one
// by timestamp. Callers that derive fields from prior snapshots serialize
// with LockAgent.
func (db *DB) InsertHealthRecord(ctx context.Context, record model.HealthRecord) (model.HealthRecord, error) {
	if err := record.Validate(); err != nil {
		return model.HealthRecord{}, fmt.Errorf("storage: health record: %w", err)
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CalculatedAt.IsZero() {
		record.CalculatedAt = time.Now().UTC()
	}
	if record.Recommendations == nil {
		record.Recommendations = []string{}
	}

	if _, err := db.pool.Exec(ctx,
		`INSERT INTO agent_health (`+healthColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		record.ID, record.AgentID, record.HealthScore, record.UsageFrequency, record.SuccessRate,
		record.UserSatisfaction, record.CostEfficiency, record.ResponseTimeScore,
		record.TotalRequests, record.SuccessfulRequests, record.FailedRequests,
		record.AvgResponseTimeMs, record.TotalCostUSD, string(record.Trend), string(record.RiskLevel),
		record.Recommendations, record.Degraded, record.CalculatedAt,
	); err != nil {
		return model.HealthRecord{}, fmt.Errorf("storage: insert health record: %w", err)
	}
	return record, nil
}

// LatestHealth returns the most recent health record for an agent.
func (db *DB) LatestHealth(ctx context.Context, agentID uuid.UUID) (model.HealthRecord, error) {
	h, err := scanHealthRecord(db.pool.QueryRow(ctx,
		`SELECT `+healthColumns+` FROM agent_health
		 WHERE agent_id = $1
		 ORDER BY calculated_at DESC
		 LIMIT 1`,
		agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.HealthRecord{}, fmt.Errorf("storage: health for agent %s: %w", agentID, ErrNotFound)
		}
		return model.HealthRecord{}, fmt.Errorf("storage: latest health: %w", err)
	}
	return h, nil
}

// HealthHistory returns an agent's health records, most recent first.
// limit is clamped to [1, 1000] with a default of 30.
func (db *DB) HealthHistory(ctx context.Context, agentID uuid.UUID, limit int) ([]model.HealthRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+healthColumns+` FROM agent_health
		 WHERE agent_id = $1
		 ORDER BY calculated_at DESC
		 LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: health history: %w", err)
	}
	defer rows.Close()

	var records []model.HealthRecord
	for rows.Next() {
		h, err := scanHealthRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan health record: %w", err)
		}
		records = append(records, h)
	}
	return records, rows.Err()
}

// PriorHealthScores returns the composite scores of up to limit records
// strictly older than before, most recent first. Used for trend baselines.
func (db *DB) PriorHealthScores(ctx context.Context, agentID uuid.UUID, before time.Time, limit int) ([]float64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT health_score FROM agent_health
		 WHERE agent_id = $1 AND calculated_at < $2
		 ORDER BY calculated_at DESC
		 LIMIT $3`,
		agentID, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: prior health scores: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("storage: scan health score: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// GetHealthSummary aggregates the latest health record per active agent into
// fleet-wide statistics for the summary endpoint.
func (db *DB) GetHealthSummary(ctx context.Context) (model.HealthSummary, error) {
	s := model.HealthSummary{
		RiskHistogram:  make(map[model.RiskLevel]int),
		TrendHistogram: make(map[model.Trend]int),
	}

	active, inactive, err := db.CountAgentsByActive(ctx)
	if err != nil {
		return s, err
	}
	s.ActiveAgents = active
	s.InactiveAgents = inactive

	err = db.pool.QueryRow(ctx, `
		SELECT count(*), COALESCE(avg(h.health_score), 0)
		FROM agent_health_latest h
		JOIN agents a ON a.id = h.agent_id
		WHERE a.is_active`,
	).Scan(&s.ScoredAgents, &s.AvgHealth)
	if err != nil {
		return s, fmt.Errorf("storage: health summary averages: %w", err)
	}

	histRows, err := db.pool.Query(ctx, `
		SELECT h.risk_level, h.trend, count(*)
		FROM agent_health_latest h
		JOIN agents a ON a.id = h.agent_id
		WHERE a.is_active
		GROUP BY h.risk_level, h.trend`,
	)
	if err != nil {
		return s, fmt.Errorf("storage: health summary histograms: %w", err)
	}
	defer histRows.Close()

	for histRows.Next() {
		var risk model.RiskLevel
		var trend model.Trend
		var count int
		if err := histRows.Scan(&risk, &trend, &count); err != nil {
			return s, fmt.Errorf("storage: scan health summary: %w", err)
		}
		s.RiskHistogram[risk] += count
		s.TrendHistogram[trend] += count
	}
	return s, histRows.Err()
}

// LowSuccessHealthCountsByType returns, per agent type, the number of health
// records since the cutoff whose success rate fell below the threshold.
// Feeds the failure-pattern need detector.
func (db *DB) LowSuccessHealthCountsByType(ctx context.Context, since time.Time, threshold float64) (map[string]int, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT a.agent_type, count(*)
		FROM agent_health h
		JOIN agents a ON a.id = h.agent_id
		WHERE h.calculated_at >= $1 AND h.success_rate < $2
		GROUP BY a.agent_type`,
		since, threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: low success counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var agentType string
		var count int
		if err := rows.Scan(&agentType, &count); err != nil {
			return nil, fmt.Errorf("storage: scan low success count: %w", err)
		}
		counts[agentType] = count
	}
	return counts, rows.Err()
}
