package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageStats aggregates the telemetry rows for one agent over a window.
// Telemetry is written by external executors; this subsystem only reads it.
type UsageStats struct {
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	AvgResponseTimeMs  *float64
	AvgFeedbackScore   *float64 // 0-5 scale; nil when no feedback recorded
	FeedbackCount      int
	TotalCostUSD       float64
	WindowStart        time.Time
	WindowEnd          time.Time
}

// GetUsageStats aggregates an agent's telemetry between start and end.
// Zero rows produce zero counters with nil averages, never an error.
func (db *DB) GetUsageStats(ctx context.Context, agentID uuid.UUID, start, end time.Time) (UsageStats, error) {
	s := UsageStats{WindowStart: start, WindowEnd: end}
	err := db.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE success),
		       count(*) FILTER (WHERE NOT success),
		       avg(execution_time_ms),
		       avg(feedback_score),
		       count(feedback_score),
		       COALESCE(sum(cost_usd), 0)
		FROM agent_performance
		WHERE agent_id = $1 AND recorded_at >= $2 AND recorded_at < $3`,
		agentID, start, end,
	).Scan(
		&s.TotalRequests, &s.SuccessfulRequests, &s.FailedRequests,
		&s.AvgResponseTimeMs, &s.AvgFeedbackScore, &s.FeedbackCount, &s.TotalCostUSD,
	)
	if err != nil {
		return UsageStats{}, fmt.Errorf("storage: usage stats: %w", err)
	}
	return s, nil
}

// RequestVolumeByType returns the number of telemetry rows per agent type
// between start and end. Feeds the high-demand need detector.
func (db *DB) RequestVolumeByType(ctx context.Context, start, end time.Time) (map[string]int, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT a.agent_type, count(*)
		FROM agent_performance p
		JOIN agents a ON a.id = p.agent_id
		WHERE p.recorded_at >= $1 AND p.recorded_at < $2
		GROUP BY a.agent_type`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: request volume by type: %w", err)
	}
	defer rows.Close()

	volumes := make(map[string]int)
	for rows.Next() {
		var agentType string
		var count int
		if err := rows.Scan(&agentType, &count); err != nil {
			return nil, fmt.Errorf("storage: scan request volume: %w", err)
		}
		volumes[agentType] = count
	}
	return volumes, rows.Err()
}
