package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trend classifies the direction of an agent's health across records.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
	TrendUnknown   Trend = "unknown"
)

// RiskLevel classifies how urgently an agent needs lifecycle attention.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskRank returns the numeric rank of a risk level (higher = more urgent).
// Only relative ordering matters.
func RiskRank(r RiskLevel) int {
	switch r {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// HealthRecord is an immutable, timestamped snapshot of one agent's health.
// Records are superseded, never mutated: "current health" is the most recent
// record per agent.
type HealthRecord struct {
	ID      uuid.UUID `json:"id"`
	AgentID uuid.UUID `json:"agent_id"`

	// Composite and component scores, all in [0,1].
	HealthScore       float64 `json:"health_score"`
	UsageFrequency    float64 `json:"usage_frequency"`
	SuccessRate       float64 `json:"success_rate"`
	UserSatisfaction  float64 `json:"user_satisfaction"`
	CostEfficiency    float64 `json:"cost_efficiency"`
	ResponseTimeScore float64 `json:"response_time_score"`

	// Raw counters from the telemetry window.
	TotalRequests      int      `json:"total_requests"`
	SuccessfulRequests int      `json:"successful_requests"`
	FailedRequests     int      `json:"failed_requests"`
	AvgResponseTimeMs  *float64 `json:"avg_response_time_ms,omitempty"`
	TotalCostUSD       float64  `json:"total_cost_usd"`

	Trend           Trend     `json:"trend"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Recommendations []string  `json:"recommendations"`

	// Degraded marks records whose recommendation layer fell back to rules
	// because a dependency (LLM) was unavailable. Scores are never degraded.
	Degraded bool `json:"degraded"`

	CalculatedAt time.Time `json:"calculated_at"`
}

// Validate checks the record invariants: every component score and the
// composite lie in [0,1] and counters are consistent.
func (h HealthRecord) Validate() error {
	scores := map[string]float64{
		"health_score":        h.HealthScore,
		"usage_frequency":     h.UsageFrequency,
		"success_rate":        h.SuccessRate,
		"user_satisfaction":   h.UserSatisfaction,
		"cost_efficiency":     h.CostEfficiency,
		"response_time_score": h.ResponseTimeScore,
	}
	for name, s := range scores {
		if s < 0 || s > 1 {
			return fmt.Errorf("%s %.4f out of range [0,1]", name, s)
		}
	}
	if h.TotalRequests < 0 || h.SuccessfulRequests < 0 || h.FailedRequests < 0 {
		return fmt.Errorf("request counters must be non-negative")
	}
	if h.SuccessfulRequests+h.FailedRequests != h.TotalRequests {
		return fmt.Errorf("successful (%d) + failed (%d) requests must equal total (%d)",
			h.SuccessfulRequests, h.FailedRequests, h.TotalRequests)
	}
	return nil
}

// RiskForScore maps a composite health score to a risk level.
// Bands: ≤0.3 critical, ≤0.5 high, ≤0.7 medium, else low.
func RiskForScore(health float64) RiskLevel {
	switch {
	case health <= 0.3:
		return RiskCritical
	case health <= 0.5:
		return RiskHigh
	case health <= 0.7:
		return RiskMedium
	default:
		return RiskLow
	}
}

// TrendDelta is the minimum composite delta that counts as movement.
const TrendDelta = 0.05

// TrendForDelta classifies a health delta against the prior baseline.
func TrendForDelta(delta float64) Trend {
	switch {
	case delta > TrendDelta:
		return TrendImproving
	case delta < -TrendDelta:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// HealthSummary aggregates fleet-wide health for the summary endpoint.
type HealthSummary struct {
	ActiveAgents   int               `json:"active_agents"`
	InactiveAgents int               `json:"inactive_agents"`
	ScoredAgents   int               `json:"scored_agents"`
	AvgHealth      float64           `json:"avg_health"`
	RiskHistogram  map[RiskLevel]int `json:"risk_histogram"`
	TrendHistogram map[Trend]int     `json:"trend_histogram"`
}
