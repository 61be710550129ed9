package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ai/nucleus/internal/config"
	"github.com/nucleus-ai/nucleus/internal/model"
	"github.com/nucleus-ai/nucleus/internal/storage"
)

func testPolicy() config.Policy {
	return config.Policy{
		WeightUsage:           0.20,
		WeightSuccess:         0.30,
		WeightSatisfaction:    0.25,
		WeightCost:            0.15,
		WeightResponseTime:    0.10,
		HealthWindowDays:      7,
		ShutdownThreshold:     0.3,
		ImproveThreshold:      0.6,
		SplitThreshold:        0.85,
		SplitMinDailyRequests: 10,
		ShutdownConfidenceBar: 0.85,
		ImproveConfidenceBar:  0.60,
		SplitConfidenceBar:    0.70,
		CriticalRiskAction:    "shutdown",
		NeedLookbackDays:      7,
		NeedMinConfidence:     0.7,
		AutoSpawnConfidence:   0.8,
		AutoSpawnMaxPerRun:    5,
	}
}

func TestPolicyWeightsMustSumToOne(t *testing.T) {
	p := testPolicy()
	require.NoError(t, p.Validate())

	p.WeightUsage = 0.5
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1")
}

func TestUsageScoreCurve(t *testing.T) {
	curves := DefaultCurves()

	tests := []struct {
		name   string
		perDay float64
		want   float64
	}{
		{"zero", 0, 0.0},
		{"one per day", 1, 0.3},
		{"five per day", 5, 0.6},
		{"ten per day", 10, 1.0},
		{"between one and five", 3, 0.45},
		{"between five and ten", 7.5, 0.8},
		{"above the curve", 40, 1.0},
		{"fraction of one", 0.5, 0.15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, curves.UsageScore(tt.perDay), 1e-9)
		})
	}
}

func TestResponseTimeScoreTiers(t *testing.T) {
	curves := DefaultCurves()

	ms := func(v float64) *float64 { return &v }
	tests := []struct {
		name  string
		avgMs *float64
		want  float64
	}{
		{"no data is neutral", nil, 0.5},
		{"fast", ms(50), 1.0},
		{"sub half second", ms(200), 0.8},
		{"sub second", ms(700), 0.6},
		{"sub three seconds", ms(1500), 0.4},
		{"slow", ms(5000), 0.2},
		{"tier boundary", ms(100), 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, curves.ResponseTimeScore(tt.avgMs), 1e-9)
		})
	}
}

func TestSuccessScoreNeutralWithZeroRequests(t *testing.T) {
	assert.InDelta(t, 0.5, SuccessScore(storage.UsageStats{}), 1e-9)
	assert.InDelta(t, 0.9, SuccessScore(storage.UsageStats{
		TotalRequests: 10, SuccessfulRequests: 9, FailedRequests: 1,
	}), 1e-9)
}

func TestSatisfactionScore(t *testing.T) {
	fb := func(v float64) *float64 { return &v }

	assert.InDelta(t, 0.5, SatisfactionScore(storage.UsageStats{}), 1e-9)
	assert.InDelta(t, 0.8, SatisfactionScore(storage.UsageStats{
		AvgFeedbackScore: fb(4.0), FeedbackCount: 3,
	}), 1e-9)
	// Out-of-range feedback clamps rather than overflows.
	assert.InDelta(t, 1.0, SatisfactionScore(storage.UsageStats{
		AvgFeedbackScore: fb(7.0), FeedbackCount: 1,
	}), 1e-9)
}

func TestCostScore(t *testing.T) {
	curves := DefaultCurves()

	tests := []struct {
		name  string
		stats storage.UsageStats
		want  float64
	}{
		{"no spend is neutral", storage.UsageStats{SuccessfulRequests: 10}, 0.5},
		{"spend with zero successes", storage.UsageStats{TotalRequests: 5, FailedRequests: 5, TotalCostUSD: 2}, 0.0},
		{"cheap successes", storage.UsageStats{SuccessfulRequests: 100, TotalCostUSD: 10}, 0.9},
		{"at the ceiling", storage.UsageStats{SuccessfulRequests: 1, TotalCostUSD: 1}, 0.0},
		{"beyond the ceiling clamps", storage.UsageStats{SuccessfulRequests: 1, TotalCostUSD: 5}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, curves.CostScore(tt.stats), 1e-9)
		})
	}
}

func TestTrendAgainstPriors(t *testing.T) {
	tests := []struct {
		name    string
		priors  []float64
		current float64
		want    model.Trend
	}{
		{"no priors", nil, 0.5, model.TrendUnknown},
		{"single prior improving", []float64{0.4}, 0.5, model.TrendImproving},
		{"single prior declining", []float64{0.5}, 0.4, model.TrendDeclining},
		{"single prior stable", []float64{0.5}, 0.52, model.TrendStable},
		{"improving", []float64{0.4, 0.4}, 0.5, model.TrendImproving},
		{"declining", []float64{0.5, 0.5, 0.5}, 0.4, model.TrendDeclining},
		{"stable within band", []float64{0.5, 0.5}, 0.54, model.TrendStable},
		{"exactly at band edge", []float64{0.5, 0.5}, 0.55, model.TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trendAgainst(tt.priors, tt.current))
		})
	}
}

func TestRiskBands(t *testing.T) {
	tests := []struct {
		score float64
		want  model.RiskLevel
	}{
		{0.25, model.RiskCritical},
		{0.3, model.RiskCritical},
		{0.45, model.RiskHigh},
		{0.5, model.RiskHigh},
		{0.65, model.RiskMedium},
		{0.7, model.RiskMedium},
		{0.9, model.RiskLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.RiskForScore(tt.score), "score %.2f", tt.score)
	}
}

func TestBuildRecordZeroTelemetryDefaults(t *testing.T) {
	s := New(nil, nil, testPolicy(), discardLogger())

	record := s.buildRecord(fixedAgentID(t), storage.UsageStats{}, 7)

	assert.InDelta(t, 0.5, record.HealthScore, 1e-9)
	assert.InDelta(t, 0.0, record.UsageFrequency, 1e-9)
	assert.InDelta(t, 0.5, record.SuccessRate, 1e-9)
	assert.InDelta(t, 0.5, record.UserSatisfaction, 1e-9)
	assert.InDelta(t, 0.5, record.CostEfficiency, 1e-9)
	assert.InDelta(t, 0.5, record.ResponseTimeScore, 1e-9)
	assert.Zero(t, record.TotalRequests)
}

func TestBuildRecordEndToEnd(t *testing.T) {
	s := New(nil, nil, testPolicy(), discardLogger())

	avg := 200.0
	stats := storage.UsageStats{
		TotalRequests:      50,
		SuccessfulRequests: 45,
		FailedRequests:     5,
		AvgResponseTimeMs:  &avg,
		TotalCostUSD:       5,
	}
	record := s.buildRecord(fixedAgentID(t), stats, 7)

	// 50 requests over 7 days ≈ 7.14/day on the 5→10 segment.
	assert.InDelta(t, 0.7714286, record.UsageFrequency, 1e-6)
	assert.InDelta(t, 0.9, record.SuccessRate, 1e-9)
	assert.InDelta(t, 0.5, record.UserSatisfaction, 1e-9)
	assert.InDelta(t, 0.8888889, record.CostEfficiency, 1e-6)
	assert.InDelta(t, 0.8, record.ResponseTimeScore, 1e-9)
	assert.InDelta(t, 0.7626190, record.HealthScore, 1e-6)
	assert.Equal(t, model.RiskLow, model.RiskForScore(record.HealthScore))
	require.NoError(t, record.Validate())
}

func TestRuleRecommendations(t *testing.T) {
	healthy := model.HealthRecord{
		HealthScore: 0.9, UsageFrequency: 0.8, SuccessRate: 0.95,
		UserSatisfaction: 0.8, CostEfficiency: 0.9, ResponseTimeScore: 0.8,
		Trend: model.TrendStable,
	}
	recs := ruleRecommendations(healthy)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0], "Healthy")

	failing := model.HealthRecord{
		HealthScore: 0.4, UsageFrequency: 0.2, SuccessRate: 0.5,
		UserSatisfaction: 0.5, CostEfficiency: 0.4, ResponseTimeScore: 0.4,
		Trend: model.TrendDeclining,
	}
	recs = ruleRecommendations(failing)
	assert.Len(t, recs, 6)
	assert.NotContains(t, recs, "Healthy: no action needed")
}
