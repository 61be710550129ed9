package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ai/nucleus/internal/config"
	"github.com/nucleus-ai/nucleus/internal/llm"
	"github.com/nucleus-ai/nucleus/internal/model"
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

func record(score, usage float64, risk model.RiskLevel, trend model.Trend, requests int) model.HealthRecord {
	return model.HealthRecord{
		HealthScore:        score,
		UsageFrequency:     usage,
		SuccessRate:        0.8,
		UserSatisfaction:   0.7,
		CostEfficiency:     0.7,
		ResponseTimeScore:  0.8,
		TotalRequests:      requests,
		SuccessfulRequests: requests,
		Trend:              trend,
		RiskLevel:          risk,
	}
}

func TestDecideMatrix(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name           string
		policy         config.Policy
		health         model.HealthRecord
		wantAction     Action
		wantConfidence float64
	}{
		{
			name:           "critical risk shuts down",
			policy:         p,
			health:         record(0.2, 0.1, model.RiskCritical, model.TrendDeclining, 3),
			wantAction:     ActionShutdown,
			wantConfidence: 0.95,
		},
		{
			name: "critical risk with improve configured",
			policy: func() config.Policy {
				cp := p
				cp.CriticalRiskAction = "improve"
				return cp
			}(),
			health:         record(0.35, 0.3, model.RiskCritical, model.TrendDeclining, 5),
			wantAction:     ActionImprove,
			wantConfidence: 0.90,
		},
		{
			name: "below shutdown threshold without critical risk",
			policy: func() config.Policy {
				cp := p
				cp.ShutdownThreshold = 0.45
				return cp
			}(),
			health:         record(0.4, 0.3, model.RiskHigh, model.TrendStable, 10),
			wantAction:     ActionShutdown,
			wantConfidence: 0.85,
		},
		{
			name:           "thriving with high demand splits",
			policy:         p,
			health:         record(0.9, 0.8, model.RiskLow, model.TrendImproving, 200),
			wantAction:     ActionSplit,
			wantConfidence: 0.80,
		},
		{
			name:           "thriving without demand maintains",
			policy:         p,
			health:         record(0.86, 0.3, model.RiskLow, model.TrendStable, 10),
			wantAction:     ActionMaintain,
			wantConfidence: 0.60,
		},
		{
			name:           "declining below improve threshold",
			policy:         p,
			health:         record(0.55, 0.5, model.RiskHigh, model.TrendDeclining, 20),
			wantAction:     ActionImprove,
			wantConfidence: 0.75,
		},
		{
			name:           "stable below improve threshold",
			policy:         p,
			health:         record(0.55, 0.5, model.RiskHigh, model.TrendStable, 20),
			wantAction:     ActionImprove,
			wantConfidence: 0.70,
		},
		{
			name:           "healthy maintains",
			policy:         p,
			health:         record(0.7, 0.6, model.RiskMedium, model.TrendStable, 30),
			wantAction:     ActionMaintain,
			wantConfidence: 0.60,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decide(tt.policy, tt.health)
			assert.Equal(t, tt.wantAction, got.Action)
			assert.InDelta(t, tt.wantConfidence, got.Confidence, 1e-9)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestDecideSplitDemandFallsBackToDailyVolume(t *testing.T) {
	// Usage score below 0.7 but raw volume over the daily bar still counts
	// as high demand.
	h := record(0.9, 0.6, model.RiskLow, model.TrendStable, 100) // ~14/day over 7 days
	got := decide(testPolicy(), h)
	assert.Equal(t, ActionSplit, got.Action)
}

func TestConfidenceBar(t *testing.T) {
	p := testPolicy()
	assert.InDelta(t, 0.85, confidenceBar(p, ActionShutdown), 1e-9)
	assert.InDelta(t, 0.60, confidenceBar(p, ActionImprove), 1e-9)
	assert.InDelta(t, 0.70, confidenceBar(p, ActionSplit), 1e-9)
	assert.Zero(t, confidenceBar(p, ActionMaintain))
}

// fakeCompleter returns a canned verdict or error.
type fakeCompleter struct {
	verdict validatorVerdict
	err     error
}

func (f fakeCompleter) Complete(context.Context, string, string) (string, error) {
	return "", f.err
}

func (f fakeCompleter) CompleteJSON(_ context.Context, _, _ string, out any) error {
	if f.err != nil {
		return f.err
	}
	raw, _ := json.Marshal(f.verdict)
	return json.Unmarshal(raw, out)
}

func TestValidate(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	agent := model.Agent{Name: "triage-bot", Type: "triage", Version: 2, IsActive: true}
	health := record(0.25, 0.1, model.RiskCritical, model.TrendDeclining, 2)
	prop := decide(testPolicy(), health)
	require.Equal(t, ActionShutdown, prop.Action)

	t.Run("approving verdict returns its confidence", func(t *testing.T) {
		e := New(nil, fakeCompleter{verdict: validatorVerdict{Approve: true, Confidence: 0.92, Rationale: "agent is unused"}}, testPolicy(), logger)
		confidence, rationale, err := e.validate(context.Background(), agent, health, prop)
		require.NoError(t, err)
		assert.InDelta(t, 0.92, confidence, 1e-9)
		assert.Equal(t, "agent is unused", rationale)
	})

	t.Run("rejection scores zero", func(t *testing.T) {
		e := New(nil, fakeCompleter{verdict: validatorVerdict{Approve: false, Confidence: 0.9, Rationale: "recent deploy"}}, testPolicy(), logger)
		confidence, _, err := e.validate(context.Background(), agent, health, prop)
		require.NoError(t, err)
		assert.Zero(t, confidence)
	})

	t.Run("unconfigured validator falls back to rule confidence", func(t *testing.T) {
		e := New(nil, llm.Noop{}, testPolicy(), logger)
		confidence, _, err := e.validate(context.Background(), agent, health, prop)
		require.NoError(t, err)
		assert.InDelta(t, prop.Confidence, confidence, 1e-9)
	})

	t.Run("provider failure surfaces as error", func(t *testing.T) {
		e := New(nil, fakeCompleter{err: errors.New("timeout")}, testPolicy(), logger)
		_, _, err := e.validate(context.Background(), agent, health, prop)
		require.Error(t, err)
	})

	t.Run("out of range confidence is an error", func(t *testing.T) {
		e := New(nil, fakeCompleter{verdict: validatorVerdict{Approve: true, Confidence: 1.4}}, testPolicy(), logger)
		_, _, err := e.validate(context.Background(), agent, health, prop)
		require.Error(t, err)
	})
}
