package needs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ai/nucleus/internal/model"
)

func TestCoverageGapConfidence(t *testing.T) {
	tests := []struct {
		relationships int
		want          float64
	}{
		{6, 0.72},
		{10, 0.80},
		{15, 0.90}, // capped
		{100, 0.90},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, CoverageGapConfidence(tt.relationships), 1e-9,
			"relationships=%d", tt.relationships)
	}
}

func TestHighDemandConfidence(t *testing.T) {
	// Baseline growth at modest volume.
	assert.InDelta(t, 0.6, HighDemandConfidence(1.5, 20), 1e-9)
	// Doubling adds a tenth.
	assert.InDelta(t, 0.7, HighDemandConfidence(2.0, 20), 1e-9)
	// Heavy absolute volume adds a bump.
	assert.InDelta(t, 0.75, HighDemandConfidence(2.0, 100), 1e-9)
	// Extreme growth caps at 0.9.
	assert.InDelta(t, 0.9, HighDemandConfidence(10, 500), 1e-9)
}

func TestFailurePatternConfidence(t *testing.T) {
	assert.InDelta(t, 0.77, FailurePatternConfidence(4), 1e-9)
	assert.InDelta(t, 0.85, FailurePatternConfidence(8), 1e-9)
	assert.InDelta(t, 0.9, FailurePatternConfidence(50), 1e-9)
}

func TestEmergingTopicConfidence(t *testing.T) {
	assert.InDelta(t, 0.7, EmergingTopicConfidence(1.0), 1e-9)
	assert.InDelta(t, 0.8, EmergingTopicConfidence(2.0), 1e-9)
	assert.InDelta(t, 0.85, EmergingTopicConfidence(5.0), 1e-9) // capped
}

func TestFallbackSpecIsValid(t *testing.T) {
	need := model.AgentNeed{
		NeedType:    model.NeedEmergingTopic,
		Description: "Entity type \"support ticket\" is emerging",
		Priority:    model.PriorityMedium,
		Confidence:  0.75,
		Evidence:    []string{"12 new entities in the window"},
		Metadata:    map[string]any{"dedupe_key": "Support Ticket"},
	}

	spec := fallbackSpec(need)
	require.NotNil(t, spec)
	require.NoError(t, spec.Validate())
	assert.Equal(t, "support-ticket", spec.Type)
	assert.NotEmpty(t, spec.Purpose)
}

func TestTopicAgentTypeNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Support Ticket", "support-ticket"},
		{"billing", "billing"},
		{"3d-models", "agent-3d-models"},
		{"", "agent-"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, topicAgentType(tt.in), "in=%q", tt.in)
	}
}
