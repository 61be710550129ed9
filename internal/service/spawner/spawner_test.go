package spawner

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ai/nucleus/internal/model"
)

func TestAgentFromSpec(t *testing.T) {
	entityID := uuid.New()
	spec := model.AgentSpec{
		Name:           "invoice-triage",
		Type:           "triage",
		Purpose:        "Route incoming invoices",
		Capabilities:   []string{"classification", "routing"},
		Specialization: "invoices",
		Configuration:  map[string]any{"model": "small"},
	}

	agent := agentFromSpec(spec, &entityID)

	assert.Equal(t, "invoice-triage", agent.Name)
	assert.Equal(t, "triage", agent.Type)
	assert.Equal(t, "Route incoming invoices", agent.Description)
	assert.True(t, agent.IsActive)
	assert.Equal(t, 1, agent.Version)
	require.NotNil(t, agent.EntityID)
	assert.Equal(t, entityID, *agent.EntityID)
	assert.Equal(t, []string{"classification", "routing"}, agent.Capabilities["skills"])
	assert.Equal(t, "invoices", agent.Capabilities["specialization"])
	assert.Equal(t, "small", agent.Configuration["model"])
}

func TestAgentFromSpecDefaults(t *testing.T) {
	agent := agentFromSpec(model.AgentSpec{
		Name: "minimal", Type: "generic", Purpose: "do things",
	}, nil)

	assert.Nil(t, agent.EntityID)
	assert.NotNil(t, agent.Configuration)
	_, hasSpecialization := agent.Capabilities["specialization"]
	assert.False(t, hasSpecialization)
}

func TestSpawnableGate(t *testing.T) {
	for status, want := range map[model.NeedStatus]bool{
		model.NeedDetected:   true,
		model.NeedApproved:   true,
		model.NeedAnalyzing:  false,
		model.NeedGenerating: false,
		model.NeedDeployed:   false,
		model.NeedRejected:   false,
		model.NeedObsolete:   false,
	} {
		need := model.AgentNeed{Status: status}
		assert.Equal(t, want, need.Spawnable(), "status %s", status)
	}
}
