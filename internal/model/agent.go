package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent represents a deployable unit of LLM behavior owned by an entity.
// Agents are created by the spawner (or an external authoring process) and
// deactivated — never hard-deleted — by the lifecycle engine.
type Agent struct {
	ID            uuid.UUID      `json:"id"`
	EntityID      *uuid.UUID     `json:"entity_id,omitempty"`
	Name          string         `json:"agent_name"`
	Type          string         `json:"agent_type"`
	Description   string         `json:"description,omitempty"`
	Capabilities  map[string]any `json:"capabilities"`
	Configuration map[string]any `json:"configuration"`
	Version       int            `json:"version"`
	IsActive      bool           `json:"is_active"`

	// LastDecision is the action chosen by the most recent lifecycle
	// evaluation ("maintain", "improve", "split", "shutdown"). It gates
	// event writes: a repeat of the same decision records nothing.
	LastDecision    *string    `json:"last_decision,omitempty"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentState is the snapshot of the mutable agent fields recorded in
// lifecycle event before/after states.
type AgentState struct {
	IsActive bool   `json:"is_active"`
	Version  int    `json:"version"`
	Type     string `json:"agent_type"`
}

// State captures the agent's current mutable state for audit snapshots.
func (a Agent) State() AgentState {
	return AgentState{IsActive: a.IsActive, Version: a.Version, Type: a.Type}
}

// ValidateAgentName checks that an agent name conforms to the allowed format.
// Names must be 1-255 characters and contain no control characters.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("agent_name is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("agent_name must be at most 255 characters")
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 {
			return fmt.Errorf("agent_name contains control character at position %d", i)
		}
	}
	return nil
}

// ValidateAgentType checks that an agent type is a usable classifier.
// Types must start with a lowercase letter and contain only lowercase
// alphanumeric characters, hyphens, and underscores.
func ValidateAgentType(t string) error {
	if len(t) == 0 {
		return fmt.Errorf("agent_type is required")
	}
	if len(t) > 100 {
		return fmt.Errorf("agent_type must be at most 100 characters")
	}
	for i := 0; i < len(t); i++ {
		c := t[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("agent_type must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("agent_type contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// Entity is the owner on whose behalf agents act. Only the projection needed
// by need detection is modeled here; the full DNA profile lives elsewhere.
type Entity struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"entity_name"`
	Type      string    `json:"entity_type"`
	CreatedAt time.Time `json:"created_at"`
}
