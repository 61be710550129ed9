package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NeedType enumerates the detector that produced an agent need.
type NeedType string

const (
	NeedCoverageGap    NeedType = "coverage_gap"
	NeedHighDemand     NeedType = "high_demand"
	NeedFailurePattern NeedType = "failure_pattern"
	NeedEmergingTopic  NeedType = "emerging_topic"
)

// NeedStatus tracks a need through its review and fulfillment lifecycle.
type NeedStatus string

const (
	NeedDetected   NeedStatus = "detected"
	NeedAnalyzing  NeedStatus = "analyzing"
	NeedApproved   NeedStatus = "approved"
	NeedGenerating NeedStatus = "generating"
	NeedTesting    NeedStatus = "testing"
	NeedDeployed   NeedStatus = "deployed"
	NeedRejected   NeedStatus = "rejected"
	NeedObsolete   NeedStatus = "obsolete"
)

// ValidNeedStatus reports whether s is a known need status.
func ValidNeedStatus(s NeedStatus) bool {
	switch s {
	case NeedDetected, NeedAnalyzing, NeedApproved, NeedGenerating,
		NeedTesting, NeedDeployed, NeedRejected, NeedObsolete:
		return true
	}
	return false
}

// NeedPriority is the review urgency of a detected need.
type NeedPriority string

const (
	PriorityLow      NeedPriority = "low"
	PriorityMedium   NeedPriority = "medium"
	PriorityHigh     NeedPriority = "high"
	PriorityCritical NeedPriority = "critical"
)

// AgentSpec is the proposed specification carried by a need. The fields the
// spawner reads are typed; Configuration and Metadata stay open-ended for
// forward compatibility.
type AgentSpec struct {
	Name                  string         `json:"agent_name"`
	Type                  string         `json:"agent_type"`
	Purpose               string         `json:"purpose"`
	Capabilities          []string       `json:"capabilities"`
	Specialization        string         `json:"specialization,omitempty"`
	ExpectedImpact        string         `json:"expected_impact,omitempty"`
	PriorityJustification string         `json:"priority_justification,omitempty"`
	Configuration         map[string]any `json:"configuration,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// Validate checks the fields the spawner requires to create an agent.
func (s AgentSpec) Validate() error {
	if err := ValidateAgentName(s.Name); err != nil {
		return err
	}
	if err := ValidateAgentType(s.Type); err != nil {
		return err
	}
	if s.Purpose == "" {
		return fmt.Errorf("purpose is required")
	}
	return nil
}

// AgentNeed is a detected justification, with evidence and confidence, for
// creating a new agent. Needs are produced by the detection engine and
// fulfilled (at most once) by the spawner.
type AgentNeed struct {
	ID             uuid.UUID      `json:"id"`
	EntityID       *uuid.UUID     `json:"entity_id,omitempty"`
	NeedType       NeedType       `json:"need_type"`
	Description    string         `json:"description"`
	Priority       NeedPriority   `json:"priority"`
	Confidence     float64        `json:"confidence"`
	Evidence       []string       `json:"evidence"`
	ProposedSpec   *AgentSpec     `json:"proposed_spec,omitempty"`
	Status         NeedStatus     `json:"status"`
	CreatedAgentID *uuid.UUID     `json:"created_agent_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	DetectedAt       time.Time  `json:"detected_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	FulfilledAt      *time.Time `json:"fulfilled_at,omitempty"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty"`
	ResolutionReason *string    `json:"resolution_reason,omitempty"`
}

// Validate checks the need invariants before persistence.
func (n AgentNeed) Validate() error {
	if n.Confidence < 0 || n.Confidence > 1 {
		return fmt.Errorf("confidence %.4f out of range [0,1]", n.Confidence)
	}
	if n.Description == "" {
		return fmt.Errorf("description is required")
	}
	if !ValidNeedStatus(n.Status) {
		return fmt.Errorf("invalid status %q", n.Status)
	}
	return nil
}

// Spawnable reports whether a need in this status may still produce an agent.
func (n AgentNeed) Spawnable() bool {
	return n.Status == NeedDetected || n.Status == NeedApproved
}
