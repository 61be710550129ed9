package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the lifecycle state changes recorded in the audit trail.
type EventType string

const (
	EventCreated        EventType = "created"
	EventImproved       EventType = "improved"
	EventSplit          EventType = "split"
	EventMerged         EventType = "merged"
	EventShutdown       EventType = "shutdown"
	EventReactivated    EventType = "reactivated"
	EventHealthAlert    EventType = "health_alert"
	EventManualOverride EventType = "manual_override"
)

// Actor enumerates who or what triggered a lifecycle event.
type Actor string

const (
	ActorSystem           Actor = "system"
	ActorUser             Actor = "user"
	ActorHealthMonitor    Actor = "health_monitor"
	ActorLifecycleManager Actor = "lifecycle_manager"
	ActorAgentFactory     Actor = "agent_factory"
	ActorManual           Actor = "manual"
)

// LifecycleEvent is an append-only audit entry for one state-changing
// decision about an agent. Events are written exclusively by the lifecycle
// engine and the spawner.
type LifecycleEvent struct {
	ID            uuid.UUID      `json:"id"`
	AgentID       uuid.UUID      `json:"agent_id"`
	EventType     EventType      `json:"event_type"`
	Reason        string         `json:"reason"`
	BeforeState   *AgentState    `json:"before_state,omitempty"`
	AfterState    *AgentState    `json:"after_state,omitempty"`
	TriggeredBy   Actor          `json:"triggered_by"`
	TriggeredByID *string        `json:"triggered_by_id,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// ValidEventType reports whether t is a known lifecycle event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventCreated, EventImproved, EventSplit, EventMerged,
		EventShutdown, EventReactivated, EventHealthAlert, EventManualOverride:
		return true
	}
	return false
}
