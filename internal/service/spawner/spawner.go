// Package spawner creates agents, either from an explicit specification or
// by fulfilling detected needs.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nucleus-ai/nucleus/internal/config"
	"github.com/nucleus-ai/nucleus/internal/model"
	"github.com/nucleus-ai/nucleus/internal/storage"
)

// Spawner turns agent specifications into deployed agents.
type Spawner struct {
	db     *storage.DB
	policy config.Policy
	logger *slog.Logger
}

// New creates a Spawner.
func New(db *storage.DB, policy config.Policy, logger *slog.Logger) *Spawner {
	return &Spawner{db: db, policy: policy, logger: logger}
}

// Spawn creates an active agent from an explicit specification and records
// its `created` event. Used by the manual API path.
func (s *Spawner) Spawn(ctx context.Context, spec model.AgentSpec, actor model.Actor, triggeredByID *string) (model.Agent, error) {
	if err := spec.Validate(); err != nil {
		return model.Agent{}, fmt.Errorf("spawner: spec: %w", err)
	}

	agent := agentFromSpec(spec, nil)
	event := model.LifecycleEvent{
		EventType:     model.EventCreated,
		Reason:        fmt.Sprintf("spawned from specification: %s", spec.Purpose),
		TriggeredBy:   actor,
		TriggeredByID: triggeredByID,
		Metadata:      map[string]any{"agent_type": spec.Type},
	}

	created, err := s.db.CreateAgentTx(ctx, agent, event)
	if err != nil {
		return model.Agent{}, err
	}
	s.logger.Info("spawner: agent created",
		"agent_id", created.ID, "agent_name", created.Name, "triggered_by", actor)
	return created, nil
}

// SpawnFromNeed creates an agent fulfilling a detected or approved need.
// The need moves to deployed in the same transaction; a need in any other
// state returns ErrConflict and creates nothing.
func (s *Spawner) SpawnFromNeed(ctx context.Context, needID uuid.UUID) (model.Agent, error) {
	need, err := s.db.GetNeed(ctx, needID)
	if err != nil {
		return model.Agent{}, err
	}
	if !need.Spawnable() {
		return model.Agent{}, fmt.Errorf("spawner: need %s has status %s: %w", needID, need.Status, storage.ErrConflict)
	}
	if need.ProposedSpec == nil {
		return model.Agent{}, fmt.Errorf("spawner: need %s carries no proposed spec", needID)
	}
	if err := need.ProposedSpec.Validate(); err != nil {
		return model.Agent{}, fmt.Errorf("spawner: need %s spec: %w", needID, err)
	}

	agent := agentFromSpec(*need.ProposedSpec, need.EntityID)
	needIDStr := needID.String()
	event := model.LifecycleEvent{
		EventType:     model.EventCreated,
		Reason:        fmt.Sprintf("spawned to fulfill %s need: %s", need.NeedType, need.Description),
		TriggeredBy:   model.ActorAgentFactory,
		TriggeredByID: &needIDStr,
		Metadata: map[string]any{
			"need_id":         needIDStr,
			"need_type":       string(need.NeedType),
			"need_confidence": need.Confidence,
		},
	}

	created, err := s.db.CreateAgentFromNeedTx(ctx, agent, event, needID)
	if err != nil {
		return model.Agent{}, err
	}
	s.logger.Info("spawner: agent created from need",
		"agent_id", created.ID, "agent_name", created.Name,
		"need_id", needID, "need_type", need.NeedType)
	return created, nil
}

// AutoSpawn fulfills the highest-confidence spawnable needs at or above the
// policy's auto-spawn floor, up to the per-run cap. Conflicts (a need
// spawned concurrently) and per-need failures are skipped, not fatal.
func (s *Spawner) AutoSpawn(ctx context.Context) ([]model.Agent, error) {
	candidates, err := s.db.ListSpawnCandidates(ctx, s.policy.AutoSpawnConfidence, s.policy.AutoSpawnMaxPerRun)
	if err != nil {
		return nil, err
	}

	var spawned []model.Agent
	for _, need := range candidates {
		agent, err := s.SpawnFromNeed(ctx, need.ID)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			s.logger.Error("spawner: auto-spawn failed", "need_id", need.ID, "error", err)
			continue
		}
		spawned = append(spawned, agent)
	}

	s.logger.Info("spawner: auto-spawn complete",
		"candidates", len(candidates), "spawned", len(spawned),
		"confidence_floor", s.policy.AutoSpawnConfidence)
	return spawned, nil
}

// agentFromSpec maps a specification onto a new active agent.
func agentFromSpec(spec model.AgentSpec, entityID *uuid.UUID) model.Agent {
	capabilities := map[string]any{
		"skills": spec.Capabilities,
	}
	if spec.Specialization != "" {
		capabilities["specialization"] = spec.Specialization
	}

	configuration := spec.Configuration
	if configuration == nil {
		configuration = map[string]any{}
	}

	return model.Agent{
		EntityID:      entityID,
		Name:          spec.Name,
		Type:          spec.Type,
		Description:   spec.Purpose,
		Capabilities:  capabilities,
		Configuration: configuration,
		Version:       1,
		IsActive:      true,
	}
}
