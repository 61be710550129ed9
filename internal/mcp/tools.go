package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/nucleus-ai/nucleus/internal/model"
	"github.com/nucleus-ai/nucleus/internal/service/needs"
	"github.com/nucleus-ai/nucleus/internal/storage"
)

func (s *Server) registerTools() {
	// nucleus_health — calculate or fetch an agent's health score.
	s.mcpServer.AddTool(
		mcplib.NewTool("nucleus_health",
			mcplib.WithDescription(`Get an agent's composite health score.

By default returns the most recently calculated record. Set recalculate=true
to compute a fresh score from the telemetry window first.

The composite blends usage frequency, success rate, user satisfaction,
cost efficiency, and response time into a 0.0-1.0 score, with a trend
(improving/stable/declining/unknown) and a risk level.`),
			mcplib.WithReadOnlyHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("UUID of the agent"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("recalculate",
				mcplib.Description("Compute a fresh score instead of returning the latest stored record"),
			),
			mcplib.WithNumber("days_back",
				mcplib.Description("Telemetry window in days when recalculating"),
				mcplib.Min(1),
				mcplib.Max(365),
			),
		),
		s.handleHealth,
	)

	// nucleus_health_summary — fleet-wide health overview.
	s.mcpServer.AddTool(
		mcplib.NewTool("nucleus_health_summary",
			mcplib.WithDescription(`Get a fleet-wide health overview: active agent count, average health
score, and histograms of risk levels and trends across the latest record
of every active agent. Use this first to see where attention is needed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleHealthSummary,
	)

	// nucleus_evaluate — run lifecycle evaluation.
	s.mcpServer.AddTool(
		mcplib.NewTool("nucleus_evaluate",
			mcplib.WithDescription(`Run a lifecycle evaluation: decide maintain, improve, split, or shutdown
for one agent (pass agent_id) or for every active agent (omit it).

Decisions are applied, not advisory — a shutdown decision deactivates the
agent and records a lifecycle event. Each non-maintain decision is gated
by a validator; decisions that fail the confidence bar are downgraded to
maintain.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Optional: evaluate a single agent instead of the whole fleet"),
			),
		),
		s.handleEvaluate,
	)

	// nucleus_detect_needs — scan for gaps the fleet doesn't cover.
	s.mcpServer.AddTool(
		mcplib.NewTool("nucleus_detect_needs",
			mcplib.WithDescription(`Scan telemetry and the entity graph for agent needs: coverage gaps,
high-demand agent types, failure patterns, and emerging topics. Detected
needs are persisted with a proposed agent specification and can later be
fulfilled with nucleus_spawn.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("lookback_days",
				mcplib.Description("Telemetry window in days"),
				mcplib.Min(1),
				mcplib.Max(365),
			),
			mcplib.WithNumber("min_confidence",
				mcplib.Description("Discard detected needs below this confidence (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
		),
		s.handleDetectNeeds,
	)

	// nucleus_list_needs — browse detected needs.
	s.mcpServer.AddTool(
		mcplib.NewTool("nucleus_list_needs",
			mcplib.WithDescription(`List detected agent needs, optionally filtered by status
(detected, analyzing, generating, approved, deployed, rejected, obsolete).
Needs carry a confidence score and a proposed agent specification.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Optional status filter"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleListNeeds,
	)

	// nucleus_spawn — fulfill a detected need.
	s.mcpServer.AddTool(
		mcplib.NewTool("nucleus_spawn",
			mcplib.WithDescription(`Spawn an agent to fulfill a detected or approved need. The need moves
to deployed and the new agent starts active, all in one transaction.
A need that was already fulfilled (or rejected) returns a conflict.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("need_id",
				mcplib.Description("UUID of the need to fulfill"),
				mcplib.Required(),
			),
		),
		s.handleSpawn,
	)
}

func (s *Server) handleHealth(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID, err := uuid.Parse(request.GetString("agent_id", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("invalid agent_id: %v", err)), nil
	}

	var record model.HealthRecord
	if request.GetBool("recalculate", false) {
		daysBack := request.GetInt("days_back", s.policy.HealthWindowDays)
		record, err = s.scorer.Calculate(ctx, agentID, daysBack)
	} else {
		record, err = s.db.LatestHealth(ctx, agentID)
		if errors.Is(err, storage.ErrNotFound) {
			// No stored record yet; compute one instead of failing.
			record, err = s.scorer.Calculate(ctx, agentID, s.policy.HealthWindowDays)
		}
	}
	if err != nil {
		return errorResult(fmt.Sprintf("health lookup failed: %v", err)), nil
	}

	return jsonResult(record)
}

func (s *Server) handleHealthSummary(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	summary, err := s.db.GetHealthSummary(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("summary failed: %v", err)), nil
	}
	return jsonResult(summary)
}

func (s *Server) handleEvaluate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if raw := request.GetString("agent_id", ""); raw != "" {
		agentID, err := uuid.Parse(raw)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid agent_id: %v", err)), nil
		}
		decision, err := s.engine.EvaluateAgent(ctx, agentID)
		if err != nil {
			return errorResult(fmt.Sprintf("evaluation failed: %v", err)), nil
		}
		return jsonResult(decision)
	}

	summary, decisions, err := s.engine.EvaluateAll(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("evaluation failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"summary":   summary,
		"decisions": decisions,
	})
}

func (s *Server) handleDetectNeeds(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	params := needs.Params{
		LookbackDays:  request.GetInt("lookback_days", s.policy.NeedLookbackDays),
		MinConfidence: request.GetFloat("min_confidence", s.policy.NeedMinConfidence),
	}
	if params.MinConfidence < 0 || params.MinConfidence > 1 {
		return errorResult("min_confidence must be between 0.0 and 1.0"), nil
	}

	detected, err := s.detector.Detect(ctx, params)
	if err != nil {
		return errorResult(fmt.Sprintf("detection failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"needs": detected,
		"total": len(detected),
	})
}

func (s *Server) handleListNeeds(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status := model.NeedStatus(request.GetString("status", ""))
	if status != "" && !model.ValidNeedStatus(status) {
		return errorResult(fmt.Sprintf("invalid status %q", status)), nil
	}
	limit := request.GetInt("limit", 50)

	list, err := s.db.ListNeeds(ctx, status, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"needs": list,
		"total": len(list),
	})
}

func (s *Server) handleSpawn(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	needID, err := uuid.Parse(request.GetString("need_id", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("invalid need_id: %v", err)), nil
	}

	agent, err := s.spawner.SpawnFromNeed(ctx, needID)
	if err != nil {
		return errorResult(fmt.Sprintf("spawn failed: %v", err)), nil
	}
	return jsonResult(agent)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
