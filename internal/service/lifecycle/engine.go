// Package lifecycle decides and executes agent lifecycle actions from health
// snapshots: maintain, improve, split, or shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus-ai/nucleus/internal/config"
	"github.com/nucleus-ai/nucleus/internal/llm"
	"github.com/nucleus-ai/nucleus/internal/model"
	"github.com/nucleus-ai/nucleus/internal/storage"
)

// Action is a lifecycle decision outcome.
type Action string

const (
	ActionMaintain Action = "maintain"
	ActionImprove  Action = "improve"
	ActionSplit    Action = "split"
	ActionShutdown Action = "shutdown"
)

// Decision is the outcome of evaluating one agent.
type Decision struct {
	AgentID      uuid.UUID       `json:"agent_id"`
	Action       Action          `json:"action"`
	Reason       string          `json:"reason"`
	Confidence   float64         `json:"confidence"`
	HealthScore  float64         `json:"health_score"`
	RiskLevel    model.RiskLevel `json:"risk_level"`
	EventWritten bool            `json:"event_written"`

	// Downgraded is set when the validator rejected a destructive proposal
	// and the decision fell back to maintain. The rejected action is kept
	// for the audit metadata.
	Downgraded     bool   `json:"downgraded,omitempty"`
	RejectedAction Action `json:"rejected_action,omitempty"`
}

// RunSummary reports one evaluation pass over the fleet.
type RunSummary struct {
	Evaluated  int       `json:"evaluated"`
	Maintained int       `json:"maintained"`
	Improved   int       `json:"improved"`
	Split      int       `json:"split"`
	Shutdown   int       `json:"shutdown"`
	Skipped    int       `json:"skipped"`
	Downgraded int       `json:"downgraded"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	Duration   string    `json:"duration"`
}

// Engine evaluates agents and executes the decided actions.
type Engine struct {
	db     *storage.DB
	llm    llm.Completer
	policy config.Policy
	logger *slog.Logger
}

// New creates an Engine.
func New(db *storage.DB, completer llm.Completer, policy config.Policy, logger *slog.Logger) *Engine {
	return &Engine{db: db, llm: completer, policy: policy, logger: logger}
}

// proposal is a rule-derived action before validation.
type proposal struct {
	Action     Action
	Reason     string
	Confidence float64
}

// decide applies the priority rules to the latest health snapshot. Pure.
func decide(p config.Policy, health model.HealthRecord) proposal {
	score := health.HealthScore
	perDay := float64(health.TotalRequests) / float64(p.HealthWindowDays)

	if health.RiskLevel == model.RiskCritical {
		if score < p.ShutdownThreshold || p.CriticalRiskAction == "shutdown" {
			return proposal{
				Action:     ActionShutdown,
				Reason:     fmt.Sprintf("critical risk with health %.2f", score),
				Confidence: 0.95,
			}
		}
		return proposal{
			Action:     ActionImprove,
			Reason:     fmt.Sprintf("critical risk with health %.2f, improvement configured", score),
			Confidence: 0.90,
		}
	}

	if score < p.ShutdownThreshold {
		return proposal{
			Action:     ActionShutdown,
			Reason:     fmt.Sprintf("health %.2f below shutdown threshold %.2f", score, p.ShutdownThreshold),
			Confidence: 0.85,
		}
	}

	if score > p.SplitThreshold && (health.UsageFrequency >= 0.7 || perDay >= p.SplitMinDailyRequests) {
		return proposal{
			Action:     ActionSplit,
			Reason:     fmt.Sprintf("health %.2f above split threshold %.2f with high demand", score, p.SplitThreshold),
			Confidence: 0.80,
		}
	}

	if score < p.ImproveThreshold {
		if health.Trend == model.TrendDeclining {
			return proposal{
				Action:     ActionImprove,
				Reason:     fmt.Sprintf("health %.2f below improve threshold %.2f and declining", score, p.ImproveThreshold),
				Confidence: 0.75,
			}
		}
		return proposal{
			Action:     ActionImprove,
			Reason:     fmt.Sprintf("health %.2f below improve threshold %.2f", score, p.ImproveThreshold),
			Confidence: 0.70,
		}
	}

	return proposal{
		Action:     ActionMaintain,
		Reason:     fmt.Sprintf("health %.2f within acceptable range", score),
		Confidence: 0.60,
	}
}

// confidenceBar returns the validator bar for a destructive action, or 0
// when the action needs no gate.
func confidenceBar(p config.Policy, a Action) float64 {
	switch a {
	case ActionShutdown:
		return p.ShutdownConfidenceBar
	case ActionImprove:
		return p.ImproveConfidenceBar
	case ActionSplit:
		return p.SplitConfidenceBar
	default:
		return 0
	}
}

type validatorVerdict struct {
	Approve    bool    `json:"approve"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// validate asks the LLM to second-guess a destructive proposal. Returns the
// validator's confidence. ErrUnavailable falls through to the rule
// confidence; any other failure is a dependency error the caller handles by
// downgrading to maintain.
func (e *Engine) validate(ctx context.Context, agent model.Agent, health model.HealthRecord, prop proposal) (float64, string, error) {
	system := "You validate lifecycle decisions for a fleet of task agents. " +
		"Given the metrics and a proposed action, return a JSON object " +
		"{\"approve\": bool, \"confidence\": number 0-1, \"rationale\": string}."
	user := fmt.Sprintf(
		"Agent %q (type %s, version %d).\nHealth %.2f, usage %.2f, success %.2f, satisfaction %.2f, cost %.2f, response time %.2f.\nTrend %s, risk %s, requests %d.\nProposed action: %s (%s, rule confidence %.2f).",
		agent.Name, agent.Type, agent.Version,
		health.HealthScore, health.UsageFrequency, health.SuccessRate,
		health.UserSatisfaction, health.CostEfficiency, health.ResponseTimeScore,
		health.Trend, health.RiskLevel, health.TotalRequests,
		prop.Action, prop.Reason, prop.Confidence,
	)

	var verdict validatorVerdict
	err := e.llm.CompleteJSON(ctx, system, user, &verdict)
	if errors.Is(err, llm.ErrUnavailable) {
		return prop.Confidence, "validator not configured, rule confidence used", nil
	}
	if err != nil {
		return 0, "", err
	}
	if !verdict.Approve {
		return 0, verdict.Rationale, nil
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return 0, "", fmt.Errorf("lifecycle: validator confidence %.4f out of range", verdict.Confidence)
	}
	return verdict.Confidence, verdict.Rationale, nil
}

// EvaluateAgent runs one decision cycle for a single agent.
func (e *Engine) EvaluateAgent(ctx context.Context, agentID uuid.UUID) (Decision, error) {
	agent, err := e.db.GetAgent(ctx, agentID)
	if err != nil {
		return Decision{}, err
	}
	if !agent.IsActive {
		return Decision{}, fmt.Errorf("lifecycle: agent %s is inactive: %w", agentID, storage.ErrConflict)
	}

	health, err := e.db.LatestHealth(ctx, agent.ID)
	if err != nil {
		return Decision{}, err
	}

	return e.evaluate(ctx, agent, health)
}

func (e *Engine) evaluate(ctx context.Context, agent model.Agent, health model.HealthRecord) (Decision, error) {
	prop := decide(e.policy, health)

	decision := Decision{
		AgentID:     agent.ID,
		Action:      prop.Action,
		Reason:      prop.Reason,
		Confidence:  prop.Confidence,
		HealthScore: health.HealthScore,
		RiskLevel:   health.RiskLevel,
	}

	metadata := map[string]any{
		"health_score":    health.HealthScore,
		"risk_level":      string(health.RiskLevel),
		"trend":           string(health.Trend),
		"rule_confidence": prop.Confidence,
	}

	if prop.Action != ActionMaintain {
		bar := confidenceBar(e.policy, prop.Action)
		confidence, rationale, err := e.validate(ctx, agent, health, prop)
		if err != nil {
			// Validator is a dependency: on failure take the safe action and
			// leave a trace in the decision metadata.
			e.logger.Warn("lifecycle: validator failed, downgrading to maintain",
				"agent_id", agent.ID, "proposed", prop.Action, "error", err)
			decision.Downgraded = true
			decision.RejectedAction = prop.Action
			decision.Action = ActionMaintain
			decision.Reason = fmt.Sprintf("validator unavailable, %s deferred", prop.Action)
			decision.Confidence = 0
			metadata["validator_error"] = err.Error()
		} else {
			decision.Confidence = confidence
			metadata["validator_confidence"] = confidence
			if rationale != "" {
				metadata["validator_rationale"] = rationale
			}
			if confidence < bar {
				decision.Downgraded = true
				decision.RejectedAction = prop.Action
				decision.Action = ActionMaintain
				decision.Reason = fmt.Sprintf("%s rejected: confidence %.2f below bar %.2f", prop.Action, confidence, bar)
				metadata["rejected_action"] = string(prop.Action)
			}
		}
	}

	if err := e.execute(ctx, agent, &decision, metadata); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// execute commits the decided action. Events are written only when the
// decision differs from the agent's previous one, so re-running evaluation
// without a state change records nothing new.
func (e *Engine) execute(ctx context.Context, agent model.Agent, decision *Decision, metadata map[string]any) error {
	repeat := agent.LastDecision != nil && *agent.LastDecision == string(decision.Action)

	switch decision.Action {
	case ActionShutdown:
		event := model.LifecycleEvent{
			EventType:   model.EventShutdown,
			Reason:      decision.Reason,
			TriggeredBy: model.ActorLifecycleManager,
			Metadata:    metadata,
		}
		if _, err := e.db.ShutdownAgentTx(ctx, agent.ID, event); err != nil {
			return err
		}
		decision.EventWritten = true
		return nil

	case ActionImprove, ActionSplit:
		var event *model.LifecycleEvent
		if !repeat {
			eventType := model.EventImproved
			if decision.Action == ActionSplit {
				eventType = model.EventSplit
			}
			event = &model.LifecycleEvent{
				EventType:   eventType,
				Reason:      decision.Reason,
				TriggeredBy: model.ActorLifecycleManager,
				Metadata:    metadata,
			}
			decision.EventWritten = true
		}
		return e.db.RecordDecisionTx(ctx, agent.ID, string(decision.Action), event)

	default:
		return e.db.RecordDecisionTx(ctx, agent.ID, string(ActionMaintain), nil)
	}
}

// EvaluateAll runs a decision cycle over every active agent. Agents without
// a health record are skipped; per-agent failures are isolated into the
// summary.
func (e *Engine) EvaluateAll(ctx context.Context) (RunSummary, []Decision, error) {
	started := time.Now().UTC()
	agents, err := e.db.ListActiveAgents(ctx)
	if err != nil {
		return RunSummary{}, nil, err
	}

	summary := RunSummary{Evaluated: len(agents), StartedAt: started}
	var decisions []Decision

	for _, agent := range agents {
		health, err := e.db.LatestHealth(ctx, agent.ID)
		if errors.Is(err, storage.ErrNotFound) {
			summary.Skipped++
			e.logger.Info("lifecycle: no health record, skipping", "agent_id", agent.ID)
			continue
		}
		if err != nil {
			summary.Failed++
			e.logger.Error("lifecycle: load health failed", "agent_id", agent.ID, "error", err)
			continue
		}

		decision, err := e.evaluate(ctx, agent, health)
		if err != nil {
			summary.Failed++
			e.logger.Error("lifecycle: evaluate failed", "agent_id", agent.ID, "error", err)
			continue
		}

		decisions = append(decisions, decision)
		if decision.Downgraded {
			summary.Downgraded++
		}
		switch decision.Action {
		case ActionMaintain:
			summary.Maintained++
		case ActionImprove:
			summary.Improved++
		case ActionSplit:
			summary.Split++
		case ActionShutdown:
			summary.Shutdown++
		}
	}

	summary.Duration = time.Since(started).Round(time.Millisecond).String()
	e.logger.Info("lifecycle: run complete",
		"evaluated", summary.Evaluated, "maintained", summary.Maintained,
		"improved", summary.Improved, "split", summary.Split,
		"shutdown", summary.Shutdown, "skipped", summary.Skipped,
		"downgraded", summary.Downgraded, "failed", summary.Failed,
		"duration", summary.Duration)
	return summary, decisions, nil
}

// String implements fmt.Stringer for log-friendly decisions.
func (d Decision) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%.2f): %s", d.AgentID, d.Action, d.Confidence, d.Reason)
	return b.String()
}
