// Package needs detects justifications for new agents from coverage,
// demand, failure, and topic signals, and persists them for review.
package needs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nucleus-ai/nucleus/internal/config"
	"github.com/nucleus-ai/nucleus/internal/llm"
	"github.com/nucleus-ai/nucleus/internal/model"
	"github.com/nucleus-ai/nucleus/internal/storage"
)

const (
	// coverageGapMinRelationships is how connected an uncovered entity must
	// be before it counts as a gap.
	coverageGapMinRelationships = 5

	// highDemandBaselineRatio is the window-over-window growth that counts
	// as a demand spike; highDemandMinVolume filters noise at low traffic.
	highDemandBaselineRatio = 1.5
	highDemandMinVolume     = 20

	// failurePatternMinRecords is how many low-success health records an
	// agent type needs before it forms a pattern.
	failurePatternMinRecords = 3
	failurePatternSuccessBar = 0.7

	// emergingTopicMinEntities and emergingTopicMinVelocity gate the new
	// entity stream.
	emergingTopicMinEntities = 5
	emergingTopicMinVelocity = 1.0 // entities/day
)

// Params tunes one detection run. Zero values fall back to policy defaults.
type Params struct {
	LookbackDays  int
	MinConfidence float64
}

// Detector runs the need detectors and persists the surviving drafts.
type Detector struct {
	db     *storage.DB
	llm    llm.Completer
	policy config.Policy
	logger *slog.Logger
}

// New creates a Detector.
func New(db *storage.DB, completer llm.Completer, policy config.Policy, logger *slog.Logger) *Detector {
	return &Detector{db: db, llm: completer, policy: policy, logger: logger}
}

// Detect runs all four detectors over the lookback window, discards drafts
// below the confidence floor, enriches the rest with a proposed agent
// specification, and persists them as detected needs. Detector failures are
// isolated: one failing signal source does not block the others.
func (d *Detector) Detect(ctx context.Context, params Params) ([]model.AgentNeed, error) {
	if params.LookbackDays <= 0 {
		params.LookbackDays = d.policy.NeedLookbackDays
	}
	if params.MinConfidence <= 0 {
		params.MinConfidence = d.policy.NeedMinConfidence
	}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -params.LookbackDays)

	var drafts []model.AgentNeed
	for _, detect := range []struct {
		name string
		run  func(context.Context, time.Time, time.Time, int) ([]model.AgentNeed, error)
	}{
		{"coverage_gap", d.coverageGaps},
		{"high_demand", d.highDemand},
		{"failure_pattern", d.failurePatterns},
		{"emerging_topic", d.emergingTopics},
	} {
		found, err := detect.run(ctx, since, now, params.LookbackDays)
		if err != nil {
			d.logger.Error("needs: detector failed", "detector", detect.name, "error", err)
			continue
		}
		drafts = append(drafts, found...)
	}

	var persisted []model.AgentNeed
	for _, draft := range drafts {
		if draft.Confidence < params.MinConfidence {
			d.logger.Debug("needs: draft below confidence floor, discarding",
				"need_type", draft.NeedType, "confidence", draft.Confidence)
			continue
		}

		dedupeKey, _ := draft.Metadata["dedupe_key"].(string)
		exists, err := d.db.HasOpenNeed(ctx, draft.NeedType, dedupeKey)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		draft.ProposedSpec = d.enrich(ctx, draft)
		draft.Status = model.NeedDetected

		need, err := d.db.InsertNeed(ctx, draft)
		if err != nil {
			return nil, err
		}
		persisted = append(persisted, need)
	}

	d.logger.Info("needs: detection complete",
		"drafts", len(drafts), "persisted", len(persisted),
		"lookback_days", params.LookbackDays, "min_confidence", params.MinConfidence)
	return persisted, nil
}

func (d *Detector) coverageGaps(ctx context.Context, _, _ time.Time, _ int) ([]model.AgentNeed, error) {
	gaps, err := d.db.ListUncoveredEntities(ctx, coverageGapMinRelationships)
	if err != nil {
		return nil, err
	}

	var needs []model.AgentNeed
	for _, gap := range gaps {
		priority := model.PriorityMedium
		if gap.RelationshipCount > 10 {
			priority = model.PriorityHigh
		}
		entityID := gap.Entity.ID
		needs = append(needs, model.AgentNeed{
			EntityID:    &entityID,
			NeedType:    model.NeedCoverageGap,
			Description: fmt.Sprintf("Entity %q (%s) has %d relationships and no active agent", gap.Entity.Name, gap.Entity.Type, gap.RelationshipCount),
			Priority:    priority,
			Confidence:  CoverageGapConfidence(gap.RelationshipCount),
			Evidence: []string{
				fmt.Sprintf("%d distinct relationships", gap.RelationshipCount),
				"no active agent bound to the entity",
			},
			Metadata: map[string]any{
				"dedupe_key":         entityID.String(),
				"relationship_count": gap.RelationshipCount,
			},
		})
	}
	return needs, nil
}

func (d *Detector) highDemand(ctx context.Context, since, now time.Time, lookbackDays int) ([]model.AgentNeed, error) {
	current, err := d.db.RequestVolumeByType(ctx, since, now)
	if err != nil {
		return nil, err
	}
	previousStart := since.AddDate(0, 0, -lookbackDays)
	previous, err := d.db.RequestVolumeByType(ctx, previousStart, since)
	if err != nil {
		return nil, err
	}

	var needs []model.AgentNeed
	for agentType, volume := range current {
		if volume < highDemandMinVolume {
			continue
		}
		prior := previous[agentType]
		if prior == 0 {
			// A brand-new type with real volume is itself a demand signal.
			prior = 1
		}
		ratio := float64(volume) / float64(prior)
		if ratio < highDemandBaselineRatio {
			continue
		}

		priority := model.PriorityMedium
		if ratio >= 2*highDemandBaselineRatio {
			priority = model.PriorityHigh
		}
		needs = append(needs, model.AgentNeed{
			NeedType:    model.NeedHighDemand,
			Description: fmt.Sprintf("Request volume for type %q grew %.1fx window over window (%d requests)", agentType, ratio, volume),
			Priority:    priority,
			Confidence:  HighDemandConfidence(ratio, volume),
			Evidence: []string{
				fmt.Sprintf("%d requests in the current window", volume),
				fmt.Sprintf("%d requests in the preceding window", previous[agentType]),
			},
			Metadata: map[string]any{
				"dedupe_key":   agentType,
				"agent_type":   agentType,
				"growth_ratio": ratio,
			},
		})
	}
	return needs, nil
}

func (d *Detector) failurePatterns(ctx context.Context, since, _ time.Time, _ int) ([]model.AgentNeed, error) {
	counts, err := d.db.LowSuccessHealthCountsByType(ctx, since, failurePatternSuccessBar)
	if err != nil {
		return nil, err
	}

	var needs []model.AgentNeed
	for agentType, count := range counts {
		if count <= failurePatternMinRecords {
			continue
		}
		needs = append(needs, model.AgentNeed{
			NeedType:    model.NeedFailurePattern,
			Description: fmt.Sprintf("Agent type %q shows a persistent failure pattern: %d low-success health records", agentType, count),
			Priority:    model.PriorityHigh,
			Confidence:  FailurePatternConfidence(count),
			Evidence: []string{
				fmt.Sprintf("%d health records with success rate below %.1f", count, failurePatternSuccessBar),
			},
			Metadata: map[string]any{
				"dedupe_key": agentType,
				"agent_type": agentType,
			},
		})
	}
	return needs, nil
}

func (d *Detector) emergingTopics(ctx context.Context, since, _ time.Time, lookbackDays int) ([]model.AgentNeed, error) {
	counts, err := d.db.NewEntityCountsByType(ctx, since)
	if err != nil {
		return nil, err
	}

	var needs []model.AgentNeed
	for entityType, count := range counts {
		velocity := float64(count) / float64(lookbackDays)
		if count <= emergingTopicMinEntities || velocity <= emergingTopicMinVelocity {
			continue
		}

		covered, err := d.db.HasActiveAgentOfType(ctx, topicAgentType(entityType))
		if err != nil {
			return nil, err
		}
		if covered {
			continue
		}

		needs = append(needs, model.AgentNeed{
			NeedType:    model.NeedEmergingTopic,
			Description: fmt.Sprintf("Entity type %q is emerging: %d new entities (%.1f/day)", entityType, count, velocity),
			Priority:    model.PriorityMedium,
			Confidence:  EmergingTopicConfidence(velocity),
			Evidence: []string{
				fmt.Sprintf("%d new entities in the window", count),
				fmt.Sprintf("%.1f new entities per day", velocity),
			},
			Metadata: map[string]any{
				"dedupe_key":  entityType,
				"entity_type": entityType,
			},
		})
	}
	return needs, nil
}

// CoverageGapConfidence grows with entity connectivity, capped at 0.9.
func CoverageGapConfidence(relationshipCount int) float64 {
	return math.Min(0.9, 0.6+float64(relationshipCount)/50.0)
}

// HighDemandConfidence grows with the window-over-window ratio, capped at 0.9.
func HighDemandConfidence(ratio float64, volume int) float64 {
	conf := 0.6 + (ratio-highDemandBaselineRatio)/5.0
	if volume >= 5*highDemandMinVolume {
		conf += 0.05
	}
	return math.Min(0.9, conf)
}

// FailurePatternConfidence starts at 0.75 and grows with cluster size,
// capped at 0.9.
func FailurePatternConfidence(count int) float64 {
	return math.Min(0.9, 0.75+float64(count-failurePatternMinRecords)*0.02)
}

// EmergingTopicConfidence grows with entity velocity, capped at 0.85.
func EmergingTopicConfidence(velocityPerDay float64) float64 {
	return math.Min(0.85, 0.6+velocityPerDay/10.0)
}

// enrich builds the proposed agent specification for a need: LLM first, a
// deterministic template when it is unavailable or fails. A need is never
// dropped because enrichment failed.
func (d *Detector) enrich(ctx context.Context, need model.AgentNeed) *model.AgentSpec {
	spec, err := d.enrichLLM(ctx, need)
	if err == nil {
		return spec
	}
	if !errors.Is(err, llm.ErrUnavailable) {
		d.logger.Warn("needs: enrichment failed, using fallback spec",
			"need_type", need.NeedType, "error", err)
	}
	return fallbackSpec(need)
}

func (d *Detector) enrichLLM(ctx context.Context, need model.AgentNeed) (*model.AgentSpec, error) {
	system := "You design task agents. Given a detected need, return a JSON object with " +
		"agent_name (lowercase, hyphenated), agent_type (lowercase identifier), purpose, " +
		"capabilities (array of strings), specialization, expected_impact, and priority_justification."
	user := fmt.Sprintf("Need (%s, priority %s, confidence %.2f): %s\nEvidence:\n- %s",
		need.NeedType, need.Priority, need.Confidence, need.Description,
		strings.Join(need.Evidence, "\n- "))

	var spec model.AgentSpec
	if err := d.llm.CompleteJSON(ctx, system, user, &spec); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("needs: enriched spec invalid: %w", err)
	}
	return &spec, nil
}

// fallbackSpec derives a usable specification from the need alone.
func fallbackSpec(need model.AgentNeed) *model.AgentSpec {
	key, _ := need.Metadata["dedupe_key"].(string)
	agentType := topicAgentType(key)
	if t, ok := need.Metadata["agent_type"].(string); ok && t != "" {
		agentType = t
	}

	return &model.AgentSpec{
		Name:           fmt.Sprintf("%s-%s", agentType, need.NeedType),
		Type:           agentType,
		Purpose:        need.Description,
		Capabilities:   []string{"task_execution"},
		Specialization: string(need.NeedType),
		ExpectedImpact: "Close the detected gap and absorb its workload",
		PriorityJustification: fmt.Sprintf("Detected with %.2f confidence from %d evidence points",
			need.Confidence, len(need.Evidence)),
	}
}

// topicAgentType normalizes an arbitrary key into a valid agent type.
func topicAgentType(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteRune('-')
		}
	}
	out := b.String()
	if out == "" || out[0] < 'a' || out[0] > 'z' {
		out = "agent-" + out
	}
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}
