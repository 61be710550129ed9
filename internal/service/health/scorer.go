// Package health computes composite health scores for agents from their
// telemetry and persists immutable health snapshots.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus-ai/nucleus/internal/config"
	"github.com/nucleus-ai/nucleus/internal/llm"
	"github.com/nucleus-ai/nucleus/internal/model"
	"github.com/nucleus-ai/nucleus/internal/storage"
)

// neutralScore is used for components with no data: not a reward, not a
// penalty, and never an error.
const neutralScore = 0.5

// trendBaselineRecords is how many prior snapshots feed the trend baseline.
const trendBaselineRecords = 3

// batchConcurrency bounds concurrent per-agent scoring in batch mode.
const batchConcurrency = 8

// Curves holds the shape parameters of the component score curves.
type Curves struct {
	// UsageKnees maps requests/day to a usage score, interpolated linearly.
	// Must be sorted by PerDay ascending; scores above the last knee clamp
	// to its value.
	UsageKnees []UsageKnee

	// LatencyTiers maps average response time to a score. First tier whose
	// UpToMs exceeds the average wins; slower than all tiers scores FloorScore.
	LatencyTiers []LatencyTier
	FloorScore   float64

	// CostPerSuccessCeilingUSD is the spend per successful request that
	// scores zero cost efficiency.
	CostPerSuccessCeilingUSD float64
}

// UsageKnee is one point of the piecewise usage curve.
type UsageKnee struct {
	PerDay float64
	Score  float64
}

// LatencyTier is one band of the response time curve.
type LatencyTier struct {
	UpToMs float64
	Score  float64
}

// DefaultCurves returns the standard curve shapes.
func DefaultCurves() Curves {
	return Curves{
		UsageKnees: []UsageKnee{
			{PerDay: 0, Score: 0.0},
			{PerDay: 1, Score: 0.3},
			{PerDay: 5, Score: 0.6},
			{PerDay: 10, Score: 1.0},
		},
		LatencyTiers: []LatencyTier{
			{UpToMs: 100, Score: 1.0},
			{UpToMs: 500, Score: 0.8},
			{UpToMs: 1000, Score: 0.6},
			{UpToMs: 3000, Score: 0.4},
		},
		FloorScore:               0.2,
		CostPerSuccessCeilingUSD: 1.0,
	}
}

// Scorer calculates and persists agent health.
type Scorer struct {
	db     *storage.DB
	llm    llm.Completer
	policy config.Policy
	curves Curves
	logger *slog.Logger
}

// New creates a Scorer with the default curves.
func New(db *storage.DB, completer llm.Completer, policy config.Policy, logger *slog.Logger) *Scorer {
	return &Scorer{db: db, llm: completer, policy: policy, curves: DefaultCurves(), logger: logger}
}

// WithCurves overrides the curve shapes. Used by tests and tuning.
func (s *Scorer) WithCurves(c Curves) *Scorer {
	s.curves = c
	return s
}

// UsageScore maps requests/day onto the piecewise usage curve.
func (c Curves) UsageScore(requestsPerDay float64) float64 {
	knees := c.UsageKnees
	if len(knees) == 0 {
		return neutralScore
	}
	if requestsPerDay <= knees[0].PerDay {
		return knees[0].Score
	}
	for i := 1; i < len(knees); i++ {
		if requestsPerDay <= knees[i].PerDay {
			lo, hi := knees[i-1], knees[i]
			frac := (requestsPerDay - lo.PerDay) / (hi.PerDay - lo.PerDay)
			return lo.Score + frac*(hi.Score-lo.Score)
		}
	}
	return knees[len(knees)-1].Score
}

// ResponseTimeScore maps average latency onto the tier curve. nil means no
// latency data and scores neutral.
func (c Curves) ResponseTimeScore(avgMs *float64) float64 {
	if avgMs == nil {
		return neutralScore
	}
	for _, tier := range c.LatencyTiers {
		if *avgMs < tier.UpToMs {
			return tier.Score
		}
	}
	return c.FloorScore
}

// SuccessScore is successes/total; neutral with zero requests.
func SuccessScore(stats storage.UsageStats) float64 {
	if stats.TotalRequests == 0 {
		return neutralScore
	}
	return float64(stats.SuccessfulRequests) / float64(stats.TotalRequests)
}

// SatisfactionScore maps mean feedback (0-5) to [0,1]; neutral with no feedback.
func SatisfactionScore(stats storage.UsageStats) float64 {
	if stats.AvgFeedbackScore == nil || stats.FeedbackCount == 0 {
		return neutralScore
	}
	return clamp01(*stats.AvgFeedbackScore / 5.0)
}

// CostScore scores spend per successful request against the ceiling.
// No recorded spend is neutral; spend with zero successes scores zero.
func (c Curves) CostScore(stats storage.UsageStats) float64 {
	if stats.TotalCostUSD == 0 {
		return neutralScore
	}
	if stats.SuccessfulRequests == 0 {
		return 0.0
	}
	perSuccess := stats.TotalCostUSD / float64(stats.SuccessfulRequests)
	return 1.0 - clamp01(perSuccess/c.CostPerSuccessCeilingUSD)
}

// Composite combines the component scores with the policy weights.
func Composite(p config.Policy, usage, success, satisfaction, cost, responseTime float64) float64 {
	return p.WeightUsage*usage +
		p.WeightSuccess*success +
		p.WeightSatisfaction*satisfaction +
		p.WeightCost*cost +
		p.WeightResponseTime*responseTime
}

// Calculate computes, persists, and returns a health snapshot for one agent
// over the trailing window. daysBack <= 0 uses the policy default.
func (s *Scorer) Calculate(ctx context.Context, agentID uuid.UUID, daysBack int) (model.HealthRecord, error) {
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return model.HealthRecord{}, err
	}

	if daysBack <= 0 {
		daysBack = s.policy.HealthWindowDays
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -daysBack)

	stats, err := s.db.GetUsageStats(ctx, agent.ID, start, end)
	if err != nil {
		return model.HealthRecord{}, err
	}

	record := s.buildRecord(agent.ID, stats, daysBack)

	// Hold the per-agent lock from the baseline read through the insert, so
	// a concurrent run cannot classify against the same priors.
	release, err := s.db.LockAgent(ctx, agent.ID)
	if err != nil {
		return model.HealthRecord{}, err
	}
	defer release()

	// Trend compares the fresh composite against the mean of recent priors.
	priors, err := s.db.PriorHealthScores(ctx, agent.ID, end, trendBaselineRecords)
	if err != nil {
		return model.HealthRecord{}, err
	}
	record.Trend = trendAgainst(priors, record.HealthScore)
	record.RiskLevel = model.RiskForScore(record.HealthScore)
	record.CalculatedAt = end

	s.recommend(ctx, agent, &record)

	return s.db.InsertHealthRecord(ctx, record)
}

// buildRecord computes the component and composite scores from telemetry.
// Agents without any telemetry get the explicit default record rather than
// a computed one, so a freshly deployed agent starts at medium attention.
func (s *Scorer) buildRecord(agentID uuid.UUID, stats storage.UsageStats, daysBack int) model.HealthRecord {
	record := model.HealthRecord{
		AgentID:            agentID,
		TotalRequests:      stats.TotalRequests,
		SuccessfulRequests: stats.SuccessfulRequests,
		FailedRequests:     stats.FailedRequests,
		AvgResponseTimeMs:  stats.AvgResponseTimeMs,
		TotalCostUSD:       stats.TotalCostUSD,
	}

	if stats.TotalRequests == 0 {
		record.HealthScore = neutralScore
		record.UsageFrequency = 0.0
		record.SuccessRate = neutralScore
		record.UserSatisfaction = neutralScore
		record.CostEfficiency = neutralScore
		record.ResponseTimeScore = neutralScore
		return record
	}

	perDay := float64(stats.TotalRequests) / float64(daysBack)
	record.UsageFrequency = s.curves.UsageScore(perDay)
	record.SuccessRate = SuccessScore(stats)
	record.UserSatisfaction = SatisfactionScore(stats)
	record.CostEfficiency = s.curves.CostScore(stats)
	record.ResponseTimeScore = s.curves.ResponseTimeScore(stats.AvgResponseTimeMs)
	record.HealthScore = Composite(s.policy,
		record.UsageFrequency, record.SuccessRate, record.UserSatisfaction,
		record.CostEfficiency, record.ResponseTimeScore)
	return record
}

// trendAgainst classifies the current score against the mean of priors.
// A single prior is enough; only a first-ever snapshot is unknown.
func trendAgainst(priors []float64, current float64) model.Trend {
	if len(priors) == 0 {
		return model.TrendUnknown
	}
	var sum float64
	for _, p := range priors {
		sum += p
	}
	return model.TrendForDelta(current - sum/float64(len(priors)))
}

// recommend fills the record's recommendations: deterministic rules first,
// optionally refined by the LLM. An LLM failure keeps the rule list and
// marks the record degraded; an unconfigured LLM is not a degradation.
func (s *Scorer) recommend(ctx context.Context, agent model.Agent, record *model.HealthRecord) {
	record.Recommendations = ruleRecommendations(*record)

	refined, err := s.refineRecommendations(ctx, agent, *record)
	switch {
	case err == nil && len(refined) > 0:
		record.Recommendations = refined
	case errors.Is(err, llm.ErrUnavailable):
		// Rules are the configured behavior.
	case err != nil:
		record.Degraded = true
		s.logger.Warn("health: recommendation refinement failed, keeping rule output",
			"agent_id", agent.ID, "error", err)
	}
}

// ruleRecommendations is the deterministic recommendation list.
func ruleRecommendations(r model.HealthRecord) []string {
	var recs []string
	if r.UsageFrequency < 0.3 {
		recs = append(recs, "Low usage: improve discoverability or consider consolidation")
	}
	if r.SuccessRate < 0.7 {
		recs = append(recs, "Success rate below target: review recent failures and refine instructions")
	}
	if r.UserSatisfaction < 0.6 {
		recs = append(recs, "User satisfaction is low: collect feedback and iterate on responses")
	}
	if r.CostEfficiency < 0.5 {
		recs = append(recs, "Cost per successful task is high: reduce model or tool spend")
	}
	if r.ResponseTimeScore < 0.6 {
		recs = append(recs, "Responses are slow: optimize retrieval or switch to a faster model")
	}
	if r.Trend == model.TrendDeclining {
		recs = append(recs, "Health is declining: schedule a review before the next evaluation")
	}
	if len(recs) == 0 {
		recs = append(recs, "Healthy: no action needed")
	}
	return recs
}

type refinedRecommendations struct {
	Recommendations []string `json:"recommendations"`
}

func (s *Scorer) refineRecommendations(ctx context.Context, agent model.Agent, r model.HealthRecord) ([]string, error) {
	system := "You are an operations assistant for a fleet of task agents. " +
		"Given an agent's health metrics, return a JSON object with a " +
		"\"recommendations\" array of at most five short, actionable strings."
	user := fmt.Sprintf(
		"Agent %q (type %s).\nHealth %.2f, usage %.2f, success %.2f, satisfaction %.2f, cost %.2f, response time %.2f.\nTrend %s, risk %s.\nBaseline recommendations:\n- %s",
		agent.Name, agent.Type,
		r.HealthScore, r.UsageFrequency, r.SuccessRate, r.UserSatisfaction,
		r.CostEfficiency, r.ResponseTimeScore,
		r.Trend, r.RiskLevel,
		strings.Join(r.Recommendations, "\n- "),
	)

	var out refinedRecommendations
	if err := s.llm.CompleteJSON(ctx, system, user, &out); err != nil {
		return nil, err
	}
	if len(out.Recommendations) > 5 {
		out.Recommendations = out.Recommendations[:5]
	}
	return out.Recommendations, nil
}

// CalculateAll scores every active agent concurrently. Per-agent failures
// are isolated into the summary; only systemic failures (listing agents)
// return an error.
func (s *Scorer) CalculateAll(ctx context.Context, daysBack int) (model.BatchSummary, []model.HealthRecord, error) {
	started := time.Now().UTC()
	agents, err := s.db.ListActiveAgents(ctx)
	if err != nil {
		return model.BatchSummary{}, nil, err
	}

	var (
		mu      sync.Mutex
		records []model.HealthRecord
		summary = model.BatchSummary{Evaluated: len(agents), StartedAt: started}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, agent := range agents {
		g.Go(func() error {
			record, err := s.Calculate(gctx, agent.ID, daysBack)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				s.logger.Error("health: calculate failed", "agent_id", agent.ID, "error", err)
				return nil
			}
			summary.Succeeded++
			if record.Degraded {
				summary.Degraded++
			}
			records = append(records, record)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.BatchSummary{}, nil, err
	}

	summary.Duration = time.Since(started).Round(time.Millisecond).String()
	s.logger.Info("health: batch complete",
		"evaluated", summary.Evaluated, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "degraded", summary.Degraded,
		"duration", summary.Duration)
	return summary, records, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
