package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ai/nucleus/internal/model"
	"github.com/nucleus-ai/nucleus/internal/storage"
	"github.com/nucleus-ai/nucleus/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func healthRecord(agentID uuid.UUID, score float64, at time.Time) model.HealthRecord {
	return model.HealthRecord{
		AgentID:           agentID,
		HealthScore:       score,
		UsageFrequency:    score,
		SuccessRate:       score,
		UserSatisfaction:  score,
		CostEfficiency:    score,
		ResponseTimeScore: score,
		Trend:             model.TrendUnknown,
		RiskLevel:         model.RiskForScore(score),
		CalculatedAt:      at,
	}
}

func TestCreateAgentWritesCreatedEvent(t *testing.T) {
	ctx := context.Background()

	agent := testutil.SeedAgent(t, ctx, testDB, "triage")

	got, err := testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.Name, got.Name)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, got.Version)

	count, err := testDB.CountLifecycleEvents(ctx, agent.ID, model.EventCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetAgentNotFound(t *testing.T) {
	_, err := testDB.GetAgent(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestShutdownAgentExactlyOnce(t *testing.T) {
	ctx := context.Background()

	agent := testutil.SeedAgent(t, ctx, testDB, "triage")

	event := model.LifecycleEvent{
		EventType:   model.EventShutdown,
		Reason:      "health below shutdown threshold",
		TriggeredBy: model.ActorLifecycleManager,
	}
	after, err := testDB.ShutdownAgentTx(ctx, agent.ID, event)
	require.NoError(t, err)
	assert.False(t, after.IsActive)
	require.NotNil(t, after.LastDecision)
	assert.Equal(t, "shutdown", *after.LastDecision)

	// A second shutdown must not produce a second audit entry.
	_, err = testDB.ShutdownAgentTx(ctx, agent.ID, event)
	require.ErrorIs(t, err, storage.ErrConflict)

	count, err := testDB.CountLifecycleEvents(ctx, agent.ID, model.EventShutdown)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	events, err := testDB.ListLifecycleEvents(ctx, agent.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2) // created + shutdown
	assert.Equal(t, model.EventShutdown, events[0].EventType)
	require.NotNil(t, events[0].BeforeState)
	assert.True(t, events[0].BeforeState.IsActive)
	require.NotNil(t, events[0].AfterState)
	assert.False(t, events[0].AfterState.IsActive)
}

func TestRecordDecisionWithAndWithoutEvent(t *testing.T) {
	ctx := context.Background()

	agent := testutil.SeedAgent(t, ctx, testDB, "research")

	event := model.LifecycleEvent{
		EventType:   model.EventImproved,
		Reason:      "declining success rate",
		TriggeredBy: model.ActorLifecycleManager,
	}
	require.NoError(t, testDB.RecordDecisionTx(ctx, agent.ID, "improve", &event))

	got, err := testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastDecision)
	assert.Equal(t, "improve", *got.LastDecision)
	assert.NotNil(t, got.LastEvaluatedAt)

	// A repeat decision records no new event.
	require.NoError(t, testDB.RecordDecisionTx(ctx, agent.ID, "improve", nil))

	count, err := testDB.CountLifecycleEvents(ctx, agent.ID, model.EventImproved)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordDecisionUnknownAgent(t *testing.T) {
	err := testDB.RecordDecisionTx(context.Background(), uuid.New(), "maintain", nil)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHealthLatestHistoryAndPriors(t *testing.T) {
	ctx := context.Background()

	agent := testutil.SeedAgent(t, ctx, testDB, "support")
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i, score := range []float64{0.4, 0.5, 0.8} {
		_, err := testDB.InsertHealthRecord(ctx,
			healthRecord(agent.ID, score, now.Add(time.Duration(i-3)*time.Hour)))
		require.NoError(t, err)
	}

	latest, err := testDB.LatestHealth(ctx, agent.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, latest.HealthScore, 1e-9)

	history, err := testDB.HealthHistory(ctx, agent.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.InDelta(t, 0.8, history[0].HealthScore, 1e-9)
	assert.InDelta(t, 0.4, history[2].HealthScore, 1e-9)

	// Priors exclude the record at the cutoff itself.
	priors, err := testDB.PriorHealthScores(ctx, agent.ID, latest.CalculatedAt, 5)
	require.NoError(t, err)
	require.Len(t, priors, 2)
	assert.InDelta(t, 0.5, priors[0], 1e-9)
	assert.InDelta(t, 0.4, priors[1], 1e-9)
}

func TestLatestHealthNotFound(t *testing.T) {
	ctx := context.Background()
	agent := testutil.SeedAgent(t, ctx, testDB, "unscored")

	_, err := testDB.LatestHealth(ctx, agent.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertHealthRecordRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	agent := testutil.SeedAgent(t, ctx, testDB, "support")

	record := healthRecord(agent.ID, 0.5, time.Now().UTC())
	record.SuccessRate = 1.2
	_, err := testDB.InsertHealthRecord(ctx, record)
	require.Error(t, err)
}

func TestLockAgentSerializesCalculations(t *testing.T) {
	ctx := context.Background()
	agent := testutil.SeedAgent(t, ctx, testDB, "locked")

	release, err := testDB.LockAgent(ctx, agent.ID)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release2, err := testDB.LockAgent(ctx, agent.ID)
		assert.NoError(t, err)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first was held")
	case <-time.After(200 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(10 * time.Second):
		t.Fatal("second lock not acquired after release")
	}
}

func TestUsageStatsAggregation(t *testing.T) {
	ctx := context.Background()

	agent := testutil.SeedAgent(t, ctx, testDB, "billing")
	testutil.SeedPerformance(t, ctx, testDB, agent.ID, 10, 8, 250, 2.0)

	now := time.Now().UTC()
	stats, err := testDB.GetUsageStats(ctx, agent.ID, now.Add(-24*time.Hour), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalRequests)
	assert.Equal(t, 8, stats.SuccessfulRequests)
	assert.Equal(t, 2, stats.FailedRequests)
	require.NotNil(t, stats.AvgResponseTimeMs)
	assert.InDelta(t, 250, *stats.AvgResponseTimeMs, 1e-9)
	assert.InDelta(t, 2.0, stats.TotalCostUSD, 1e-6)
}

func TestUsageStatsEmptyWindow(t *testing.T) {
	ctx := context.Background()
	agent := testutil.SeedAgent(t, ctx, testDB, "idle")

	now := time.Now().UTC()
	stats, err := testDB.GetUsageStats(ctx, agent.ID, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRequests)
	assert.Nil(t, stats.AvgResponseTimeMs)
	assert.Zero(t, stats.TotalCostUSD)
}

func TestNeedSpawnExactlyOnce(t *testing.T) {
	ctx := context.Background()

	need, err := testDB.InsertNeed(ctx, model.AgentNeed{
		NeedType:    model.NeedCoverageGap,
		Description: "entity cluster with no agent coverage",
		Priority:    model.PriorityHigh,
		Confidence:  0.8,
		Evidence:    []string{"12 relationships, zero active agents"},
		Status:      model.NeedDetected,
		ProposedSpec: &model.AgentSpec{
			Name:    "coverage-agent",
			Type:    "coverage",
			Purpose: "cover the gap",
		},
		Metadata: map[string]any{"dedupe_key": "coverage_gap:test-entity"},
	})
	require.NoError(t, err)

	open, err := testDB.HasOpenNeed(ctx, model.NeedCoverageGap, "coverage_gap:test-entity")
	require.NoError(t, err)
	assert.True(t, open)

	agent := model.Agent{Name: "coverage-agent-" + need.ID.String()[:8], Type: "coverage", IsActive: true}
	event := model.LifecycleEvent{
		EventType:   model.EventCreated,
		Reason:      "fulfilling coverage gap",
		TriggeredBy: model.ActorAgentFactory,
	}
	created, err := testDB.CreateAgentFromNeedTx(ctx, agent, event, need.ID)
	require.NoError(t, err)

	got, err := testDB.GetNeed(ctx, need.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NeedDeployed, got.Status)
	require.NotNil(t, got.CreatedAgentID)
	assert.Equal(t, created.ID, *got.CreatedAgentID)
	assert.NotNil(t, got.FulfilledAt)

	// A deployed need cannot be fulfilled again.
	agent.Name = agent.Name + "-dup"
	_, err = testDB.CreateAgentFromNeedTx(ctx, agent, event, need.ID)
	require.ErrorIs(t, err, storage.ErrConflict)

	// The deployed need no longer counts as open.
	open, err = testDB.HasOpenNeed(ctx, model.NeedCoverageGap, "coverage_gap:test-entity")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestResolveAndApproveNeed(t *testing.T) {
	ctx := context.Background()

	need, err := testDB.InsertNeed(ctx, model.AgentNeed{
		NeedType:    model.NeedHighDemand,
		Description: "request volume doubled for triage agents",
		Priority:    model.PriorityMedium,
		Confidence:  0.7,
		Status:      model.NeedDetected,
	})
	require.NoError(t, err)

	approved, err := testDB.ApproveNeed(ctx, need.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NeedApproved, approved.Status)
	assert.NotNil(t, approved.ApprovedAt)

	rejected, err := testDB.ResolveNeed(ctx, need.ID, model.NeedRejected, "duplicate of earlier need")
	require.NoError(t, err)
	assert.Equal(t, model.NeedRejected, rejected.Status)
	require.NotNil(t, rejected.ResolutionReason)

	// Terminal needs cannot be re-approved.
	_, err = testDB.ApproveNeed(ctx, need.ID)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestListSpawnCandidatesOrdering(t *testing.T) {
	ctx := context.Background()

	for _, conf := range []float64{0.75, 0.95, 0.85} {
		_, err := testDB.InsertNeed(ctx, model.AgentNeed{
			NeedType:    model.NeedEmergingTopic,
			Description: "candidate ordering fixture",
			Priority:    model.PriorityLow,
			Confidence:  conf,
			Status:      model.NeedDetected,
			Metadata:    map[string]any{"fixture": "ordering"},
		})
		require.NoError(t, err)
	}

	candidates, err := testDB.ListSpawnCandidates(ctx, 0.8, 50)
	require.NoError(t, err)

	var confidences []float64
	for _, c := range candidates {
		if c.Metadata["fixture"] == "ordering" {
			confidences = append(confidences, c.Confidence)
		}
	}
	require.Len(t, confidences, 2)
	assert.InDelta(t, 0.95, confidences[0], 1e-9)
	assert.InDelta(t, 0.85, confidences[1], 1e-9)
}

func TestUncoveredEntities(t *testing.T) {
	ctx := context.Background()

	hub := testutil.SeedEntity(t, ctx, testDB, "payments-hub", "topic")
	for i := 0; i < 7; i++ {
		other := testutil.SeedEntity(t, ctx, testDB, "spoke", "document")
		testutil.SeedRelationship(t, ctx, testDB, hub, other, "mentions")
	}

	gaps, err := testDB.ListUncoveredEntities(ctx, 5)
	require.NoError(t, err)

	var found *storage.EntityGap
	for i := range gaps {
		if gaps[i].Entity.ID == hub {
			found = &gaps[i]
		}
	}
	require.NotNil(t, found, "hub entity should be reported as uncovered")
	assert.Equal(t, 7, found.RelationshipCount)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()

	created, err := testDB.CreateClient(ctx, model.APIClient{
		ClientID: "integration-client",
		KeyHash:  "argon2-hash-placeholder",
		Role:     model.RoleOperator,
	})
	require.NoError(t, err)

	got, err := testDB.GetClientByClientID(ctx, "integration-client")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.RoleOperator, got.Role)
	assert.Nil(t, got.LastSeen)

	require.NoError(t, testDB.TouchClientLastSeen(ctx, "integration-client"))
	got, err = testDB.GetClientByClientID(ctx, "integration-client")
	require.NoError(t, err)
	assert.NotNil(t, got.LastSeen)

	_, err = testDB.GetClientByClientID(ctx, "no-such-client")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHealthSummaryCountsScoredAgents(t *testing.T) {
	ctx := context.Background()

	agent := testutil.SeedAgent(t, ctx, testDB, "summary-fixture")
	_, err := testDB.InsertHealthRecord(ctx, healthRecord(agent.ID, 0.9, time.Now().UTC()))
	require.NoError(t, err)

	summary, err := testDB.GetHealthSummary(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, summary.ActiveAgents, 1)
	assert.GreaterOrEqual(t, summary.ScoredAgents, 1)
	assert.Greater(t, summary.AvgHealth, 0.0)
	assert.GreaterOrEqual(t, summary.RiskHistogram[model.RiskLow], 1)
}
