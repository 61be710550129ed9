// Package testutil provides shared infrastructure for integration tests
// that need a real PostgreSQL instance.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nucleus-ai/nucleus/internal/model"
	"github.com/nucleus-ai/nucleus/internal/storage"
	"github.com/nucleus-ai/nucleus/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a PostgreSQL container. Calls os.Exit(1) on
// failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "nucleus",
			"POSTGRES_PASSWORD": "nucleus",
			"POSTGRES_DB":       "nucleus",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://nucleus:nucleus@%s:%s/nucleus?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}
}

// NewTestDB creates a storage.DB connected to this container and runs all
// migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// SeedAgent inserts an active agent with sensible defaults and returns it.
// The name is suffixed with a random fragment so tests can seed freely
// without colliding on the unique name constraint.
func SeedAgent(t *testing.T, ctx context.Context, db *storage.DB, agentType string) model.Agent {
	t.Helper()

	agent := model.Agent{
		Name:     fmt.Sprintf("%s-%s", agentType, uuid.New().String()[:8]),
		Type:     agentType,
		IsActive: true,
		Version:  1,
	}
	event := model.LifecycleEvent{
		EventType:   model.EventCreated,
		Reason:      "seeded for test",
		TriggeredBy: model.ActorSystem,
	}

	created, err := db.CreateAgentTx(ctx, agent, event)
	if err != nil {
		t.Fatalf("testutil: seed agent: %v", err)
	}
	return created
}

// SeedPerformance inserts n telemetry rows for the agent inside the
// lookback window, succeeded of which are marked successful. Cost is the
// total across all rows.
func SeedPerformance(t *testing.T, ctx context.Context, db *storage.DB, agentID uuid.UUID, n, succeeded int, executionMs int, totalCostUSD float64) {
	t.Helper()

	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		success := i < succeeded
		_, err := db.Pool().Exec(ctx, `
			INSERT INTO agent_performance (agent_id, success, execution_time_ms, cost_usd, recorded_at)
			VALUES ($1, $2, $3, $4, $5)`,
			agentID, success, executionMs, totalCostUSD/float64(n), now.Add(-time.Duration(i)*time.Minute),
		)
		if err != nil {
			t.Fatalf("testutil: seed performance: %v", err)
		}
	}
}

// SeedEntity inserts an entity and returns its ID.
func SeedEntity(t *testing.T, ctx context.Context, db *storage.DB, name, entityType string) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := db.Pool().Exec(ctx, `
		INSERT INTO entities (id, entity_name, entity_type) VALUES ($1, $2, $3)`,
		id, name, entityType,
	)
	if err != nil {
		t.Fatalf("testutil: seed entity: %v", err)
	}
	return id
}

// SeedRelationship links two entities.
func SeedRelationship(t *testing.T, ctx context.Context, db *storage.DB, entityID, relatedID uuid.UUID, relType string) {
	t.Helper()

	_, err := db.Pool().Exec(ctx, `
		INSERT INTO entity_relationships (entity_id, related_entity_id, relation_type)
		VALUES ($1, $2, $3)`,
		entityID, relatedID, relType,
	)
	if err != nil {
		t.Fatalf("testutil: seed relationship: %v", err)
	}
}
