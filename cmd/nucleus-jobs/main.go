// nucleus-jobs runs the periodic lifecycle work as one-shot batch jobs,
// intended for cron or a workflow scheduler:
//
//	nucleus-jobs -job=health      recalculate health for every active agent
//	nucleus-jobs -job=lifecycle   evaluate and apply lifecycle decisions
//	nucleus-jobs -job=needs       run the need detectors
//	nucleus-jobs -job=autospawn   fulfill high-confidence needs
//	nucleus-jobs -job=all         all of the above, in that order
//
// Per-agent failures are summarized and do not fail the run; a systemic
// failure (config, database, job wiring) exits non-zero.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nucleus-ai/nucleus/internal/config"
	"github.com/nucleus-ai/nucleus/internal/llm"
	"github.com/nucleus-ai/nucleus/internal/service/health"
	"github.com/nucleus-ai/nucleus/internal/service/lifecycle"
	"github.com/nucleus-ai/nucleus/internal/service/needs"
	"github.com/nucleus-ai/nucleus/internal/service/spawner"
	"github.com/nucleus-ai/nucleus/internal/storage"
	"github.com/nucleus-ai/nucleus/migrations"
)

var version = "dev"

func main() {
	job := flag.String("job", "all", "job to run: health, lifecycle, needs, autospawn, or all")
	daysBack := flag.Int("days-back", 0, "telemetry window in days for the health job (0 = policy default)")
	minConfidence := flag.Float64("min-confidence", -1, "confidence floor for the needs job (-1 = policy default)")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *job, *daysBack, *minConfidence); err != nil {
		slog.Error("job failed", "job", *job, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, job string, daysBack int, minConfidence float64) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("nucleus-jobs starting", "version", version, "job", job)

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	completer, err := llm.New(llm.Config{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.OpenAIAPIKey,
		Model:    cfg.OpenAIModel,
		BaseURL:  cfg.OpenAIURL,
		Timeout:  cfg.LLMTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	if daysBack <= 0 {
		daysBack = cfg.Policy.HealthWindowDays
	}
	if minConfidence < 0 {
		minConfidence = cfg.Policy.NeedMinConfidence
	}

	scorer := health.New(db, completer, cfg.Policy, logger)
	engine := lifecycle.New(db, completer, cfg.Policy, logger)
	detector := needs.New(db, completer, cfg.Policy, logger)
	spawn := spawner.New(db, cfg.Policy, logger)

	jobs := map[string]func(context.Context) error{
		"health": func(ctx context.Context) error {
			summary, _, err := scorer.CalculateAll(ctx, daysBack)
			if err != nil {
				return err
			}
			slog.Info("health job complete",
				"evaluated", summary.Evaluated, "succeeded", summary.Succeeded,
				"failed", summary.Failed, "degraded", summary.Degraded,
				"duration", summary.Duration)
			return nil
		},
		"lifecycle": func(ctx context.Context) error {
			summary, _, err := engine.EvaluateAll(ctx)
			if err != nil {
				return err
			}
			slog.Info("lifecycle job complete",
				"evaluated", summary.Evaluated, "maintained", summary.Maintained,
				"improved", summary.Improved, "split", summary.Split,
				"shutdown", summary.Shutdown, "downgraded", summary.Downgraded,
				"skipped", summary.Skipped, "failed", summary.Failed,
				"duration", summary.Duration)
			return nil
		},
		"needs": func(ctx context.Context) error {
			detected, err := detector.Detect(ctx, needs.Params{
				LookbackDays:  cfg.Policy.NeedLookbackDays,
				MinConfidence: minConfidence,
			})
			if err != nil {
				return err
			}
			slog.Info("needs job complete", "detected", len(detected))
			return nil
		},
		"autospawn": func(ctx context.Context) error {
			spawned, err := spawn.AutoSpawn(ctx)
			if err != nil {
				return err
			}
			slog.Info("autospawn job complete", "spawned", len(spawned))
			return nil
		},
	}

	if job == "all" {
		for _, name := range []string{"health", "lifecycle", "needs", "autospawn"} {
			if err := jobs[name](ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return nil
	}

	fn, ok := jobs[job]
	if !ok {
		return fmt.Errorf("unknown job %q", job)
	}
	return fn(ctx)
}
