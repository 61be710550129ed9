package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nucleus-ai/nucleus/internal/auth"
	"github.com/nucleus-ai/nucleus/internal/config"
	"github.com/nucleus-ai/nucleus/internal/llm"
	"github.com/nucleus-ai/nucleus/internal/mcp"
	"github.com/nucleus-ai/nucleus/internal/server"
	"github.com/nucleus-ai/nucleus/internal/service/health"
	"github.com/nucleus-ai/nucleus/internal/service/lifecycle"
	"github.com/nucleus-ai/nucleus/internal/service/needs"
	"github.com/nucleus-ai/nucleus/internal/service/spawner"
	"github.com/nucleus-ai/nucleus/internal/storage"
	"github.com/nucleus-ai/nucleus/internal/telemetry"
	"github.com/nucleus-ai/nucleus/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("NUCLEUS_LOG_LEVEL"))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("nucleus starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
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

	scorer := health.New(db, completer, cfg.Policy, logger)
	engine := lifecycle.New(db, completer, cfg.Policy, logger)
	detector := needs.New(db, completer, cfg.Policy, logger)
	spawn := spawner.New(db, cfg.Policy, logger)

	mcpSrv := mcp.New(mcp.Deps{
		DB:       db,
		Scorer:   scorer,
		Engine:   engine,
		Detector: detector,
		Spawner:  spawn,
		Policy:   cfg.Policy,
		Logger:   logger,
	}, version)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Scorer:              scorer,
		Engine:              engine,
		Detector:            detector,
		Spawner:             spawn,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed the bootstrap admin client when a key is configured.
	if cfg.AdminAPIKey != "" {
		if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
			slog.Warn("admin seed failed", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("nucleus shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("nucleus stopped")
	return nil
}
