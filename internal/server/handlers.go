package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus-ai/nucleus/internal/auth"
	"github.com/nucleus-ai/nucleus/internal/model"
	"github.com/nucleus-ai/nucleus/internal/service/health"
	"github.com/nucleus-ai/nucleus/internal/service/lifecycle"
	"github.com/nucleus-ai/nucleus/internal/service/needs"
	"github.com/nucleus-ai/nucleus/internal/service/spawner"
	"github.com/nucleus-ai/nucleus/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	scorer              *health.Scorer
	engine              *lifecycle.Engine
	detector            *needs.Detector
	spawner             *spawner.Spawner
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Scorer              *health.Scorer
	Engine              *lifecycle.Engine
	Detector            *needs.Detector
	Spawner             *spawner.Spawner
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		scorer:              d.Scorer,
		engine:              d.Engine,
		detector:            d.Detector,
		spawner:             d.Spawner,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// SeedAdmin creates the initial admin client if it does not exist yet.
// Called at startup when NUCLEUS_ADMIN_API_KEY is configured.
func (h *Handlers) SeedAdmin(ctx context.Context, apiKey string) error {
	if _, err := h.db.GetClientByClientID(ctx, "admin"); err == nil {
		return nil
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return err
	}
	_, err = h.db.CreateClient(ctx, model.APIClient{
		ClientID: "admin",
		KeyHash:  hash,
		Role:     model.RoleAdmin,
	})
	if err != nil {
		return err
	}
	h.logger.Info("seeded admin client")
	return nil
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.ClientID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id and api_key are required")
		return
	}

	client, err := h.db.GetClientByClientID(r.Context(), req.ClientID)
	if err != nil {
		// Burn the same hashing cost as a real verification so response
		// timing does not reveal whether the client_id exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, client.KeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(client)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	if err := h.db.TouchClientLastSeen(r.Context(), client.ClientID); err != nil {
		h.logger.Warn("touch client last_seen failed", "client_id", client.ClientID, "error", err)
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleCalculateHealth handles POST /v1/health/calculate.
// With agent_id: one record. Without: batch over all active agents.
func (h *Handlers) HandleCalculateHealth(w http.ResponseWriter, r *http.Request) {
	var req model.CalculateHealthRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.DaysBack < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "days_back must be non-negative")
		return
	}

	if req.AgentID != nil {
		record, err := h.scorer.Calculate(r.Context(), *req.AgentID, req.DaysBack)
		if err != nil {
			writeStorageError(w, r, h.logger, err)
			return
		}
		if record.Degraded {
			// Scores are valid; only the recommendation layer fell back.
			w.Header().Set("X-Nucleus-Degraded", "true")
		}
		writeJSON(w, r, http.StatusOK, record)
		return
	}

	summary, records, err := h.scorer.CalculateAll(r.Context(), req.DaysBack)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"summary": summary,
		"records": records,
	})
}

// HandleGetAgentHealth handles GET /v1/agents/{agent_id}/health.
func (h *Handlers) HandleGetAgentHealth(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}
	record, err := h.db.LatestHealth(r.Context(), agentID)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, record)
}

// HandleHealthHistory handles GET /v1/agents/{agent_id}/health/history.
func (h *Handlers) HandleHealthHistory(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 30)
	records, err := h.db.HealthHistory(r.Context(), agentID, limit)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, records)
}

// HandleHealthSummary handles GET /v1/health/summary.
func (h *Handlers) HandleHealthSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.db.GetHealthSummary(r.Context())
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// HandleEvaluate handles POST /v1/lifecycle/evaluate.
// With agent_id: one decision. Without: a fleet-wide run.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.AgentID != nil {
		decision, err := h.engine.EvaluateAgent(r.Context(), *req.AgentID)
		if err != nil {
			writeStorageError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusOK, decision)
		return
	}

	summary, decisions, err := h.engine.EvaluateAll(r.Context())
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"summary":   summary,
		"decisions": decisions,
	})
}

// HandleDetectNeeds handles POST /v1/needs/detect.
func (h *Handlers) HandleDetectNeeds(w http.ResponseWriter, r *http.Request) {
	var req model.DetectNeedsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.MinConfidence < 0 || req.MinConfidence > 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "min_confidence must be in [0,1]")
		return
	}

	detected, err := h.detector.Detect(r.Context(), needs.Params{
		LookbackDays:  req.LookbackDays,
		MinConfidence: req.MinConfidence,
	})
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detected)
}

// HandleListNeeds handles GET /v1/needs.
func (h *Handlers) HandleListNeeds(w http.ResponseWriter, r *http.Request) {
	status := model.NeedStatus(r.URL.Query().Get("status"))
	if status != "" && !model.ValidNeedStatus(status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status filter")
		return
	}
	limit := queryInt(r, "limit", 100)

	list, err := h.db.ListNeeds(r.Context(), status, limit)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleSpawnAgent handles POST /v1/agents/spawn.
// Either need_id (fulfill a detected need) or spec (manual spawn).
func (h *Handlers) HandleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req model.SpawnAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.NeedID != nil {
		agent, err := h.spawner.SpawnFromNeed(r.Context(), *req.NeedID)
		if err != nil {
			writeStorageError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, agent)
		return
	}

	if req.Spec == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "either need_id or spec is required")
		return
	}
	if err := req.Spec.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var triggeredBy *string
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		triggeredBy = &claims.ClientID
	}
	agent, err := h.spawner.Spawn(r.Context(), *req.Spec, model.ActorManual, triggeredBy)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleAutoSpawn handles POST /v1/needs/auto-spawn.
func (h *Handlers) HandleAutoSpawn(w http.ResponseWriter, r *http.Request) {
	spawned, err := h.spawner.AutoSpawn(r.Context())
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"spawned": spawned,
		"count":   len(spawned),
	})
}

// HandleHealth handles GET /health (liveness, no auth).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	overall := "ok"
	pgStatus := "ok"
	status := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		overall = "degraded"
		pgStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, r, status, model.HealthResponse{
		Status:   overall,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// pathUUID parses a UUID path value, writing the error response on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, defaultVal int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
