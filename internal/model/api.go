package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeDependencyDegraded = "DEPENDENCY_DEGRADED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CalculateHealthRequest is the request body for POST /v1/health/calculate.
// A nil AgentID means batch mode over all active agents.
type CalculateHealthRequest struct {
	AgentID  *uuid.UUID `json:"agent_id,omitempty"`
	DaysBack int        `json:"days_back,omitempty"` // defaults to 7
}

// EvaluateRequest is the request body for POST /v1/lifecycle/evaluate.
// A nil AgentID means evaluate all active agents.
type EvaluateRequest struct {
	AgentID *uuid.UUID `json:"agent_id,omitempty"`
}

// DetectNeedsRequest is the request body for POST /v1/needs/detect.
type DetectNeedsRequest struct {
	LookbackDays  int     `json:"lookback_days,omitempty"`  // defaults to 7
	MinConfidence float64 `json:"min_confidence,omitempty"` // defaults to 0.7
}

// SpawnAgentRequest is the request body for POST /v1/agents/spawn.
type SpawnAgentRequest struct {
	NeedID *uuid.UUID `json:"need_id,omitempty"`
	Spec   *AgentSpec `json:"spec,omitempty"` // required when need_id is absent
}

// BatchSummary reports the outcome of one batch run: per-agent failures are
// isolated into Failed rather than surfaced as exceptions.
type BatchSummary struct {
	Evaluated int       `json:"evaluated"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Degraded  int       `json:"degraded"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
