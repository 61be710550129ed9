// Package llm provides LLM completions for decision validation and need
// enrichment.
//
// Defines a Completer interface with an OpenAI-compatible implementation.
// The interface allows swapping providers without changing consumers; the
// Noop provider makes the LLM strictly optional, with callers falling back
// to deterministic rules.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrUnavailable is returned by the Noop completer. Callers treat it as a
// signal to use their deterministic fallback rather than as a failure.
var ErrUnavailable = errors.New("llm: no provider configured")

// Completer produces chat completions.
type Completer interface {
	// Complete returns the assistant text for a system+user prompt pair.
	Complete(ctx context.Context, system, user string) (string, error)

	// CompleteJSON asks the model for a JSON object response and unmarshals
	// it into out.
	CompleteJSON(ctx context.Context, system, user string, out any) error
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider string // "auto", "openai", or "noop"
	APIKey   string
	Model    string
	BaseURL  string // e.g. https://api.openai.com/v1
	Timeout  time.Duration
}

// New builds a Completer from config. "auto" selects OpenAI when an API key
// is present and Noop otherwise.
func New(cfg Config, logger *slog.Logger) (Completer, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: provider openai requires an API key")
		}
		return NewOpenAI(cfg), nil
	case "noop":
		return Noop{}, nil
	case "auto", "":
		if cfg.APIKey != "" {
			return NewOpenAI(cfg), nil
		}
		logger.Warn("llm: no API key configured, validator and enrichment fall back to rules")
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI-compatible completer.
func NewOpenAI(cfg Config) *OpenAI {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete returns the assistant text for a system+user prompt pair.
func (p *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	return p.complete(ctx, system, user, nil)
}

// CompleteJSON requests a JSON object response and unmarshals it into out.
func (p *OpenAI) CompleteJSON(ctx context.Context, system, user string, out any) error {
	text, err := p.complete(ctx, system, user, map[string]any{"type": "json_object"})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("llm: unmarshal completion: %w", err)
	}
	return nil
}

func (p *OpenAI) complete(ctx context.Context, system, user string, responseFormat map[string]any) (string, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		ResponseFormat: responseFormat,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("llm: provider error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("llm: empty completion")
	}
	return result.Choices[0].Message.Content, nil
}

// Noop is the provider of last resort: every call reports ErrUnavailable so
// callers take their deterministic path.
type Noop struct{}

// Complete always returns ErrUnavailable.
func (Noop) Complete(_ context.Context, _, _ string) (string, error) {
	return "", ErrUnavailable
}

// CompleteJSON always returns ErrUnavailable.
func (Noop) CompleteJSON(_ context.Context, _, _ string, _ any) error {
	return ErrUnavailable
}
