package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL     = "https://api.anthropic.com"
	DefaultAPIVersion  = "2023-06-01"
	DefaultModel       = "claude-sonnet-4-20250514"
	DefaultTimeout     = 60 * time.Second
	DefaultMaxTokens   = 4000
	DefaultTemperature = 0.7
)

// HTTPClient is the transport used by Anthropic.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// AnthropicConfig configures the Messages API client. Only APIKey is required.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Model      string
	Timeout    time.Duration
	MaxTokens  int
	// Temperature is used when a request leaves its own below zero.
	Temperature float64
	HTTPClient  HTTPClient
}

// Anthropic invokes Claude through POST /v1/messages.
type Anthropic struct {
	apiKey      string
	baseURL     string
	apiVersion  string
	model       string
	maxTokens   int
	temperature float64
	client      HTTPClient

	mu      sync.RWMutex
	healthy bool
}

var _ Invoker = (*Anthropic)(nil)

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Anthropic{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion:  cfg.APIVersion,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      cfg.HTTPClient,
		healthy:     true,
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// IsHealthy is false after a transport failure or a 5xx until the next success.
func (a *Anthropic) IsHealthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.healthy
}

func (a *Anthropic) setHealthy(healthy bool) {
	a.mu.Lock()
	a.healthy = healthy
	a.mu.Unlock()
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Invoke sends req as a single user message and concatenates the text blocks
// of the reply.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	temperature := req.Temperature
	if temperature < 0 {
		temperature = a.temperature
	}

	body, err := json.Marshal(messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: &temperature,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", a.apiVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		a.setHealthy(false)
		if isTimeout(ctx, err) {
			return "", fmt.Errorf("%w: anthropic request: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode >= 500 {
			a.setHealthy(false)
		}
		return "", parseAPIError(resp.StatusCode, raw)
	}
	a.setHealthy(true)

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if isTimeout(ctx, err) {
			return "", fmt.Errorf("%w: read response: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

func parseAPIError(status int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	se := &ServiceError{Provider: "anthropic", StatusCode: status}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		se.Message = strings.TrimSpace(string(body))
		return se
	}
	se.Type = errResp.Error.Type
	se.Message = errResp.Error.Message
	return se
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
