package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/conductor/internal/llm"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/unit"
)

// Defaults apply to roles that do not set their own model parameters.
type Defaults struct {
	MaxTokens   int
	Temperature float64
}

// Result is what a unit's Result holds after a successful execution.
type Result struct {
	Role       string          `json:"role"`
	Capability unit.Capability `json:"capability"`
	Kind       string          `json:"kind"`
	Structured
}

// Runner executes units by prompting the model with the capability's role.
type Runner struct {
	invoker  llm.Invoker
	defaults Defaults
	logger   *slog.Logger
}

func NewRunner(invoker llm.Invoker, defaults Defaults) *Runner {
	return &Runner{
		invoker:  invoker,
		defaults: defaults,
		logger:   log.WithComponent("agent"),
	}
}

// Execute runs one attempt of u. Invoker errors are returned as-is (wrapped)
// so the caller can classify timeouts; an unparseable reply is not an error.
func (r *Runner) Execute(ctx context.Context, u *unit.Unit) (json.RawMessage, error) {
	role, ok := Lookup(u.Capability)
	if !ok {
		return nil, fmt.Errorf("no role for capability %q", u.Capability)
	}
	prompt, err := BuildPrompt(role, u.Kind, u.Payload)
	if err != nil {
		return nil, err
	}

	req := llm.Request{
		Prompt:      prompt,
		System:      role.SystemPrompt(),
		MaxTokens:   r.defaults.MaxTokens,
		Temperature: r.defaults.Temperature,
	}
	if role.MaxTokens > 0 {
		req.MaxTokens = role.MaxTokens
	}
	if role.Temperature != nil {
		req.Temperature = *role.Temperature
	}

	text, err := r.invoker.Invoke(ctx, req)
	if err != nil {
		var se *llm.ServiceError
		if errors.As(err, &se) {
			r.logger.Warn("model call failed",
				"unit_id", u.ID,
				"status", se.StatusCode,
				"retryable", se.Retryable(),
			)
		}
		return nil, fmt.Errorf("invoke %s: %w", role.Name, err)
	}

	s, err := Parse(text)
	if err != nil {
		r.logger.Debug("response not structured, using fallback", "unit_id", u.ID, "capability", u.Capability, "error", err)
		s = Fallback(text)
	}

	out, err := json.Marshal(Result{
		Role:       role.Name,
		Capability: u.Capability,
		Kind:       u.Kind,
		Structured: s,
	})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}
