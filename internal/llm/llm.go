// Package llm is the boundary to the language model service. Executions talk
// to an Invoker; Anthropic speaks the Messages API and Mock serves offline
// runs and tests.
package llm

import (
	"context"
	"errors"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_invoker.go -package=mocks github.com/mattjoyce/conductor/internal/llm Invoker

// Invoker sends one prompt and returns the model's text. Implementations do
// not retry; the caller owns retry policy.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

// Request is a single-turn completion request.
type Request struct {
	Prompt    string
	System    string
	MaxTokens int
	// Temperature below zero selects the provider default; zero is valid.
	Temperature float64
	Model       string
}

// ErrTimeout marks calls that ran out of time, either on the request context
// or in the transport.
var ErrTimeout = errors.New("llm: timeout")

// ServiceError is a non-success response from the model service.
type ServiceError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *ServiceError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s service error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s service error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
}

// Retryable reports whether the failure is worth another attempt: rate
// limits, overload and server-side errors.
func (e *ServiceError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode == 529 || e.StatusCode >= 500
}
