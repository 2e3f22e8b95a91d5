package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockMode selects how Mock answers.
type MockMode string

const (
	// MockEcho answers with the prompt prefixed by "Echo: ".
	MockEcho MockMode = "echo"
	// MockFixed always answers with the first configured response.
	MockFixed MockMode = "fixed"
	// MockFixtures rotates through the configured responses.
	MockFixtures MockMode = "fixtures"
	// MockError always fails.
	MockError MockMode = "error"
)

// ErrMock is returned by Mock in error mode.
var ErrMock = errors.New("mock llm error")

type MockConfig struct {
	Mode      MockMode
	Responses []string
	// Delay simulates latency; the call returns early if ctx ends first.
	Delay time.Duration
	// ErrorAfter makes every call after the first N fail. Zero disables it.
	ErrorAfter int
}

// Mock is an offline Invoker. It is safe for concurrent use.
type Mock struct {
	cfg MockConfig

	mu    sync.Mutex
	calls int
	next  int
}

var _ Invoker = (*Mock)(nil)

func NewMock(cfg MockConfig) *Mock {
	if cfg.Mode == "" {
		cfg.Mode = MockEcho
	}
	return &Mock{cfg: cfg}
}

func (m *Mock) Invoke(ctx context.Context, req Request) (string, error) {
	if m.cfg.Delay > 0 {
		timer := time.NewTimer(m.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.cfg.ErrorAfter > 0 && m.calls > m.cfg.ErrorAfter {
		return "", fmt.Errorf("%w after %d calls", ErrMock, m.cfg.ErrorAfter)
	}

	switch m.cfg.Mode {
	case MockError:
		return "", ErrMock
	case MockFixed:
		if len(m.cfg.Responses) == 0 {
			return "", nil
		}
		return m.cfg.Responses[0], nil
	case MockFixtures:
		if len(m.cfg.Responses) == 0 {
			return "", nil
		}
		out := m.cfg.Responses[m.next%len(m.cfg.Responses)]
		m.next++
		return out, nil
	default:
		return "Echo: " + req.Prompt, nil
	}
}

// Calls returns how many times Invoke reached the response logic.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
