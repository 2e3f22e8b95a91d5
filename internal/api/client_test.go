package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mattjoyce/conductor/internal/auth"
	"github.com/mattjoyce/conductor/internal/dispatch"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/metrics"
)

var errStop = errors.New("stop")

func TestClientStatusError(t *testing.T) {
	units := &fakeUnits{
		cancelFunc: func(ctx context.Context, id string) error {
			return dispatch.ErrNotCancellable
		},
	}
	ts := httptest.NewServer(newTestServer(units).Handler())
	defer ts.Close()

	_, err := NewClient(ts.URL, testKey).Cancel(context.Background(), "u1")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", se.StatusCode)
	}

	_, err = NewClient(ts.URL, "wrong").Snapshot(context.Background())
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestClientWatchReplaysAndStreams(t *testing.T) {
	hub := events.NewHub(16)
	s := New(Config{Tokens: []auth.TokenConfig{{Token: "w", Scopes: []string{auth.ScopeEventsRO}}}},
		&fakeUnits{snapshot: metrics.Snapshot{Healthy: true}}, hub, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	hub.Publish(events.TopicSubmitted, map[string]string{"unit_id": "a"})
	hub.Publish(events.TopicCompleted, map[string]string{"unit_id": "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []events.Event
	published := false
	err := NewClient(ts.URL, "w").Watch(ctx, 1, func(ev events.Event) error {
		got = append(got, ev)
		if !published {
			published = true
			hub.Publish(events.TopicFailed, map[string]string{"unit_id": "b"})
		}
		if len(got) == 2 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("expected errStop, got %v", err)
	}

	// Event 1 is skipped by Last-Event-ID.
	if got[0].ID != 2 || got[0].Type != events.TopicCompleted {
		t.Errorf("unexpected replayed event %+v", got[0])
	}
	if got[1].ID != 3 || got[1].Type != events.TopicFailed {
		t.Errorf("unexpected live event %+v", got[1])
	}
	if string(got[1].Data) != `{"unit_id":"b"}` {
		t.Errorf("unexpected data %s", got[1].Data)
	}
}

func TestClientWatchRequiresScope(t *testing.T) {
	ts := httptest.NewServer(newTestServer(&fakeUnits{},
		auth.TokenConfig{Token: "reader", Scopes: []string{auth.ScopeUnitsRO}}).Handler())
	defer ts.Close()

	err := NewClient(ts.URL, "reader").Watch(context.Background(), 0, func(events.Event) error { return nil })
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}
