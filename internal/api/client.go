package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/events"
)

// Client talks to a running conductor over its HTTP API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL with a 30s request timeout.
// Event streams are not subject to the timeout.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Submit queues a unit.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	var out SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/units", req, &out)
	return out, err
}

// Unit reads a unit's current view.
func (c *Client) Unit(ctx context.Context, id string) (UnitResponse, error) {
	var out UnitResponse
	err := c.do(ctx, http.MethodGet, "/v1/units/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Cancel cancels a pending unit.
func (c *Client) Cancel(ctx context.Context, id string) (CancelResponse, error) {
	var out CancelResponse
	err := c.do(ctx, http.MethodDelete, "/v1/units/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Snapshot reads the orchestrator snapshot.
func (c *Client) Snapshot(ctx context.Context) (SnapshotResponse, error) {
	var out SnapshotResponse
	err := c.do(ctx, http.MethodGet, "/v1/snapshot", nil, &out)
	return out, err
}

// Workers lists the worker roster.
func (c *Client) Workers(ctx context.Context) (WorkersResponse, error) {
	var out WorkersResponse
	err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &out)
	return out, err
}

// SetWorkerStatus takes a worker offline or returns it to idle.
func (c *Client) SetWorkerStatus(ctx context.Context, workerID, status string) (WorkerResponse, error) {
	var out WorkerResponse
	err := c.do(ctx, http.MethodPut, "/v1/workers/"+url.PathEscape(workerID)+"/status", WorkerStatusRequest{Status: status}, &out)
	return out, err
}

// Capabilities lists capabilities and their pool sizes.
func (c *Client) Capabilities(ctx context.Context) (CapabilitiesResponse, error) {
	var out CapabilitiesResponse
	err := c.do(ctx, http.MethodGet, "/v1/capabilities", nil, &out)
	return out, err
}

// Watch streams events to fn until ctx ends, the server closes the stream
// or fn returns an error. lastID resumes after that event.
func (c *Client) Watch(ctx context.Context, lastID int64, fn func(events.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	// The stream is long-lived, so bypass the client timeout.
	stream := *c.HTTP
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(current.Data) > 0 {
				current.At = time.Now()
				if err := fn(current); err != nil {
					return err
				}
			}
			current = events.Event{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(raw))
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
}
