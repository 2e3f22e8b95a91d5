package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/conductor/internal/events"
)

var keepAliveInterval = 15 * time.Second

// sseStream writes server-sent events and remembers the last id sent, so
// replayed and live events never repeat.
type sseStream struct {
	w      http.ResponseWriter
	f      http.Flusher
	lastID int64
}

func (s *sseStream) send(ev events.Event) error {
	if ev.ID <= s.lastID {
		return nil
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Payloads are single-line JSON.
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	s.lastID = ev.ID
	return nil
}

func (s *sseStream) ping() error {
	_, err := fmt.Fprint(s.w, ": keep-alive\n\n")
	return err
}

// handleEvents streams unit lifecycle and maintenance events. A client
// reconnecting with Last-Event-ID gets whatever the hub still holds after
// that id before the live feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe first: anything published during the replay arrives on ch.
	ch, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	stream := &sseStream{w: w, f: flusher, lastID: parseLastEventID(r.Header.Get("Last-Event-ID"))}
	for _, ev := range s.events.SnapshotSince(stream.lastID) {
		if stream.send(ev) != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			err = stream.send(ev)
		case <-ticker.C:
			err = stream.ping()
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
