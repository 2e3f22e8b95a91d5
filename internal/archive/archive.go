// Package archive persists terminal units in SQLite so their status stays
// queryable after the in-memory completed map evicts them.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/conductor/internal/storage"
	"github.com/mattjoyce/conductor/internal/unit"
)

// ErrNotFound is returned by Get for ids never archived or already pruned.
var ErrNotFound = errors.New("archive: unit not found")

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Archive struct {
	db    *sql.DB
	owned bool
	now   func() time.Time
}

// New wraps an already bootstrapped database. Close does not close db.
func New(db *sql.DB) *Archive {
	return &Archive{db: db, now: time.Now}
}

// Open opens the SQLite file at path and owns the connection.
func Open(ctx context.Context, path string) (*Archive, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a := New(db)
	a.owned = true
	return a, nil
}

func (a *Archive) Close() error {
	if !a.owned {
		return nil
	}
	return a.db.Close()
}

// Record stores a terminal unit, replacing any earlier row for the id.
func (a *Archive) Record(ctx context.Context, u *unit.Unit) error {
	if !u.State.Terminal() {
		return fmt.Errorf("archive unit %s: state %s is not terminal", u.ID, u.State)
	}
	completedAt := a.now()
	if u.CompletedAt != nil {
		completedAt = *u.CompletedAt
	}

	_, err := a.db.ExecContext(ctx, `
INSERT OR REPLACE INTO unit_log(
  id, capability, kind, priority, state, payload, result, last_error,
  attempt_count, max_attempts, worker_id, cache_hit, created_at, assigned_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		u.ID, string(u.Capability), u.Kind, u.Priority.String(), string(u.State),
		nullJSON(u.Payload), nullJSON(u.Result), nullString(u.Error),
		u.AttemptCount, u.MaxAttempts, nullString(u.WorkerID), u.CacheHit,
		formatTime(u.CreatedAt), nullTime(u.AssignedAt), formatTime(completedAt),
	)
	if err != nil {
		return fmt.Errorf("insert unit_log: %w", err)
	}
	return nil
}

// Get loads an archived unit.
func (a *Archive) Get(ctx context.Context, id string) (*unit.Unit, error) {
	var (
		u                                unit.Unit
		capability, priority, state      string
		payload, result, lastErr, worker sql.NullString
		createdAt, completedAt           string
		assignedAt                       sql.NullString
	)
	err := a.db.QueryRowContext(ctx, `
SELECT id, capability, kind, priority, state, payload, result, last_error,
       attempt_count, max_attempts, worker_id, cache_hit, created_at, assigned_at, completed_at
FROM unit_log WHERE id = ?;
`, id).Scan(
		&u.ID, &capability, &u.Kind, &priority, &state, &payload, &result, &lastErr,
		&u.AttemptCount, &u.MaxAttempts, &worker, &u.CacheHit, &createdAt, &assignedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select unit_log: %w", err)
	}

	u.Capability = unit.Capability(capability)
	u.State = unit.State(state)
	if u.Priority, err = unit.ParsePriority(priority); err != nil {
		return nil, fmt.Errorf("unit %s: %w", id, err)
	}
	if payload.Valid {
		u.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		u.Result = json.RawMessage(result.String)
	}
	u.Error = lastErr.String
	u.WorkerID = worker.String

	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		u.CreatedAt = t
	}
	if assignedAt.Valid {
		if t, err := time.Parse(timeLayout, assignedAt.String); err == nil {
			u.AssignedAt = &t
		}
	}
	if t, err := time.Parse(timeLayout, completedAt); err == nil {
		u.CompletedAt = &t
	}
	return &u, nil
}

// Prune deletes units completed more than retention ago and returns how many
// rows went.
func (a *Archive) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(a.now().Add(-retention))
	res, err := a.db.ExecContext(ctx, `DELETE FROM unit_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune unit_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune unit_log rows: %w", err)
	}
	return n, nil
}

// Count returns the number of archived units.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unit_log;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unit_log: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
