// Package journal records the outcome of every override request the bridge
// receives from the bus.
package journal

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/espk-bridge/internal/journal Recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies what happened to one override request.
type Outcome string

const (
	OutcomeForwarded  Outcome = "forwarded"
	OutcomeClamped    Outcome = "clamped"
	OutcomeRejected   Outcome = "rejected"
	OutcomeSendFailed Outcome = "send_failed"
	OutcomeStale      Outcome = "stale"
)

// Fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

// Entry is one journal row.
type Entry struct {
	ID           string    `json:"id"`
	TargetID     int       `json:"target_id"`
	Subject      string    `json:"subject"`
	Requested    []int     `json:"requested_channels"`
	Forwarded    []int     `json:"forwarded_channels,omitempty"`
	DurationMS   int       `json:"duration_ms"`
	BypassSafety bool      `json:"bypass_safety"`
	Outcome      Outcome   `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Recorder is what the bridge needs to log an outcome.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Journal is the SQLite-backed Recorder.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// Record inserts e, assigning an id and timestamp when unset.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Outcome == "" {
		return fmt.Errorf("outcome is empty")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}

	requested, err := encodeChannels(e.Requested)
	if err != nil {
		return err
	}
	forwarded, err := encodeChannels(e.Forwarded)
	if err != nil {
		return err
	}
	var errText any
	if e.Error != "" {
		errText = e.Error
	}

	_, err = j.db.ExecContext(ctx, `
INSERT INTO override_log(
  id, target_id, subject, requested_channels, forwarded_channels,
  duration_ms, bypass_safety, outcome, error, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.TargetID, e.Subject, requested, forwarded,
		e.DurationMS, boolToInt(e.BypassSafety), string(e.Outcome), errText,
		e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record override: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, target_id, subject, requested_channels, forwarded_channels,
       duration_ms, bypass_safety, outcome, error, created_at
FROM override_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e          Entry
			requested  sql.NullString
			forwarded  sql.NullString
			bypass     int
			outcome    string
			errText    sql.NullString
			createdAtS string
		)
		if err := rows.Scan(
			&e.ID, &e.TargetID, &e.Subject, &requested, &forwarded,
			&e.DurationMS, &bypass, &outcome, &errText, &createdAtS,
		); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		if e.Requested, err = decodeChannels(requested); err != nil {
			return nil, err
		}
		if e.Forwarded, err = decodeChannels(forwarded); err != nil {
			return nil, err
		}
		e.BypassSafety = bypass != 0
		e.Outcome = Outcome(outcome)
		if errText.Valid {
			e.Error = errText.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overrides: %w", err)
	}
	return out, nil
}

// Prune deletes entries older than retention and reports how many went.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := j.now().Add(-retention).UTC().Format(timeLayout)
	res, err := j.db.ExecContext(ctx, `DELETE FROM override_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune overrides: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune overrides: %w", err)
	}
	return n, nil
}

func encodeChannels(ch []int) (any, error) {
	if ch == nil {
		return nil, nil
	}
	b, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("encode channels: %w", err)
	}
	return string(b), nil
}

func decodeChannels(s sql.NullString) ([]int, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var ch []int
	if err := json.Unmarshal([]byte(s.String), &ch); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	return ch, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
