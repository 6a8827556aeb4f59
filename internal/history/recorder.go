// Package history keeps an audit trail of generation sessions in PostgreSQL.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fooocusbot/internal/generation"
	"fooocusbot/internal/infra"
	"fooocusbot/internal/sqlinline"
)

const (
	writeTimeout     = 5 * time.Second
	defaultListLimit = 20
	maxListLimit     = 100
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("history: session not found")

// SessionRow is one stored session.
type SessionRow struct {
	ID         string     `json:"id"`
	Prompt     string     `json:"prompt"`
	Model      string     `json:"model"`
	ImageCount int        `json:"image_count"`
	Safety     string     `json:"safety"`
	Sync       bool       `json:"sync"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	StopReason string     `json:"stop_reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Recorder writes session lifecycle rows. Write failures are logged and never
// reach the session.
type Recorder struct {
	db     infra.SQLExecutor
	logger *infra.Logger
}

var _ generation.Observer = (*Recorder)(nil)

// NewRecorder wraps db, normally an *infra.SQLRunner.
func NewRecorder(db infra.SQLExecutor, logger *infra.Logger) *Recorder {
	return &Recorder{db: db, logger: infra.LoggerOrDiscard(logger)}
}

// EnsureSchema creates the history tables if they are missing.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, sqlinline.QEnsureGenerationTables); err != nil {
		return fmt.Errorf("history: ensure schema: %w", err)
	}
	return nil
}

func (r *Recorder) SessionStarted(ctx context.Context, info generation.SessionInfo) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	req := info.Request
	_, err := r.db.Exec(ctx, sqlinline.QInsertGenerationSession,
		info.ID,
		req.Prompt,
		req.Model,
		req.ImageCount,
		string(req.Safety),
		info.Sync,
		info.StartedAt,
	)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", info.ID).Msg("history: insert session failed")
	}
}

func (r *Recorder) ImageFinished(ctx context.Context, rec generation.ImageRecord) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	errText := ""
	if rec.Err != nil {
		errText = rec.Err.Error()
	}
	_, err := r.db.Exec(ctx, sqlinline.QInsertGenerationImage,
		rec.SessionID,
		rec.Index,
		rec.JobID,
		string(rec.Outcome),
		rec.Seed,
		errText,
		rec.Elapsed.Milliseconds(),
	)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", rec.SessionID).Int("image", rec.Index).Msg("history: insert image failed")
	}
}

func (r *Recorder) PollFailed(context.Context, generation.SessionInfo, error) {}

func (r *Recorder) SessionFinished(ctx context.Context, info generation.SessionInfo, sum generation.Summary) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	reason := ""
	if sum.Err != nil {
		reason = sum.Err.Error()
	}
	if _, err := r.db.Exec(ctx, sqlinline.QFinishGenerationSession, info.ID, sum.Succeeded, sum.Failed, reason); err != nil {
		r.logger.Error().Err(err).Str("session_id", info.ID).Msg("history: finish session failed")
	}
}

// Recent lists the newest sessions first. limit is clamped to [1,100].
func (r *Recorder) Recent(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := r.db.Query(ctx, sqlinline.QListRecentGenerationSessions, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SessionRow, 0, limit)
	for rows.Next() {
		var row SessionRow
		if err := rows.Scan(sessionDest(&row)...); err != nil {
			return nil, fmt.Errorf("history: scan session: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	return out, nil
}

// Session loads one session by id.
func (r *Recorder) Session(ctx context.Context, id string) (*SessionRow, error) {
	var row SessionRow
	if err := r.db.QueryRow(ctx, sqlinline.QSelectGenerationSession, id).Scan(sessionDest(&row)...); err != nil {
		if infra.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("history: load session %s: %w", id, err)
	}
	return &row, nil
}

func sessionDest(row *SessionRow) []any {
	return []any{
		&row.ID,
		&row.Prompt,
		&row.Model,
		&row.ImageCount,
		&row.Safety,
		&row.Sync,
		&row.Succeeded,
		&row.Failed,
		&row.StopReason,
		&row.StartedAt,
		&row.FinishedAt,
	}
}
