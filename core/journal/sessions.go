package journal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// PutSession inserts or updates a session row, keyed by SessionID.
func (s *Store) PutSession(ctx context.Context, sess Session) error {
	var pausedTotalMS int64
	if sess.PausedTotal > 0 {
		pausedTotalMS = sess.PausedTotal.Milliseconds()
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO sessions (session_id, file_id, role, filename, total_size, total_blocks, state, fingerprint, error_reason, paused_at, paused_total, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (session_id) DO UPDATE SET
	file_id      = EXCLUDED.file_id,
	role         = EXCLUDED.role,
	filename     = EXCLUDED.filename,
	total_size   = EXCLUDED.total_size,
	total_blocks = EXCLUDED.total_blocks,
	state        = EXCLUDED.state,
	fingerprint  = EXCLUDED.fingerprint,
	error_reason = EXCLUDED.error_reason,
	paused_at    = EXCLUDED.paused_at,
	paused_total = EXCLUDED.paused_total,
	updated_at   = now()
`, sess.SessionID, sess.FileID, sess.Role, sess.Filename, sess.TotalSize, sess.TotalBlocks,
		string(sess.State), sess.Fingerprint, sess.ErrorReason, sess.PausedAt, pausedTotalMS)
	return err
}

// GetSession fetches the row for sessionID, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
SELECT session_id, file_id, role, filename, total_size, total_blocks, state, fingerprint, error_reason, created_at, updated_at, paused_at, paused_total
FROM sessions WHERE session_id = $1
`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetAllSessions returns every session row, used at startup to resume
// sessions left `active` or `paused` across a process restart.
func (s *Store) GetAllSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
SELECT session_id, file_id, role, filename, total_size, total_blocks, state, fingerprint, error_reason, created_at, updated_at, paused_at, paused_total
FROM sessions
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// DeleteSession removes the row for sessionID.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return err
}

// ClearAll truncates both tables.
func (s *Store) ClearAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE blocks, sessions`)
	return err
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var state string
	var pausedTotalMS int64

	if err := row.Scan(&sess.SessionID, &sess.FileID, &sess.Role, &sess.Filename,
		&sess.TotalSize, &sess.TotalBlocks, &state,
		&sess.Fingerprint, &sess.ErrorReason, &sess.CreatedAt, &sess.UpdatedAt,
		&sess.PausedAt, &pausedTotalMS); err != nil {
		return nil, err
	}

	sess.State = SessionState(state)
	if pausedTotalMS > 0 {
		sess.PausedTotal = msDuration(pausedTotalMS)
	}
	return &sess, nil
}
