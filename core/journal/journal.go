// Package journal implements the durable store of record for block and
// session state: two logical tables, blocks keyed by (fileId, seq) and
// sessions keyed by sessionId, backed by Postgres via pgx.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rani-wehbe/opticalsend/core/block"
)

// SessionState is a transfer session's lifecycle state.
type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

// Session is the durable row describing one transfer's overall state.
// Fingerprint is a truncated hash of the derived session key, used to
// match journaled progress against a freshly derived key on resume; the
// key itself is never stored.
type Session struct {
	SessionID   string
	FileID      string
	Role        string
	Filename    string
	TotalSize   int64
	TotalBlocks int
	State       SessionState
	Fingerprint string
	ErrorReason string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PausedAt    *time.Time
	PausedTotal time.Duration
}

// StoredBlock is the durable row for one (fileId, seq) pair: the header,
// ciphertext, and delivery state. Decompressed holds the decrypted,
// decompressed payload and is set only after a successful receive.
// Unlike block.Record it is the journal's own shape, decoupled from the
// in-memory transfer engine view.
type StoredBlock struct {
	FileID          string
	Seq             int
	Header          block.Header
	Ciphertext      []byte
	Decompressed    []byte
	State           block.State
	RetransmitCount int
	Verified        bool
	LastError       string
	UpdatedAt       time.Time
}

// ErrNotFound is returned by Get-style lookups that find no row.
var ErrNotFound = errors.New("journal: not found")

// Config holds the connection parameters for the durable store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store wraps a pgx connection pool and exposes the block and session
// sub-stores. The journal exclusively owns durable state; callers hold
// only shared, in-memory views.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and prepares the schema if absent.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString(cfg))
	if err != nil {
		return nil, err
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS blocks (
	file_id          TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	header           JSONB NOT NULL,
	ciphertext       BYTEA NOT NULL,
	decompressed     BYTEA,
	state            TEXT NOT NULL,
	retransmit_count INTEGER NOT NULL DEFAULT 0,
	verified         BOOLEAN NOT NULL DEFAULT FALSE,
	last_error       TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (file_id, seq)
);

CREATE INDEX IF NOT EXISTS blocks_file_id_idx ON blocks (file_id);
CREATE INDEX IF NOT EXISTS blocks_state_idx ON blocks (state);

CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	file_id      TEXT NOT NULL,
	role         TEXT NOT NULL DEFAULT '',
	filename     TEXT NOT NULL,
	total_size   BIGINT NOT NULL DEFAULT 0,
	total_blocks INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL,
	fingerprint  TEXT NOT NULL DEFAULT '',
	error_reason TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	paused_at    TIMESTAMPTZ,
	paused_total BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS sessions_file_id_idx ON sessions (file_id);
`)
	return err
}

func connString(cfg Config) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
}
