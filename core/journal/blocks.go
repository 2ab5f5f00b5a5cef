package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rani-wehbe/opticalsend/core/block"
	"github.com/rani-wehbe/opticalsend/internal/metrics"
)

// PutBlock inserts or idempotently updates the (fileId, seq) row. The same
// pair may be written multiple times across retransmits; at most one row
// ever exists for it.
func (s *Store) PutBlock(ctx context.Context, b StoredBlock) error {
	defer observeJournalOp("put_block", time.Now())

	header, err := json.Marshal(b.Header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO blocks (file_id, seq, header, ciphertext, decompressed, state, retransmit_count, verified, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (file_id, seq) DO UPDATE SET
	header           = EXCLUDED.header,
	ciphertext       = EXCLUDED.ciphertext,
	decompressed     = EXCLUDED.decompressed,
	state            = EXCLUDED.state,
	retransmit_count = EXCLUDED.retransmit_count,
	verified         = EXCLUDED.verified,
	last_error       = EXCLUDED.last_error,
	updated_at       = now()
`, b.FileID, b.Seq, header, b.Ciphertext, b.Decompressed, string(b.State), b.RetransmitCount, b.Verified, b.LastError)
	if err != nil {
		metrics.JournalErrors.WithLabelValues("put_block").Inc()
	}
	return err
}

// GetBlock fetches the row for (fileID, seq), or ErrNotFound.
func (s *Store) GetBlock(ctx context.Context, fileID string, seq int) (*StoredBlock, error) {
	defer observeJournalOp("get_block", time.Now())

	row := s.pool.QueryRow(ctx, `
SELECT file_id, seq, header, ciphertext, decompressed, state, retransmit_count, verified, last_error, updated_at
FROM blocks WHERE file_id = $1 AND seq = $2
`, fileID, seq)

	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.JournalErrors.WithLabelValues("get_block").Inc()
		return nil, err
	}
	return b, nil
}

func observeJournalOp(op string, start time.Time) {
	metrics.JournalOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// GetBlocksForFile returns all rows for fileID, in no particular order;
// callers sort by sequence as needed (see block.Assemble).
func (s *Store) GetBlocksForFile(ctx context.Context, fileID string) ([]StoredBlock, error) {
	rows, err := s.pool.Query(ctx, `
SELECT file_id, seq, header, ciphertext, decompressed, state, retransmit_count, verified, last_error, updated_at
FROM blocks WHERE file_id = $1
`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// DeleteBlocksForFile removes every row for fileID.
func (s *Store) DeleteBlocksForFile(ctx context.Context, fileID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM blocks WHERE file_id = $1`, fileID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*StoredBlock, error) {
	var b StoredBlock
	var header []byte
	var state string

	if err := row.Scan(&b.FileID, &b.Seq, &header, &b.Ciphertext, &b.Decompressed, &state,
		&b.RetransmitCount, &b.Verified, &b.LastError, &b.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(header, &b.Header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	b.State = block.State(state)
	return &b, nil
}
