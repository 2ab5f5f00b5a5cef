package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/rani-wehbe/opticalsend/core/block"
	"github.com/rani-wehbe/opticalsend/core/journal"
	"github.com/rani-wehbe/opticalsend/internal/logger"
	"github.com/rani-wehbe/opticalsend/internal/metrics"
)

// Journal failures are transient until proven otherwise: writes are
// retried with exponential backoff (base 100ms, cap 5s, 5 attempts)
// before the engine gives up and fails the session with
// journal_unavailable.
const (
	journalRetryBase     = 100 * time.Millisecond
	journalRetryCap      = 5 * time.Second
	journalRetryAttempts = 5
)

// putBlockRetry writes a block row, retrying transient journal failures
// with exponential backoff. The error it returns after exhausting all
// attempts means the journal is unavailable.
func putBlockRetry(ctx context.Context, store journal.JournalStore, b journal.StoredBlock, log logger.Logger) error {
	return journalRetry(ctx, "put_block", log, func() error {
		return store.PutBlock(ctx, b)
	})
}

// putSessionRetry writes a session row with the same retry policy.
func putSessionRetry(ctx context.Context, store journal.JournalStore, sess journal.Session, log logger.Logger) error {
	return journalRetry(ctx, "put_session", log, func() error {
		return store.PutSession(ctx, sess)
	})
}

func journalRetry(ctx context.Context, op string, log logger.Logger, fn func() error) error {
	backoff := journalRetryBase
	var err error

	for attempt := 1; attempt <= journalRetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		metrics.JournalErrors.WithLabelValues(op).Inc()
		if attempt == journalRetryAttempts {
			break
		}
		log.Warn("journal operation failed, retrying",
			logger.String("op", op),
			logger.Int("attempt", attempt),
			logger.Duration("backoff", backoff),
			logger.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("journal_unavailable: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > journalRetryCap {
			backoff = journalRetryCap
		}
	}
	return fmt.Errorf("journal_unavailable: %w", err)
}

// FindResumable scans the journal for a session left active or paused by
// a previous process whose key-derivative fingerprint matches a newly
// derived key. A match means the peers re-ran the handshake and landed
// on the same key, so journaled progress can be adopted; no match means
// the transfer starts fresh.
func FindResumable(ctx context.Context, store journal.JournalStore, keyDerivative string, role Role) (*journal.Session, error) {
	if keyDerivative == "" {
		return nil, nil
	}
	sessions, err := store.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		sess := sessions[i]
		if sess.Role != string(role) || sess.Fingerprint != keyDerivative {
			continue
		}
		if sess.State == journal.SessionActive || sess.State == journal.SessionPaused {
			return &sess, nil
		}
	}
	return nil, nil
}

// completedSequences returns the set of sequences already journaled as
// completed for fileID, used on resume to skip re-emission and to
// rehydrate the receiver's payload tracker.
func completedSequences(ctx context.Context, store journal.JournalStore, fileID string) (map[int]journal.StoredBlock, error) {
	rows, err := store.GetBlocksForFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	done := make(map[int]journal.StoredBlock)
	for _, row := range rows {
		if row.State == block.StateCompleted {
			done[row.Seq] = row
		}
	}
	return done, nil
}
