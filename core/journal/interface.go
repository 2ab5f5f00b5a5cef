package journal

import "context"

// JournalStore is the durable-state contract the transfer engine depends
// on. Store (Postgres) and MemoryStore both satisfy it.
type JournalStore interface {
	PutBlock(ctx context.Context, b StoredBlock) error
	GetBlock(ctx context.Context, fileID string, seq int) (*StoredBlock, error)
	GetBlocksForFile(ctx context.Context, fileID string) ([]StoredBlock, error)
	DeleteBlocksForFile(ctx context.Context, fileID string) error

	PutSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	GetAllSessions(ctx context.Context) ([]Session, error)
	DeleteSession(ctx context.Context, sessionID string) error

	ClearAll(ctx context.Context) error

	// Close releases the store's underlying resources. Idempotent; a
	// no-op for stores with nothing to release.
	Close()
}

var (
	_ JournalStore = (*Store)(nil)
	_ JournalStore = (*MemoryStore)(nil)
)
