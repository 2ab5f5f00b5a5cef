package journal

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory journal used by tests and by the CLI when no
// Postgres DSN is configured. It implements the same block/session surface
// as Store without the durability guarantee.
type MemoryStore struct {
	mu       sync.RWMutex
	blocks   map[string]map[int]StoredBlock
	sessions map[string]Session
}

// NewMemoryStore returns an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:   make(map[string]map[int]StoredBlock),
		sessions: make(map[string]Session),
	}
}

func (m *MemoryStore) PutBlock(_ context.Context, b StoredBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blocks[b.FileID] == nil {
		m.blocks[b.FileID] = make(map[int]StoredBlock)
	}
	m.blocks[b.FileID][b.Seq] = b
	return nil
}

func (m *MemoryStore) GetBlock(_ context.Context, fileID string, seq int) (*StoredBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byFile, ok := m.blocks[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	b, ok := byFile[seq]
	if !ok {
		return nil, ErrNotFound
	}
	out := b
	return &out, nil
}

func (m *MemoryStore) GetBlocksForFile(_ context.Context, fileID string) ([]StoredBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byFile := m.blocks[fileID]
	out := make([]StoredBlock, 0, len(byFile))
	seqs := make([]int, 0, len(byFile))
	for seq := range byFile {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	for _, seq := range seqs {
		out = append(out, byFile[seq])
	}
	return out, nil
}

func (m *MemoryStore) DeleteBlocksForFile(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, fileID)
	return nil
}

func (m *MemoryStore) PutSession(_ context.Context, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.SessionID] = sess
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := sess
	return &out, nil
}

func (m *MemoryStore) GetAllSessions(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = make(map[string]map[int]StoredBlock)
	m.sessions = make(map[string]Session)
	return nil
}

func (m *MemoryStore) Close() {}
