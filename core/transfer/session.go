package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rani-wehbe/opticalsend/core/journal"
)

// Role names which side of the transfer a session represents.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// State is a session's overall lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Session is the in-memory record of one transfer, created at handshake
// finalization and mutated by the sender or receiver pipeline.
type Session struct {
	mu sync.Mutex

	ID          string
	Role        Role
	FileID      string
	Filename    string
	TotalSize   int64
	TotalBlocks int
	Fingerprint string

	CreatedAt time.Time
	UpdatedAt time.Time

	state       State
	errorReason string

	pausedAt    time.Time
	pausedTotal time.Duration

	completed   int
	failed      int
	retransmits int
	startedAt   time.Time
	bytesMoved  int64
}

// NewSession allocates a session in the pending state.
func NewSession(role Role, fileID, filename string, totalSize int64, totalBlocks int, fingerprint string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          uuid.NewString(),
		Role:        role,
		FileID:      fileID,
		Filename:    filename,
		TotalSize:   totalSize,
		TotalBlocks: totalBlocks,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
		state:       StatePending,
		startedAt:   now,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorReason returns the structured reason recorded on failure.
func (s *Session) ErrorReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorReason
}

// Activate transitions pending -> active.
func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActive
	s.UpdatedAt = time.Now().UTC()
}

// Pause sets state to paused and freezes the elapsed-time counter by
// recording the pause start, per §4.6.5.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.state = StatePaused
	s.pausedAt = time.Now().UTC()
	s.UpdatedAt = s.pausedAt
}

// Resume subtracts the pause duration from elapsed time and returns to
// active, per §4.6.5.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return
	}
	s.pausedTotal += time.Since(s.pausedAt)
	s.state = StateActive
	s.UpdatedAt = time.Now().UTC()
}

// Complete marks the session completed, the terminal success state.
func (s *Session) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateCompleted
	s.UpdatedAt = time.Now().UTC()
}

// Fail marks the session failed with a structured reason, the terminal
// error state. Every non-recovered failure takes this path.
func (s *Session) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
	s.errorReason = reason
	s.UpdatedAt = time.Now().UTC()
}

// RecordCompleted increments the completed-block counter and the bytes
// moved, feeding the speed/ETA estimate in Snapshot.
func (s *Session) RecordCompleted(payloadSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.bytesMoved += int64(payloadSize)
	s.UpdatedAt = time.Now().UTC()
}

// RecordFailed increments the failed/skipped-block counter.
func (s *Session) RecordFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	s.UpdatedAt = time.Now().UTC()
}

// RecordRetransmit increments the retransmit counter.
func (s *Session) RecordRetransmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retransmits++
}

// ToJournal produces the durable session row for the current state. The
// session key itself never appears here; Fingerprint is the truncated
// key derivative used for resume matching.
func (s *Session) ToJournal() journal.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := journal.Session{
		SessionID:   s.ID,
		FileID:      s.FileID,
		Role:        string(s.Role),
		Filename:    s.Filename,
		TotalSize:   s.TotalSize,
		TotalBlocks: s.TotalBlocks,
		State:       journal.SessionState(s.state),
		Fingerprint: s.Fingerprint,
		ErrorReason: s.errorReason,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		PausedTotal: s.pausedTotal,
	}
	if s.state == StatePaused {
		pausedAt := s.pausedAt
		row.PausedAt = &pausedAt
	}
	return row
}

// Progress is the user-visible live status of a session.
type Progress struct {
	Percent     float64
	Completed   int
	Failed      int
	Retransmits int
	SpeedBps    float64
	ETA         time.Duration
	Fingerprint string
	State       State
}

// Snapshot computes the current Progress, per §7's user-visible
// behavior contract (percent, completed/failed counts, retransmit
// count, speed, ETA, fingerprint, state).
func (s *Session) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	var percent float64
	if s.TotalBlocks > 0 {
		percent = 100 * float64(s.completed) / float64(s.TotalBlocks)
	}

	elapsed := time.Since(s.startedAt) - s.pausedTotal
	if s.state == StatePaused {
		elapsed -= time.Since(s.pausedAt)
	}

	var speed float64
	if elapsed > 0 {
		speed = float64(s.bytesMoved) / elapsed.Seconds()
	}

	var eta time.Duration
	if speed > 0 && s.TotalBlocks > 0 {
		remaining := s.TotalBlocks - s.completed
		if remaining > 0 && s.completed > 0 {
			avgBytesPerBlock := float64(s.bytesMoved) / float64(s.completed)
			eta = time.Duration(float64(remaining) * avgBytesPerBlock / speed * float64(time.Second))
		}
	}

	return Progress{
		Percent:     percent,
		Completed:   s.completed,
		Failed:      s.failed,
		Retransmits: s.retransmits,
		SpeedBps:    speed,
		ETA:         eta,
		Fingerprint: s.Fingerprint,
		State:       s.state,
	}
}
