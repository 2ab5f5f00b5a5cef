package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rani-wehbe/opticalsend/config"
	"github.com/rani-wehbe/opticalsend/core/block"
	"github.com/rani-wehbe/opticalsend/core/crypto"
	"github.com/rani-wehbe/opticalsend/core/journal"
	"github.com/rani-wehbe/opticalsend/core/transport"
	"github.com/rani-wehbe/opticalsend/internal/logger"
	"github.com/rani-wehbe/opticalsend/internal/metrics"
)

// Sender drives the sender pipeline described in §4.6.1: chunk, encrypt,
// enqueue, emit over both channels, handle ACK/NACK, and emit the
// manifest on completion. If the journal holds an active or paused
// session whose key derivative matches the current session key, Send
// adopts its progress instead of starting over.
type Sender struct {
	cfg        *config.EngineConfig
	store      journal.JournalStore
	visual     transport.Adapter
	binary     transport.Adapter
	sessionKey []byte
	derivative string
	log        logger.Logger

	// binMu serializes binary sends so a heartbeat can never interleave
	// between a block announcement and its ciphertext.
	binMu sync.Mutex

	mu        sync.Mutex
	records   map[int]*block.Record
	session   *Session
	pauseFlag bool
	stopFlag  bool
}

// NewSender constructs a sender bound to a durable store and a pair of
// transport adapters (binary may be nil).
func NewSender(cfg *config.EngineConfig, store journal.JournalStore, visual, binary transport.Adapter, sessionKey []byte, log logger.Logger) *Sender {
	return &Sender{
		cfg:        cfg,
		store:      store,
		visual:     visual,
		binary:     binary,
		sessionKey: sessionKey,
		derivative: crypto.KeyDerivative(sessionKey),
		log:        log,
		records:    make(map[int]*block.Record),
	}
}

// Send runs the full sender pipeline over data and blocks until the
// transfer reaches a terminal state or ctx is cancelled.
func (s *Sender) Send(ctx context.Context, filename string, data []byte) (*Session, error) {
	chunks := block.Chunk(data, s.cfg.BlockSize)
	total := len(chunks)

	fileID := uuid.NewString()
	completed := map[int]journal.StoredBlock{}

	prior, err := FindResumable(ctx, s.store, s.derivative, RoleSender)
	if err != nil {
		s.log.Warn("resume scan failed, starting fresh", logger.Error(err))
	} else if prior != nil {
		fileID = prior.FileID
		if done, err := completedSequences(ctx, s.store, fileID); err == nil {
			completed = done
		}
		s.log.Info("resuming journaled session",
			logger.String("session_id", prior.SessionID),
			logger.String("file_id", fileID),
			logger.Int("completed", len(completed)))
	}

	s.session = NewSession(RoleSender, fileID, filename, int64(len(data)), total, s.derivative)
	if prior != nil {
		s.session.ID = prior.SessionID
		s.session.CreatedAt = prior.CreatedAt
	}
	s.session.Activate()
	metrics.SessionsActive.Inc()
	s.persistSession(ctx)

	if err := s.buildAndPersist(ctx, fileID, chunks, completed); err != nil {
		return s.finish(ctx, total, "journal_unavailable"), err
	}

	if s.binary != nil {
		s.binary.OnInbound(s.handleControl)
	}
	s.visual.OnInbound(s.handleControl)

	stopHeartbeat := s.startHeartbeat(ctx)
	defer stopHeartbeat()

	s.emitLoop(ctx, total)

	manifest := block.BuildManifest(fileID, filename, data, total)
	s.emitManifest(ctx, manifest)

	return s.finish(ctx, total, "missing_blocks"), nil
}

// finish records the terminal session state: completed when every block
// was acknowledged, failed with failReason otherwise.
func (s *Sender) finish(ctx context.Context, total int, failReason string) *Session {
	metrics.SessionsActive.Dec()
	if s.allCompleted(total) {
		s.session.Complete()
		metrics.SessionsTerminal.WithLabelValues(string(StateCompleted), "").Inc()
	} else {
		s.session.Fail(failReason)
		metrics.SessionsTerminal.WithLabelValues(string(StateFailed), failReason).Inc()
	}
	s.persistSession(ctx)
	return s.session
}

// Pause requests cooperative suspension; observed at the next emission
// loop iteration, per §5's suspension-point model.
func (s *Sender) Pause() {
	s.mu.Lock()
	s.pauseFlag = true
	s.mu.Unlock()
	s.session.Pause()
	s.persistSession(context.Background())
}

// Resume clears the suspension flag and resumes emission bookkeeping.
func (s *Sender) Resume() {
	s.mu.Lock()
	s.pauseFlag = false
	s.mu.Unlock()
	s.session.Resume()
	s.persistSession(context.Background())
}

// Stop requests that the emission loop halt at the next block boundary.
func (s *Sender) Stop() {
	s.mu.Lock()
	s.stopFlag = true
	s.pauseFlag = false
	s.mu.Unlock()
}

func (s *Sender) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopFlag
}

func (s *Sender) paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseFlag
}

// awaitResume blocks while the sender is paused. Returns false once a
// stop or ctx cancellation arrives instead of a resume.
func (s *Sender) awaitResume(ctx context.Context) bool {
	for s.paused() {
		if s.stopRequested() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
	return !s.stopRequested()
}

func (s *Sender) persistSession(ctx context.Context) {
	if err := putSessionRetry(ctx, s.store, s.session.ToJournal(), s.log); err != nil {
		s.log.Error("session row write failed", logger.Error(err))
	}
}

// buildAndPersist runs codec selection, hashing, and encryption for
// every chunk concurrently (CPU-bound work offloaded to a worker pool,
// per §5), then persists an initial pending journal entry for each.
// Sequences already journaled as completed by a resumed session keep
// their journal rows and start out completed in memory.
func (s *Sender) buildAndPersist(ctx context.Context, fileID string, chunks [][]byte, completed map[int]journal.StoredBlock) error {
	total := len(chunks)
	records := make([]*block.Record, total)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			rec, err := block.Build(fileID, i, total, chunk, s.sessionKey)
			if err != nil {
				return fmt.Errorf("build block %d: %w", i, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, rec := range records {
		if _, done := completed[i]; done {
			rec.State = block.StateCompleted
			rec.Verified = true
			continue
		}
		if err := putBlockRetry(ctx, s.store, journal.StoredBlock{
			FileID:     fileID,
			Seq:        i,
			Header:     rec.Header,
			Ciphertext: rec.Ciphertext,
			State:      block.StatePending,
		}, s.log); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for i, rec := range records {
		s.records[i] = rec
	}
	s.mu.Unlock()

	for range completed {
		s.session.RecordCompleted(0)
	}
	return nil
}

// emitLoop repeats emission rounds until every block is terminal
// (completed or skipped), a stop arrives, or ctx ends. Blocks are
// re-emitted each round until acknowledged; a block that exhausts
// max_retransmits_per_block attempts without an ACK goes terminal
// skipped, and the transfer carries on without it.
func (s *Sender) emitLoop(ctx context.Context, total int) {
	for {
		if !s.awaitResume(ctx) || ctx.Err() != nil {
			return
		}

		pending := s.pendingSeqs(total)
		if len(pending) == 0 {
			return
		}

		for _, seq := range pending {
			if s.stopRequested() || s.paused() || ctx.Err() != nil {
				break
			}
			s.mu.Lock()
			rec := s.records[seq]
			s.mu.Unlock()
			if rec == nil || rec.State == block.StateCompleted || rec.State == block.StateSkipped {
				continue
			}
			if rec.Attempts >= s.cfg.MaxRetransmitsPerBlock {
				s.skip(ctx, seq, rec)
				continue
			}
			if err := s.emit(ctx, seq); err != nil {
				s.log.Error("emit block failed", logger.Int("seq", seq), logger.Error(err))
			}
		}

		s.awaitAcks(ctx, total)
	}
}

// awaitAcks gives in-flight acknowledgements time to land before the
// next emission round, polling until every block is terminal or the
// per-block delivery timeout elapses.
func (s *Sender) awaitAcks(ctx context.Context, total int) {
	timeout := s.cfg.BlockTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.pendingSeqs(total)) == 0 || s.stopRequested() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Sender) pendingSeqs(total int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []int
	for i := 0; i < total; i++ {
		rec, ok := s.records[i]
		if !ok || (rec.State != block.StateCompleted && rec.State != block.StateSkipped) {
			pending = append(pending, i)
		}
	}
	return pending
}

func (s *Sender) skip(ctx context.Context, seq int, rec *block.Record) {
	rec.State = block.StateSkipped
	s.session.RecordFailed()
	metrics.BlocksSkipped.Inc()
	s.log.Warn("block skipped after max attempts",
		logger.Int("seq", seq),
		logger.Int("attempts", rec.Attempts),
		logger.String("last_error", rec.LastError))
	_ = putBlockRetry(ctx, s.store, journal.StoredBlock{
		FileID:          rec.Header.FileID,
		Seq:             seq,
		Header:          rec.Header,
		Ciphertext:      rec.Ciphertext,
		State:           block.StateSkipped,
		RetransmitCount: rec.RetransmitCount,
		LastError:       rec.LastError,
	}, s.log)
}

// emit sends one block over both channels per the dual-channel
// redundant policy in §4.6.1 step 2.
func (s *Sender) emit(ctx context.Context, seq int) error {
	s.mu.Lock()
	rec := s.records[seq]
	s.mu.Unlock()
	if rec == nil || rec.State == block.StateCompleted || rec.State == block.StateSkipped {
		return nil
	}

	rec.State = block.StateSending
	rec.Attempts++

	if s.binary != nil {
		if s.waitForBinaryDrain(ctx) {
			ann := newAnnouncement(seq, rec.Header, len(rec.Ciphertext))
			if raw, err := json.Marshal(ann); err == nil {
				s.binMu.Lock()
				if err := s.binary.SendBinary(ctx, raw); err == nil {
					if err := s.binary.SendBinary(ctx, rec.Ciphertext); err == nil {
						rec.SentOverBinary = true
						metrics.BlocksEmitted.WithLabelValues("binary").Inc()
					}
				}
				s.binMu.Unlock()
			}
		}
	}

	frames := splitVisualFrames(mustMarshalVisual(rec), kindBlock, s.cfg.VisualFrameCapacity, s.cfg.VisualSafetyFactor)
	for _, f := range frames {
		if err := s.visual.SendFrame(ctx, f); err != nil {
			return err
		}
		time.Sleep(time.Duration(s.cfg.VisualHoldMS) * time.Millisecond)
	}
	rec.SentOverVisual = true
	metrics.BlocksEmitted.WithLabelValues("visual").Inc()
	return nil
}

// waitForBinaryDrain cooperatively suspends emission until the binary
// channel's backlog is at or below binary_watermark, or ctx ends.
func (s *Sender) waitForBinaryDrain(ctx context.Context) bool {
	for {
		if s.binary.PollBufferedAmount() <= s.cfg.BinaryWatermark {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// startHeartbeat emits a liveness control message on the binary channel
// at the configured interval until the returned stop function is called.
func (s *Sender) startHeartbeat(ctx context.Context) func() {
	if s.binary == nil || s.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		raw, _ := json.Marshal(Heartbeat{Type: ControlHeartbeat})
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.binMu.Lock()
				_ = s.binary.SendBinary(ctx, raw)
				s.binMu.Unlock()
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// visualBlockFrame is the self-contained visual-channel rendering of a
// block: header and ciphertext together, since the visual channel has
// no separate announcement step.
type visualBlockFrame struct {
	Header     block.Header `json:"header"`
	Ciphertext []byte       `json:"ciphertext"`
}

func mustMarshalVisual(rec *block.Record) []byte {
	raw, err := json.Marshal(visualBlockFrame{Header: rec.Header, Ciphertext: rec.Ciphertext})
	if err != nil {
		return nil
	}
	return raw
}

func (s *Sender) emitManifest(ctx context.Context, m block.Manifest) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if s.binary != nil {
		s.binMu.Lock()
		err := s.binary.SendBinary(ctx, raw)
		s.binMu.Unlock()
		if err == nil {
			return
		}
	}
	for _, f := range splitVisualFrames(raw, kindManifest, s.cfg.VisualFrameCapacity, s.cfg.VisualSafetyFactor) {
		_ = s.visual.SendFrame(ctx, f)
	}
}

// handleControl processes inbound ack/nack frames, per §4.6.1 step 3.
func (s *Sender) handleControl(data []byte) {
	var envelope struct {
		Type ControlType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case ControlAck:
		var ack Ack
		if json.Unmarshal(data, &ack) == nil {
			s.onAck(ack.Sequence)
		}
	case ControlNack:
		var nack Nack
		if json.Unmarshal(data, &nack) == nil {
			s.onNack(nack.Sequence, nack.Reason)
		}
	}
}

func (s *Sender) onAck(seq int) {
	s.mu.Lock()
	rec, ok := s.records[seq]
	s.mu.Unlock()
	if !ok || rec.State == block.StateSkipped || rec.State == block.StateCompleted {
		return
	}
	rec.State = block.StateCompleted
	rec.Verified = true
	s.session.RecordCompleted(len(rec.Ciphertext))

	// Journaling completion here is what lets a restarted process pick
	// up after the last acknowledged block instead of starting over.
	_ = putBlockRetry(context.Background(), s.store, journal.StoredBlock{
		FileID:          rec.Header.FileID,
		Seq:             seq,
		Header:          rec.Header,
		Ciphertext:      rec.Ciphertext,
		State:           block.StateCompleted,
		RetransmitCount: rec.RetransmitCount,
		Verified:        true,
	}, s.log)
}

func (s *Sender) onNack(seq int, reason NackReason) {
	s.mu.Lock()
	rec, ok := s.records[seq]
	s.mu.Unlock()
	if !ok || rec.State == block.StateSkipped {
		return
	}

	rec.RetransmitCount++
	rec.LastError = string(reason)
	s.session.RecordRetransmit()
	metrics.RetransmitsTotal.WithLabelValues(string(reason)).Inc()

	if rec.RetransmitCount >= s.cfg.MaxRetransmitsPerBlock {
		s.skip(context.Background(), seq, rec)
		return
	}

	rec.State = block.StateQueued
	_ = s.emit(context.Background(), seq)
}

func (s *Sender) allCompleted(total int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < total; i++ {
		rec, ok := s.records[i]
		if !ok || rec.State != block.StateCompleted {
			return false
		}
	}
	return true
}
