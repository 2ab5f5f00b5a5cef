package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rani-wehbe/opticalsend/config"
	"github.com/rani-wehbe/opticalsend/core/block"
	"github.com/rani-wehbe/opticalsend/core/crypto"
	"github.com/rani-wehbe/opticalsend/core/journal"
	"github.com/rani-wehbe/opticalsend/core/transport"
	"github.com/rani-wehbe/opticalsend/internal/logger"
	"github.com/rani-wehbe/opticalsend/internal/metrics"
)

// Receiver drives the receiver pipeline described in §4.6.2: verify,
// persist, ACK/NACK, and trigger assembly once every sequence in
// [0, totalSeq) is completed. Blocks already journaled as completed for
// the same file are adopted rather than re-requested, which is what
// makes resume across a process restart work.
type Receiver struct {
	cfg        *config.EngineConfig
	store      journal.JournalStore
	visual     transport.Adapter
	binary     transport.Adapter
	sessionKey []byte
	derivative string
	log        logger.Logger

	visualReasm *visualReassembler

	mu           sync.Mutex
	session      *Session
	manifest     *block.Manifest
	payloads     map[int][]byte
	pendingAnn   *BlockAnnouncement
	fileID       string
	totalSeq     int
	lastProgress time.Time

	done chan result
}

type result struct {
	data []byte
	err  error
}

// NewReceiver constructs a receiver bound to a durable store, a pair of
// transport adapters (binary may be nil), and the finalized session key.
func NewReceiver(cfg *config.EngineConfig, store journal.JournalStore, visual, binary transport.Adapter, sessionKey []byte, log logger.Logger) *Receiver {
	r := &Receiver{
		cfg:          cfg,
		store:        store,
		visual:       visual,
		binary:       binary,
		sessionKey:   sessionKey,
		derivative:   crypto.KeyDerivative(sessionKey),
		log:          log,
		visualReasm:  newVisualReassembler(),
		payloads:     make(map[int][]byte),
		lastProgress: time.Now(),
		done:         make(chan result, 1),
	}

	if binary != nil {
		binary.OnInbound(r.handleBinary)
	}
	visual.OnInbound(r.handleVisual)

	return r
}

// Listen blocks until assembly completes, fails, or ctx ends. Inbound
// handlers are registered at construction time, so no frame arriving
// before Listen is called is lost. While listening, a watchdog NACKs
// the lowest missing sequence whenever block_timeout_ms passes without
// progress.
func (r *Receiver) Listen(ctx context.Context) ([]byte, *Session, error) {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go r.watchProgress(watchCtx)

	select {
	case <-ctx.Done():
		return nil, r.currentSession(), ctx.Err()
	case res := <-r.done:
		return res.data, r.currentSession(), res.err
	}
}

func (r *Receiver) currentSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// watchProgress enforces the per-block delivery timeout: if the
// transfer's shape is known and no block has verified within
// block_timeout_ms, the lowest missing sequence is NACKed so the sender
// retransmits it.
func (r *Receiver) watchProgress(ctx context.Context) {
	timeout := r.cfg.BlockTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tick := timeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		stalled := r.totalSeq > 0 && len(r.payloads) < r.totalSeq &&
			time.Since(r.lastProgress) >= timeout
		fileID := r.fileID
		missing := -1
		if stalled {
			for seq := 0; seq < r.totalSeq; seq++ {
				if _, ok := r.payloads[seq]; !ok {
					missing = seq
					break
				}
			}
			r.lastProgress = time.Now()
		}
		r.mu.Unlock()

		if missing >= 0 {
			r.log.Warn("no progress within block timeout, requesting retransmit",
				logger.Int("seq", missing))
			r.nack(fileID, "", missing, NackMissingChunk)
		}
	}
}

func (r *Receiver) handleVisual(frame []byte) {
	payload, kind, ok := r.visualReasm.Add(frame)
	if !ok {
		return
	}
	r.dispatch(kind, payload)
}

// handleBinary demultiplexes the binary channel's two-message-per-block
// protocol: a JSON block-announcement, immediately followed by the raw
// ciphertext, or a standalone JSON control message or manifest. The
// sender serializes announcement and ciphertext on the channel, so the
// message after an announcement is always that block's payload.
func (r *Receiver) handleBinary(data []byte) {
	r.mu.Lock()
	pending := r.pendingAnn
	if pending != nil {
		r.pendingAnn = nil
	}
	r.mu.Unlock()

	if pending != nil {
		r.onCiphertext(pending.Header, data)
		return
	}

	var envelope struct {
		Type   ControlType `json:"type"`
		SHA256 string      `json:"sha256"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case ControlBlockAnnouncement:
		var ann BlockAnnouncement
		if json.Unmarshal(data, &ann) == nil {
			r.mu.Lock()
			r.pendingAnn = &ann
			r.mu.Unlock()
		}
		return
	case ControlHeartbeat:
		return
	}

	if envelope.Type == "" && envelope.SHA256 != "" {
		var m block.Manifest
		if json.Unmarshal(data, &m) == nil {
			r.onManifest(m)
		}
	}
}

func (r *Receiver) dispatch(kind string, payload []byte) {
	switch kind {
	case kindBlock:
		var vbf visualBlockFrame
		if json.Unmarshal(payload, &vbf) == nil {
			r.onCiphertext(vbf.Header, vbf.Ciphertext)
		}
	case kindManifest:
		var m block.Manifest
		if json.Unmarshal(payload, &m) == nil {
			r.onManifest(m)
		}
	}
}

// adoptFile is called under r.mu the first time a fileID is seen. It
// rehydrates any blocks a previous process already journaled as
// completed for the same file, so a resumed transfer only needs the
// remainder.
func (r *Receiver) adoptFile(fileID string, totalSeq int) {
	if r.fileID == fileID {
		if totalSeq > r.totalSeq {
			r.totalSeq = totalSeq
		}
		return
	}
	r.fileID = fileID
	r.totalSeq = totalSeq

	done, err := completedSequences(context.Background(), r.store, fileID)
	if err != nil {
		r.log.Warn("journal scan for prior progress failed", logger.Error(err))
		return
	}
	adopted := 0
	for seq, row := range done {
		if row.Decompressed == nil {
			continue
		}
		if _, ok := r.payloads[seq]; !ok {
			r.payloads[seq] = row.Decompressed
			adopted++
		}
	}
	if adopted > 0 {
		r.log.Info("adopted journaled blocks",
			logger.String("file_id", fileID),
			logger.Int("blocks", adopted))
	}
}

// onCiphertext runs the verify steps of §4.6.2 (2-4) for one block's
// ciphertext and persists the result. Duplicate delivery across
// channels is idempotent: a block already completed is a no-op.
func (r *Receiver) onCiphertext(header block.Header, ciphertext []byte) {
	ctx := context.Background()

	r.mu.Lock()
	r.adoptFile(header.FileID, header.TotalSeq)
	if _, already := r.payloads[header.Seq]; already {
		r.mu.Unlock()
		r.ack(header.FileID, header.BlockID, header.Seq)
		return
	}
	r.mu.Unlock()

	payload, err := block.Verify(header, ciphertext, r.sessionKey)
	if err != nil {
		reason := NackDecryptFailed
		switch {
		case strings.Contains(err.Error(), "hash_mismatch"):
			reason = NackHashMismatch
		case strings.Contains(err.Error(), "decompress_failed"):
			reason = NackDecompressFailed
		}
		_ = putBlockRetry(ctx, r.store, journal.StoredBlock{
			FileID:     header.FileID,
			Seq:        header.Seq,
			Header:     header,
			Ciphertext: ciphertext,
			State:      block.StateFailed,
			LastError:  string(reason),
		}, r.log)
		r.nack(header.FileID, header.BlockID, header.Seq, reason)
		return
	}

	if err := putBlockRetry(ctx, r.store, journal.StoredBlock{
		FileID:       header.FileID,
		Seq:          header.Seq,
		Header:       header,
		Ciphertext:   ciphertext,
		Decompressed: payload,
		State:        block.StateCompleted,
		Verified:     true,
	}, r.log); err != nil {
		r.log.Error("journal write failed", logger.Int("seq", header.Seq), logger.Error(err))
		r.failSession(ctx, "journal_unavailable")
		return
	}

	metrics.BlocksVerified.Inc()

	r.mu.Lock()
	r.payloads[header.Seq] = payload
	r.lastProgress = time.Now()
	r.ensureSessionLocked(header.FileID, "", 0, header.TotalSeq)
	r.session.RecordCompleted(len(ciphertext))
	r.mu.Unlock()

	r.ack(header.FileID, header.BlockID, header.Seq)
	r.tryAssemble()
}

// ensureSessionLocked lazily creates and persists the session row the
// first time the transfer's identity is known. Caller holds r.mu.
func (r *Receiver) ensureSessionLocked(fileID, filename string, totalSize int64, totalBlocks int) {
	if r.session == nil {
		r.session = NewSession(RoleReceiver, fileID, filename, totalSize, totalBlocks, r.derivative)
		r.session.Activate()
		metrics.SessionsActive.Inc()
		go r.persistSession(context.Background())
	}
}

func (r *Receiver) persistSession(ctx context.Context) {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		return
	}
	if err := putSessionRetry(ctx, r.store, sess.ToJournal(), r.log); err != nil {
		r.log.Error("session row write failed", logger.Error(err))
	}
}

func (r *Receiver) failSession(ctx context.Context, reason string) {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		return
	}
	sess.Fail(reason)
	metrics.SessionsActive.Dec()
	metrics.SessionsTerminal.WithLabelValues(string(StateFailed), reason).Inc()
	r.persistSession(ctx)
	select {
	case r.done <- result{err: fmt.Errorf("%s: journal writes kept failing", reason)}:
	default:
	}
}

func (r *Receiver) onManifest(m block.Manifest) {
	r.mu.Lock()
	r.manifest = &m
	r.adoptFile(m.FileID, m.TotalBlocks)
	r.ensureSessionLocked(m.FileID, m.Filename, int64(m.TotalSize), m.TotalBlocks)
	r.session.Filename = m.Filename
	r.session.TotalSize = int64(m.TotalSize)
	if r.session.TotalBlocks == 0 {
		r.session.TotalBlocks = m.TotalBlocks
	}
	r.mu.Unlock()
	r.tryAssemble()
}

func (r *Receiver) tryAssemble() {
	r.mu.Lock()
	m := r.manifest
	if m == nil || len(r.payloads) < m.TotalBlocks {
		r.mu.Unlock()
		return
	}
	payloads := make(map[int][]byte, len(r.payloads))
	for k, v := range r.payloads {
		payloads[k] = v
	}
	r.mu.Unlock()

	out, err := block.Assemble(*m, payloads)
	metrics.SessionsActive.Dec()
	if err != nil {
		if sess := r.currentSession(); sess != nil {
			sess.Fail("manifest_mismatch")
		}
		metrics.SessionsTerminal.WithLabelValues(string(StateFailed), "manifest_mismatch").Inc()
		r.persistSession(context.Background())
		select {
		case r.done <- result{err: fmt.Errorf("manifest_mismatch: %w", err)}:
		default:
		}
		return
	}

	if sess := r.currentSession(); sess != nil {
		sess.Complete()
	}
	metrics.SessionsTerminal.WithLabelValues(string(StateCompleted), "").Inc()
	r.persistSession(context.Background())
	select {
	case r.done <- result{data: out}:
	default:
	}
}

func (r *Receiver) ack(_ string, blockID string, seq int) {
	ack := Ack{Type: ControlAck, Sequence: seq, BlockID: blockID}
	raw, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if r.binary != nil {
		if err := r.binary.SendBinary(context.Background(), raw); err == nil {
			return
		}
	}
	_ = r.visual.SendFrame(context.Background(), raw)
}

func (r *Receiver) nack(fileID, blockID string, seq int, reason NackReason) {
	nack := Nack{Type: ControlNack, FileID: fileID, BlockID: blockID, Sequence: seq, Reason: reason}
	raw, err := json.Marshal(nack)
	if err != nil {
		return
	}
	if r.binary != nil {
		if err := r.binary.SendBinary(context.Background(), raw); err == nil {
			return
		}
	}
	_ = r.visual.SendFrame(context.Background(), raw)
}
