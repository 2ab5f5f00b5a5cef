package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rani-wehbe/opticalsend/core/block"
	"github.com/rani-wehbe/opticalsend/core/crypto"
	"github.com/rani-wehbe/opticalsend/core/journal"
	"github.com/rani-wehbe/opticalsend/core/transport"
	"github.com/rani-wehbe/opticalsend/internal/logger"
)

func testKey() []byte {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func sendBlockFrames(t *testing.T, a *transport.VisualAdapter, rec *block.Record) {
	t.Helper()
	for _, f := range splitVisualFrames(mustMarshalVisual(rec), kindBlock, 65536, 1.0) {
		require.NoError(t, a.SendFrame(context.Background(), f))
	}
}

func sendManifestFrames(t *testing.T, a *transport.VisualAdapter, m block.Manifest) {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	for _, f := range splitVisualFrames(raw, kindManifest, 65536, 1.0) {
		require.NoError(t, a.SendFrame(context.Background(), f))
	}
}

func TestReceiver_OutOfOrderArrivalAssembles(t *testing.T) {
	cfg := testEngineConfig()
	key := testKey()

	data := make([]byte, 3000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	chunks := block.Chunk(data, 1024)
	require.Len(t, chunks, 3)

	records := make([]*block.Record, len(chunks))
	for i, c := range chunks {
		rec, err := block.Build("file-ooo", i, len(chunks), c, key)
		require.NoError(t, err)
		records[i] = rec
	}

	testSide := transport.NewVisualAdapter(65536, 1.0)
	recvSide := transport.NewVisualAdapter(65536, 1.0)
	testSide.Pair(recvSide)
	recvSide.Pair(testSide)

	store := journal.NewMemoryStore()
	receiver := NewReceiver(cfg, store, recvSide, nil, key, logger.NewDefaultLogger())

	for _, i := range []int{2, 0, 1} {
		sendBlockFrames(t, testSide, records[i])
	}
	sendManifestFrames(t, testSide, block.BuildManifest("file-ooo", "ooo.bin", data, len(chunks)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, sess, err := receiver.Listen(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Equal(t, StateCompleted, sess.State())

	rows, err := store.GetBlocksForFile(context.Background(), "file-ooo")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, block.StateCompleted, row.State)
		assert.True(t, row.Verified)
		assert.NotNil(t, row.Decompressed)
	}
}

func TestReceiver_CorruptedCiphertextNacksThenRecovers(t *testing.T) {
	cfg := testEngineConfig()
	key := testKey()
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	rec, err := block.Build("file-corrupt", 0, 1, data, key)
	require.NoError(t, err)

	tampered := &block.Record{Header: rec.Header, Ciphertext: append([]byte(nil), rec.Ciphertext...)}
	tampered.Ciphertext[0] ^= 0x01

	testSide := transport.NewVisualAdapter(65536, 1.0)
	recvSide := transport.NewVisualAdapter(65536, 1.0)
	testSide.Pair(recvSide)
	recvSide.Pair(testSide)

	var mu sync.Mutex
	var nacks []Nack
	testSide.OnInbound(func(frame []byte) {
		var envelope struct {
			Type ControlType `json:"type"`
		}
		if json.Unmarshal(frame, &envelope) != nil || envelope.Type != ControlNack {
			return
		}
		var n Nack
		if json.Unmarshal(frame, &n) == nil {
			mu.Lock()
			nacks = append(nacks, n)
			mu.Unlock()
		}
	})

	receiver := NewReceiver(cfg, journal.NewMemoryStore(), recvSide, nil, key, logger.NewDefaultLogger())

	sendBlockFrames(t, testSide, tampered)

	mu.Lock()
	require.Len(t, nacks, 1)
	assert.Equal(t, NackDecryptFailed, nacks[0].Reason)
	assert.Equal(t, 0, nacks[0].Sequence)
	mu.Unlock()

	sendBlockFrames(t, testSide, rec)
	sendManifestFrames(t, testSide, block.BuildManifest("file-corrupt", "c.bin", data, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, _, err := receiver.Listen(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

// ackingAdapter stands in for a peer that verifies and acknowledges every
// block it sees, recording the sequences delivered to it.
type ackingAdapter struct {
	mu      sync.Mutex
	handler transport.InboundHandler
	reasm   *visualReassembler
	seqs    []int
}

func newAckingAdapter() *ackingAdapter {
	return &ackingAdapter{reasm: newVisualReassembler()}
}

func (a *ackingAdapter) SendFrame(_ context.Context, data []byte) error {
	payload, kind, ok := a.reasm.Add(data)
	if !ok || kind != kindBlock {
		return nil
	}
	var vbf visualBlockFrame
	if json.Unmarshal(payload, &vbf) != nil {
		return nil
	}
	a.mu.Lock()
	a.seqs = append(a.seqs, vbf.Header.Seq)
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		raw, _ := json.Marshal(Ack{Type: ControlAck, Sequence: vbf.Header.Seq, BlockID: vbf.Header.BlockID})
		h(raw)
	}
	return nil
}

func (a *ackingAdapter) SendBinary(context.Context, []byte) error {
	return errors.New("visual adapter does not support binary send")
}

func (a *ackingAdapter) PollBufferedAmount() int64 { return 0 }

func (a *ackingAdapter) OnInbound(handler transport.InboundHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

func (a *ackingAdapter) Close() error { return nil }

func (a *ackingAdapter) deliveredSeqs() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.seqs...)
}

func TestSender_ResumesFromJournaledSession(t *testing.T) {
	cfg := testEngineConfig()
	key := testKey()
	derivative := crypto.KeyDerivative(key)

	data := bytes.Repeat([]byte("resumable-payload-bytes-"), 16)
	chunks := block.Chunk(data, cfg.BlockSize)
	require.Len(t, chunks, 12)

	ctx := context.Background()
	store := journal.NewMemoryStore()

	// A previous process journaled the session and the first seven blocks.
	require.NoError(t, store.PutSession(ctx, journal.Session{
		SessionID:   "prior-session",
		FileID:      "file-resume",
		Role:        string(RoleSender),
		Filename:    "resume.bin",
		State:       journal.SessionActive,
		Fingerprint: derivative,
	}))
	for seq := 0; seq <= 6; seq++ {
		rec, err := block.Build("file-resume", seq, len(chunks), chunks[seq], key)
		require.NoError(t, err)
		require.NoError(t, store.PutBlock(ctx, journal.StoredBlock{
			FileID:     "file-resume",
			Seq:        seq,
			Header:     rec.Header,
			Ciphertext: rec.Ciphertext,
			State:      block.StateCompleted,
			Verified:   true,
		}))
	}

	peer := newAckingAdapter()
	sender := NewSender(cfg, store, peer, nil, key, logger.NewDefaultLogger())

	sess, err := sender.Send(ctx, "resume.bin", data)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, sess.State())
	assert.Equal(t, "prior-session", sess.ID)
	assert.Equal(t, "file-resume", sess.FileID)
	assert.Equal(t, []int{7, 8, 9, 10, 11}, peer.deliveredSeqs())

	row, err := store.GetSession(ctx, "prior-session")
	require.NoError(t, err)
	assert.Equal(t, journal.SessionCompleted, row.State)
	assert.Equal(t, derivative, row.Fingerprint)
}

func TestSender_PersistsFailedSessionRowOnSkips(t *testing.T) {
	cfg := testEngineConfig()
	cfg.BlockTimeout = 10 * time.Millisecond

	key := testKey()
	store := journal.NewMemoryStore()

	// A peer that never acknowledges: every block exhausts its attempts
	// and goes terminal skipped, so the session must end failed.
	silent := transport.NewVisualAdapter(65536, 1.0)
	sink := transport.NewVisualAdapter(65536, 1.0)
	silent.Pair(sink)
	sink.Pair(silent)
	sink.OnInbound(func([]byte) {})

	sender := NewSender(cfg, store, silent, nil, key, logger.NewDefaultLogger())
	sess, err := sender.Send(context.Background(), "lost.bin", []byte("never acknowledged"))
	require.NoError(t, err)

	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, "missing_blocks", sess.ErrorReason())

	rows, err := store.GetAllSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, journal.SessionFailed, rows[0].State)
	assert.Equal(t, "missing_blocks", rows[0].ErrorReason)

	blocks, err := store.GetBlocksForFile(context.Background(), sess.FileID)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, block.StateSkipped, blocks[0].State)
}

func TestReceiver_BlockTimeoutNacksLowestMissingSequence(t *testing.T) {
	cfg := testEngineConfig()
	cfg.BlockTimeout = 60 * time.Millisecond

	key := testKey()
	data := bytes.Repeat([]byte{0xAB}, 2048)
	chunks := block.Chunk(data, 1024)
	require.Len(t, chunks, 2)

	rec0, err := block.Build("file-stall", 0, 2, chunks[0], key)
	require.NoError(t, err)

	testSide := transport.NewVisualAdapter(65536, 1.0)
	recvSide := transport.NewVisualAdapter(65536, 1.0)
	testSide.Pair(recvSide)
	recvSide.Pair(testSide)

	nackCh := make(chan Nack, 4)
	testSide.OnInbound(func(frame []byte) {
		var envelope struct {
			Type ControlType `json:"type"`
		}
		if json.Unmarshal(frame, &envelope) != nil || envelope.Type != ControlNack {
			return
		}
		var n Nack
		if json.Unmarshal(frame, &n) == nil {
			select {
			case nackCh <- n:
			default:
			}
		}
	})

	receiver := NewReceiver(cfg, journal.NewMemoryStore(), recvSide, nil, key, logger.NewDefaultLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _, _, _ = receiver.Listen(ctx) }()

	sendBlockFrames(t, testSide, rec0)

	select {
	case n := <-nackCh:
		assert.Equal(t, 1, n.Sequence)
		assert.Equal(t, NackMissingChunk, n.Reason)
		assert.Equal(t, "file-stall", n.FileID)
	case <-time.After(800 * time.Millisecond):
		t.Fatal("expected a missing_chunk nack after the block timeout")
	}
}

func TestReceiver_AdoptsJournaledBlocksOnRestart(t *testing.T) {
	cfg := testEngineConfig()
	key := testKey()

	data := bytes.Repeat([]byte("restart-survivor-"), 60)
	chunks := block.Chunk(data, cfg.BlockSize)
	total := len(chunks)
	require.Greater(t, total, 2)

	ctx := context.Background()
	store := journal.NewMemoryStore()

	// All but the last block were verified and journaled before the crash.
	records := make([]*block.Record, total)
	for i, c := range chunks {
		rec, err := block.Build("file-restart", i, total, c, key)
		require.NoError(t, err)
		records[i] = rec
		if i < total-1 {
			decompressed, err := block.Verify(rec.Header, rec.Ciphertext, key)
			require.NoError(t, err)
			require.NoError(t, store.PutBlock(ctx, journal.StoredBlock{
				FileID:       "file-restart",
				Seq:          i,
				Header:       rec.Header,
				Ciphertext:   rec.Ciphertext,
				Decompressed: decompressed,
				State:        block.StateCompleted,
				Verified:     true,
			}))
		}
	}

	testSide := transport.NewVisualAdapter(65536, 1.0)
	recvSide := transport.NewVisualAdapter(65536, 1.0)
	testSide.Pair(recvSide)
	recvSide.Pair(testSide)

	receiver := NewReceiver(cfg, store, recvSide, nil, key, logger.NewDefaultLogger())

	sendBlockFrames(t, testSide, records[total-1])
	sendManifestFrames(t, testSide, block.BuildManifest("file-restart", "r.bin", data, total))

	listenCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, sess, err := receiver.Listen(listenCtx)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Equal(t, StateCompleted, sess.State())
}

type flakyStore struct {
	journal.JournalStore
	mu       sync.Mutex
	failLeft int
	calls    int
}

func (f *flakyStore) PutBlock(ctx context.Context, b journal.StoredBlock) error {
	f.mu.Lock()
	f.calls++
	fail := f.failLeft > 0
	if fail {
		f.failLeft--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("write_failed: connection reset")
	}
	return f.JournalStore.PutBlock(ctx, b)
}

func TestPutBlockRetry_RecoversFromTransientFailures(t *testing.T) {
	store := &flakyStore{JournalStore: journal.NewMemoryStore(), failLeft: 2}

	err := putBlockRetry(context.Background(), store, journal.StoredBlock{
		FileID: "f1", Seq: 0, State: block.StatePending,
	}, logger.NewDefaultLogger())
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)

	got, err := store.GetBlock(context.Background(), "f1", 0)
	require.NoError(t, err)
	assert.Equal(t, block.StatePending, got.State)
}

func TestPutBlockRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	store := &flakyStore{JournalStore: journal.NewMemoryStore(), failLeft: journalRetryAttempts + 1}

	err := putBlockRetry(context.Background(), store, journal.StoredBlock{
		FileID: "f1", Seq: 0,
	}, logger.NewDefaultLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal_unavailable")
	assert.Equal(t, journalRetryAttempts, store.calls)
}

type captureBinary struct {
	mu      sync.Mutex
	msgs    [][]byte
	handler transport.InboundHandler
}

func (c *captureBinary) SendFrame(context.Context, []byte) error {
	return errors.New("binary adapter does not support visual frames")
}

func (c *captureBinary) SendBinary(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), data...))
	return nil
}

func (c *captureBinary) PollBufferedAmount() int64 { return 0 }

func (c *captureBinary) OnInbound(handler transport.InboundHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *captureBinary) Close() error { return nil }

func (c *captureBinary) heartbeats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, raw := range c.msgs {
		var envelope struct {
			Type ControlType `json:"type"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Type == ControlHeartbeat {
			count++
		}
	}
	return count
}

func TestSender_EmitsHeartbeatsOnBinaryChannel(t *testing.T) {
	cfg := testEngineConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond

	bin := &captureBinary{}
	sender := NewSender(cfg, journal.NewMemoryStore(), transport.NewVisualAdapter(65536, 1.0), bin, testKey(), logger.NewDefaultLogger())

	stop := sender.startHeartbeat(context.Background())
	time.Sleep(60 * time.Millisecond)
	stop()

	assert.GreaterOrEqual(t, bin.heartbeats(), 1)
}
