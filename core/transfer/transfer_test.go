package transfer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rani-wehbe/opticalsend/config"
	"github.com/rani-wehbe/opticalsend/core/journal"
	"github.com/rani-wehbe/opticalsend/core/transport"
	"github.com/rani-wehbe/opticalsend/internal/logger"
)

func testEngineConfig() *config.EngineConfig {
	return &config.EngineConfig{
		BlockSize:              32,
		VisualFrameCapacity:    4096,
		VisualSafetyFactor:     1.0,
		VisualHoldMS:           0,
		BinaryWatermark:        1 << 20,
		MaxRetransmitsPerBlock: 5,
	}
}

func TestSenderReceiver_VisualOnlyRoundTrip(t *testing.T) {
	cfg := testEngineConfig()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}

	senderVisual := transport.NewVisualAdapter(4096, 1.0)
	receiverVisual := transport.NewVisualAdapter(4096, 1.0)
	senderVisual.Pair(receiverVisual)
	receiverVisual.Pair(senderVisual)

	log := logger.NewDefaultLogger()

	sender := NewSender(cfg, journal.NewMemoryStore(), senderVisual, nil, key, log)
	receiver := NewReceiver(cfg, journal.NewMemoryStore(), receiverVisual, nil, key, log)

	data := bytes.Repeat([]byte("opticalsend payload "), 20)

	recvCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type recvOut struct {
		data []byte
		err  error
	}
	recvCh := make(chan recvOut, 1)
	go func() {
		out, _, err := receiver.Listen(recvCtx)
		recvCh <- recvOut{data: out, err: err}
	}()

	_, err := sender.Send(context.Background(), "payload.txt", data)
	require.NoError(t, err)

	res := <-recvCh
	require.NoError(t, res.err)
	assert.Equal(t, data, res.data)
}

func TestSession_PauseResumeFreezesElapsed(t *testing.T) {
	sess := NewSession(RoleSender, "f1", "a.txt", 100, 4, "abcd1234")
	sess.Activate()
	sess.Pause()
	assert.Equal(t, StatePaused, sess.State())
	time.Sleep(20 * time.Millisecond)
	sess.Resume()
	assert.Equal(t, StateActive, sess.State())
	assert.GreaterOrEqual(t, sess.ToJournal().PausedTotal, 20*time.Millisecond)
}

func TestSession_Snapshot_ReportsCompletedAndPercent(t *testing.T) {
	sess := NewSession(RoleSender, "f1", "a.txt", 100, 4, "abcd1234")
	sess.Activate()
	sess.RecordCompleted(25)
	sess.RecordCompleted(25)

	p := sess.Snapshot()
	assert.Equal(t, 2, p.Completed)
	assert.InDelta(t, 50.0, p.Percent, 0.001)
}

func TestSession_Fail_RecordsReason(t *testing.T) {
	sess := NewSession(RoleReceiver, "f1", "a.txt", 100, 4, "")
	sess.Fail("manifest_mismatch")
	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, "manifest_mismatch", sess.ErrorReason())
}
