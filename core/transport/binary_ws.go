package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single websocket write may block.
const writeWait = 10 * time.Second

// BinaryAdapter is the ordered, backpressured binary channel, backed by
// a websocket connection standing in for the peer-to-peer data channel.
// buffered_amount is approximated by counting bytes queued for write
// that have not yet been flushed to the connection.
type BinaryAdapter struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	buffered int64

	mu      sync.Mutex
	handler InboundHandler
	closed  bool
	done    chan struct{}
}

// NewBinaryAdapter wraps an already-established websocket connection
// and starts its inbound read loop.
func NewBinaryAdapter(conn *websocket.Conn) *BinaryAdapter {
	b := &BinaryAdapter{conn: conn, done: make(chan struct{})}
	go b.readLoop()
	return b
}

func (b *BinaryAdapter) readLoop() {
	defer close(b.done)
	for {
		msgType, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

func (b *BinaryAdapter) SendFrame(_ context.Context, _ []byte) error {
	return fmt.Errorf("binary adapter does not support frame send")
}

// SendBinary writes data as a single binary websocket message. Failure
// is reported as binary_closed; the caller falls back to the visual
// channel, per the dual-channel arbitration policy.
func (b *BinaryAdapter) SendBinary(_ context.Context, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("binary_closed: adapter closed")
	}
	b.mu.Unlock()

	atomic.AddInt64(&b.buffered, int64(len(data)))
	defer atomic.AddInt64(&b.buffered, -int64(len(data)))

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("binary_closed: %w", err)
	}
	return nil
}

// PollBufferedAmount reports bytes currently being written, the signal
// the sender pipeline compares against binary_watermark.
func (b *BinaryAdapter) PollBufferedAmount() int64 {
	return atomic.LoadInt64(&b.buffered)
}

func (b *BinaryAdapter) OnInbound(handler InboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *BinaryAdapter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return b.conn.Close()
}

var _ Adapter = (*BinaryAdapter)(nil)
