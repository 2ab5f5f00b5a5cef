package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
)

// StdioVisualAdapter realizes the visual byte-frame channel as
// newline-delimited, base64-encoded frames over two byte streams. It is
// the CLI's stand-in for the QR-render/camera-scan loop the spec treats
// as an external collaborator: each SendFrame write is one rendered
// frame, each inbound line is one scanned frame.
type StdioVisualAdapter struct {
	w  io.Writer
	wg sync.WaitGroup

	writeMu sync.Mutex
	mu      sync.Mutex
	handler InboundHandler
	closed  bool
}

// NewStdioVisualAdapter wraps a writer for outbound frames and a reader
// for inbound frames, starting the inbound read loop immediately.
func NewStdioVisualAdapter(r io.Reader, w io.Writer) *StdioVisualAdapter {
	a := &StdioVisualAdapter{w: w}
	a.wg.Add(1)
	go a.readLoop(r)
	return a
}

func (a *StdioVisualAdapter) readLoop(r io.Reader) {
	defer a.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			continue
		}

		a.mu.Lock()
		handler := a.handler
		a.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

func (a *StdioVisualAdapter) SendFrame(_ context.Context, data []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("visual_scan_lost: adapter closed")
	}
	a.mu.Unlock()

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err := fmt.Fprintln(a.w, base64.StdEncoding.EncodeToString(data))
	return err
}

func (a *StdioVisualAdapter) SendBinary(_ context.Context, _ []byte) error {
	return fmt.Errorf("stdio visual adapter does not support binary send")
}

func (a *StdioVisualAdapter) PollBufferedAmount() int64 { return 0 }

func (a *StdioVisualAdapter) OnInbound(handler InboundHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

func (a *StdioVisualAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

var _ Adapter = (*StdioVisualAdapter)(nil)
