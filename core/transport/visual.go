package transport

import (
	"context"
	"fmt"
	"sync"
)

// VisualAdapter is a byte-frame-in/byte-frame-out channel bounded by a
// fixed per-frame capacity. QR rendering and camera scanning are
// external collaborators (out of scope); this adapter models the
// framing and delivery contract they sit behind, exercised directly by
// tests and by any in-process peer.
type VisualAdapter struct {
	capacity int
	safety   float64

	mu      sync.Mutex
	handler InboundHandler
	peer    *VisualAdapter
	closed  bool
}

// NewVisualAdapter constructs an adapter with the given raw frame
// capacity and safety factor; effective capacity is capacity*safety.
func NewVisualAdapter(capacity int, safetyFactor float64) *VisualAdapter {
	return &VisualAdapter{capacity: capacity, safety: safetyFactor}
}

// EffectiveCapacity is the usable bytes-per-frame budget after the
// safety factor is applied, per visual_safety_factor.
func (v *VisualAdapter) EffectiveCapacity() int {
	eff := int(float64(v.capacity) * v.safety)
	if eff < 1 {
		eff = 1
	}
	return eff
}

// Pair connects two in-process adapters so frames sent by one are
// delivered to the other's inbound handler, for loopback tests and
// same-process peers.
func (v *VisualAdapter) Pair(other *VisualAdapter) {
	v.mu.Lock()
	v.peer = other
	v.mu.Unlock()

	other.mu.Lock()
	other.peer = v
	other.mu.Unlock()
}

// SplitFrames breaks data into chunks no larger than EffectiveCapacity,
// per §4.6.3 visual framing.
func (v *VisualAdapter) SplitFrames(data []byte) [][]byte {
	capBytes := v.EffectiveCapacity()
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var frames [][]byte
	for start := 0; start < len(data); start += capBytes {
		end := start + capBytes
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, data[start:end])
	}
	return frames
}

func (v *VisualAdapter) SendFrame(_ context.Context, data []byte) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return fmt.Errorf("visual_scan_lost: adapter closed")
	}
	peer := v.peer
	v.mu.Unlock()

	if peer == nil {
		return fmt.Errorf("visual_scan_lost: no peer connected")
	}

	peer.mu.Lock()
	handler := peer.handler
	peer.mu.Unlock()
	if handler != nil {
		handler(data)
	}
	return nil
}

func (v *VisualAdapter) SendBinary(_ context.Context, _ []byte) error {
	return fmt.Errorf("visual adapter does not support binary send")
}

func (v *VisualAdapter) PollBufferedAmount() int64 {
	return 0
}

func (v *VisualAdapter) OnInbound(handler InboundHandler) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handler = handler
}

func (v *VisualAdapter) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

var _ Adapter = (*VisualAdapter)(nil)
