// Package transport defines the engine's view of the two interchangeable
// adapters it drives: a visual byte-frame channel and a binary
// backpressured channel. Both satisfy a single capability interface;
// dispatch is by interface, never by type-switch or inheritance.
package transport

import "context"

// InboundHandler is invoked for each frame or message an adapter
// receives, regardless of which channel it arrived on.
type InboundHandler func(data []byte)

// Adapter is the capability set the transfer engine requires of any
// transport: visual and binary adapters both implement it.
type Adapter interface {
	// SendFrame emits a byte-frame on a capacity-bounded channel (the
	// visual adapter's native operation). Binary-only adapters may
	// return an error for this.
	SendFrame(ctx context.Context, data []byte) error

	// SendBinary emits an ordered binary message (the binary adapter's
	// native operation). Visual-only adapters may return an error for
	// this.
	SendBinary(ctx context.Context, data []byte) error

	// PollBufferedAmount reports the current outbound backlog in bytes,
	// used for binary_watermark backpressure decisions. Adapters
	// without a meaningful notion of backlog return 0.
	PollBufferedAmount() int64

	// OnInbound registers the callback invoked for each received
	// frame/message. Only one handler is active at a time; a later
	// call replaces an earlier one.
	OnInbound(handler InboundHandler)

	// Close releases the adapter. Idempotent.
	Close() error
}

// Kind names which channel an Adapter natively represents, used only
// for logging and metrics labels — the engine dispatches by interface.
type Kind string

const (
	KindVisual Kind = "visual"
	KindBinary Kind = "binary"
)
