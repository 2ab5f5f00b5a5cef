// Package transfer implements the sender and receiver pipelines, the
// send queue, the received-block tracker, the dual-channel arbiter, and
// NACK/ACK control that together move a file from one finalized
// handshake to the other.
package transfer

import "github.com/rani-wehbe/opticalsend/core/block"

// ControlType names a control message's wire shape.
type ControlType string

const (
	ControlBlockAnnouncement ControlType = "block-announcement"
	ControlAck               ControlType = "ack"
	ControlNack              ControlType = "nack"
	ControlHeartbeat         ControlType = "heartbeat"
)

// NackReason is the short enum carried on a nack control message.
type NackReason string

const (
	NackDecryptFailed   NackReason = "decrypt_failed"
	NackHashMismatch    NackReason = "hash_mismatch"
	NackDecompressFailed NackReason = "decompress_failed"
	NackMissingChunk    NackReason = "missing_chunk"
)

// BlockAnnouncement precedes each binary payload. Beyond the sequence,
// block id, size and content hash named in the control-message design,
// it also carries the block's full header: the binary channel has no
// separate header frame the way the visual channel does, so the
// receiver needs the header's compression mode, nonce and KDF tag to
// verify the ciphertext that follows.
type BlockAnnouncement struct {
	Type     ControlType  `json:"type"`
	Sequence int          `json:"sequence"`
	BlockID  string       `json:"block_id"`
	Size     int          `json:"size"`
	Hash     string       `json:"content_hash"`
	Header   block.Header `json:"header"`
}

// Ack marks a block complete from the sender's perspective.
type Ack struct {
	Type     ControlType `json:"type"`
	Sequence int         `json:"sequence"`
	BlockID  string      `json:"block_id"`
}

// Nack requests a retransmit.
type Nack struct {
	Type     ControlType `json:"type"`
	FileID   string      `json:"file_id"`
	BlockID  string      `json:"block_id"`
	Sequence int         `json:"sequence"`
	Reason   NackReason  `json:"reason"`
}

// Heartbeat is an optional liveness control message.
type Heartbeat struct {
	Type ControlType `json:"type"`
}

func newAnnouncement(seq int, h block.Header, payloadSize int) BlockAnnouncement {
	return BlockAnnouncement{
		Type:     ControlBlockAnnouncement,
		Sequence: seq,
		BlockID:  h.BlockID,
		Size:     payloadSize,
		Hash:     h.Checksum,
		Header:   h,
	}
}
