// Package block implements the canonical transfer unit: a block header
// plus its encrypted payload, produced by chunking a file through the
// codec and cipher layers, and the in-memory record that tracks a
// block's delivery state.
package block

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rani-wehbe/opticalsend/core/codec"
	"github.com/rani-wehbe/opticalsend/core/crypto"
	"github.com/rani-wehbe/opticalsend/internal/metrics"
)

// Protocol is the constant protocol tag carried on every header.
const Protocol = "opticalsend-v1"

// DefaultBlockSize is the default chunk size in bytes before codec.
const DefaultBlockSize = 1024

// State is a block record's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateSending   State = "sending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Header is the immutable, on-wire block header (§6 external interfaces).
type Header struct {
	Protocol     string    `json:"protocol"`
	FileID       string    `json:"fileId"`
	BlockID      string    `json:"blockId"`
	Seq          int       `json:"seq"`
	TotalSeq     int       `json:"totalSeq"`
	PayloadSize  int       `json:"payloadSize"`
	RawSize      int       `json:"rawSize"`
	Compression  codec.Mode `json:"compression"`
	Encryption   string    `json:"encryption"`
	IV           string    `json:"iv"`
	KDF          string    `json:"kdf"`
	Checksum     string    `json:"checksum"`
	Timestamp    string    `json:"timestamp"`
}

// Record is the in-memory view of a block: header, ciphertext, and the
// mutable delivery state the transfer engine tracks. The journal is the
// durable source of truth; a Record is a shared view over it.
type Record struct {
	Header     Header
	Ciphertext []byte

	State            State
	Attempts         int
	RetransmitCount  int
	SentOverVisual   bool
	SentOverBinary   bool
	Verified         bool
	LastError        string
}

// Chunk splits data into blocks of size b (default DefaultBlockSize if
// b <= 0). Block i carries bytes [i*b, min((i+1)*b, n)). Returns
// ceil(n/b) blocks; for n == 0, returns a single zero-length block,
// matching the zero-byte boundary choice documented in DESIGN.md.
func Chunk(data []byte, b int) [][]byte {
	if b <= 0 {
		b = DefaultBlockSize
	}
	n := len(data)
	if n == 0 {
		return [][]byte{{}}
	}

	total := (n + b - 1) / b
	chunks := make([][]byte, total)
	for i := 0; i < total; i++ {
		start := i * b
		end := start + b
		if end > n {
			end = n
		}
		chunks[i] = data[start:end]
	}
	return chunks
}

// Build runs the encryption order from §4.3 for a single chunk: compress,
// hash the compressed bytes, encrypt with a fresh nonce, assemble the
// header and ciphertext.
func Build(fileID string, seq, totalSeq int, raw, sessionKey []byte) (*Record, error) {
	mode, compressed := codec.SelectBest(raw)
	metrics.CompressionChoice.WithLabelValues(string(mode)).Inc()
	checksum := crypto.ContentHash(compressed)

	start := time.Now()
	ciphertext, nonce, err := crypto.Seal(compressed, sessionKey)
	metrics.BlockCipherDuration.WithLabelValues("seal").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("seal block %d: %w", seq, err)
	}

	h := Header{
		Protocol:    Protocol,
		FileID:      fileID,
		BlockID:     uuid.NewString(),
		Seq:         seq,
		TotalSeq:    totalSeq,
		PayloadSize: len(ciphertext),
		RawSize:     len(raw),
		Compression: mode,
		Encryption:  crypto.EncryptionIdentifier,
		IV:          base64.RawURLEncoding.EncodeToString(nonce),
		KDF:         crypto.KDFIdentifier,
		Checksum:    checksum,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	return &Record{
		Header:     h,
		Ciphertext: ciphertext,
		State:      StatePending,
	}, nil
}

// Verify decrypts and validates a received block per §4.6.2 steps 2-4:
// authenticate, recompute and compare the content hash, then decompress.
// Returns the decompressed payload on success.
func Verify(h Header, ciphertext, sessionKey []byte) ([]byte, error) {
	nonce, err := base64.RawURLEncoding.DecodeString(h.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}

	start := time.Now()
	compressed, err := crypto.Open(ciphertext, sessionKey, nonce)
	metrics.BlockCipherDuration.WithLabelValues("open").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("decrypt_auth_failed: %w", err)
	}

	if got := crypto.ContentHash(compressed); got != h.Checksum {
		return nil, fmt.Errorf("hash_mismatch: got %s want %s", got, h.Checksum)
	}

	decompressed, err := codec.Decode(h.Compression, compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress_failed: %w", err)
	}

	return decompressed, nil
}
