// Package codec implements the block pipeline's compressor: a gzip mode
// and an identity mode, with a selection heuristic that prefers gzip
// only when it yields a meaningful saving.
package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Mode names a codec, carried verbatim in the block header.
type Mode string

const (
	// ModeGzip is deflate with gzip framing.
	ModeGzip Mode = "gzip"
	// ModeNone is the identity codec.
	ModeNone Mode = "none"
)

// minSavingFactor is the selection heuristic's threshold: gzip is kept
// only when its output is strictly smaller than this fraction of the
// input size.
const minSavingFactor = 0.95

// SelectBest compresses data with gzip and decides whether the saving is
// worth the framing overhead. It returns the chosen mode and the encoded
// bytes for that mode. A gzip library failure is not fatal: it falls
// back to ModeNone with the original bytes.
func SelectBest(data []byte) (Mode, []byte) {
	compressed, err := compressGzip(data)
	if err != nil {
		return ModeNone, data
	}

	if float64(len(compressed)) < minSavingFactor*float64(len(data)) {
		return ModeGzip, compressed
	}
	return ModeNone, data
}

// Encode compresses data under the given mode.
func Encode(mode Mode, data []byte) ([]byte, error) {
	switch mode {
	case ModeGzip:
		return compressGzip(data)
	case ModeNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown codec mode %q", mode)
	}
}

// Decode reverses Encode. Failures here are fatal for the block
// (decompress_failed) and trigger a NACK.
func Decode(mode Mode, data []byte) ([]byte, error) {
	switch mode {
	case ModeGzip:
		return decompressGzip(data)
	case ModeNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown codec mode %q", mode)
	}
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}
