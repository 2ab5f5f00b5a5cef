package block

import (
	"fmt"
	"sort"

	"github.com/rani-wehbe/opticalsend/core/crypto"
)

// Manifest is emitted alongside a transfer and validated at assembly time.
type Manifest struct {
	FileID      string `json:"fileId"`
	Filename    string `json:"filename"`
	TotalSize   int    `json:"totalSize"`
	TotalBlocks int    `json:"totalBlocks"`
	SHA256      string `json:"sha256"`
}

// BuildManifest computes a manifest from a file's full plaintext bytes.
func BuildManifest(fileID, filename string, data []byte, totalBlocks int) Manifest {
	return Manifest{
		FileID:      fileID,
		Filename:    filename,
		TotalSize:   len(data),
		TotalBlocks: totalBlocks,
		SHA256:      crypto.ContentHash(data),
	}
}

// Assemble concatenates decrypted+decompressed payloads in sequence order
// and validates the result against the manifest, per §4.6.4.
func Assemble(manifest Manifest, payloads map[int][]byte) ([]byte, error) {
	if len(payloads) != manifest.TotalBlocks {
		return nil, fmt.Errorf("missing_blocks: have %d of %d", len(payloads), manifest.TotalBlocks)
	}

	seqs := make([]int, 0, len(payloads))
	for seq := range payloads {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	var buf []byte
	for i, seq := range seqs {
		if seq != i {
			return nil, fmt.Errorf("missing_blocks: gap at sequence %d", i)
		}
		buf = append(buf, payloads[seq]...)
	}

	if got := crypto.ContentHash(buf); got != manifest.SHA256 {
		return nil, fmt.Errorf("manifest_mismatch: got %s want %s", got, manifest.SHA256)
	}

	return buf, nil
}
