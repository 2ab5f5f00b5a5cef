package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildManifestAndAssemble_RoundTrips(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	chunks := Chunk(data, 10)
	m := BuildManifest("file-1", "fox.txt", data, len(chunks))

	payloads := make(map[int][]byte, len(chunks))
	for i, c := range chunks {
		payloads[i] = c
	}

	out, err := Assemble(m, payloads)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestAssemble_FailsOnMissingBlocks(t *testing.T) {
	m := BuildManifest("file-1", "fox.txt", []byte("abc"), 3)
	_, err := Assemble(m, map[int][]byte{0: []byte("a"), 1: []byte("b")})
	assert.ErrorContains(t, err, "missing_blocks")
}

func TestAssemble_FailsOnHashMismatch(t *testing.T) {
	m := BuildManifest("file-1", "fox.txt", []byte("abc"), 1)
	_, err := Assemble(m, map[int][]byte{0: []byte("xyz")})
	assert.ErrorContains(t, err, "manifest_mismatch")
}
