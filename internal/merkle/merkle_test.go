package merkle

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/stratumforge/corepool/internal/byteutil"
)

func hashByte(b byte) []byte {
	h := make([]byte, 32)
	h[0] = b
	return h
}

func TestStepsEmptyForCoinbaseOnly(t *testing.T) {
	steps := Steps([][]byte{nil})
	assert.Empty(t, steps)
}

func TestStepsThreeTransactions(t *testing.T) {
	h1, h2, h3 := hashByte(1), hashByte(2), hashByte(3)
	steps := Steps([][]byte{nil, h1, h2, h3})
	require.Len(t, steps, 2)
	assert.True(t, bytes.Equal(h1, steps[0]))
	assert.True(t, bytes.Equal(byteutil.Sha256d(append(append([]byte{}, h2...), h3...)), steps[1]))
}

func TestRootRecoversFromSteps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "n")
		hashes := make([][]byte, n+1)
		hashes[0] = nil
		for i := 1; i <= n; i++ {
			hashes[i] = hashByte(byte(i))
		}

		coinbaseHash := hashByte(0xAA)
		full := make([][]byte, len(hashes))
		copy(full, hashes)
		full[0] = coinbaseHash

		want := directMerkleRoot(full)

		steps := Steps(hashes)
		got := Root(coinbaseHash, steps)
		assert.True(t, bytes.Equal(want, got))
	})
}

// directMerkleRoot computes the root by brute-force pairwise hashing,
// independent of Steps, as an oracle for the round-trip property.
func directMerkleRoot(level [][]byte) []byte {
	if len(level) == 1 {
		return level[0]
	}
	cur := make([][]byte, len(level))
	copy(cur, level)
	for len(cur) > 1 {
		if len(cur)%2 != 0 {
			cur = append(cur, cur[len(cur)-1])
		}
		next := make([][]byte, len(cur)/2)
		for i := 0; i < len(cur); i += 2 {
			next[i/2] = byteutil.Sha256d(append(append([]byte{}, cur[i]...), cur[i+1]...))
		}
		cur = next
	}
	return cur[0]
}
