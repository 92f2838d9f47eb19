// Package merkle computes the partial Merkle branch ("steps") a miner
// needs to recompute a block's Merkle root from the coinbase hash alone.
package merkle

import "github.com/stratumforge/corepool/internal/byteutil"

// Steps computes the Merkle branch for a transaction list whose first
// element is a reserved null slot standing in for the not-yet-known
// coinbase hash. At each level the element at index 0 is treated as the
// (still unknown) coinbase slot and replaced by a fresh null slot for the
// next level; its sibling is appended to the returned branch. Odd-sized
// levels duplicate the last element before pairing.
func Steps(hashes [][]byte) [][]byte {
	if len(hashes) == 0 {
		return nil
	}

	steps := make([][]byte, 0)
	level := make([][]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		// The sibling of the coinbase slot (index 0) becomes a step.
		steps = append(steps, level[1])

		next := make([][]byte, 0, len(level)/2)
		next = append(next, nil) // null slot for the next level's coinbase
		for i := 2; i < len(level); i += 2 {
			next = append(next, byteutil.Sha256d(concat(level[i], level[i+1])))
		}
		level = next
	}

	return steps
}

// Root recomputes the Merkle root given a coinbase hash and the branch
// produced by Steps: iteratively double-SHA256 the running hash folded
// with each branch sibling, in order.
func Root(coinbaseHash []byte, branch [][]byte) []byte {
	hash := make([]byte, len(coinbaseHash))
	copy(hash, coinbaseHash)

	for _, sibling := range branch {
		hash = byteutil.Sha256d(concat(hash, sibling))
	}

	return hash
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}
