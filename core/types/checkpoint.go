package types

import "fmt"

// Checkpoint records how far the watcher of a chain has progressed.
// LastProcessedHeight is the highest height fetched from the chain,
// LastFinalizedHeight the highest height whose events were all emitted.
type Checkpoint struct {
	ChainID             uint64
	LastProcessedHeight uint64
	LastFinalizedHeight uint64
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("chain=%d processed=%d finalized=%d", c.ChainID, c.LastProcessedHeight, c.LastFinalizedHeight)
}

// FinalizedTip returns the highest height that is final at the given chain
// height with the given confirmation depth. A block at height h has
// current-h+1 confirmations.
func FinalizedTip(current, depth uint64) (uint64, bool) {
	if depth == 0 {
		depth = 1
	}
	if current+1 < depth {
		return 0, false
	}
	return current + 1 - depth, true
}

// Confirmations returns the number of confirmations of a block at height
// given the chain's current height.
func Confirmations(current, height uint64) uint64 {
	if height > current {
		return 0
	}
	return current - height + 1
}
