package chain

import "github.com/Klingon-tech/ledgerchat/pkg/types"

// State holds the current chain head.
type State struct {
	Length uint64
	Head   types.Hash
}

// IsEmpty returns true if no block has been committed yet.
func (s State) IsEmpty() bool {
	return s.Length == 0
}

// Tip returns the state as a fork-comparison summary.
func (s State) Tip() Tip {
	return Tip{Length: s.Length, Head: s.Head}
}
