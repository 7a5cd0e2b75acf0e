package chain

import (
	"fmt"

	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// Tip summarizes a chain for comparison: its length and head hash. An empty
// chain has length zero and the zero head.
type Tip struct {
	Length uint64     `json:"length"`
	Head   types.Hash `json:"head_hash"`
}

func (t Tip) String() string {
	return fmt.Sprintf("%d/%s", t.Length, t.Head.Short())
}

// Decision is the outcome of comparing the local chain with a peer's.
type Decision int

const (
	// InSync means both chains have the same head.
	InSync Decision = iota
	// LocalAhead means the peer's chain is a prefix of ours.
	LocalAhead
	// FastForward means our chain is a prefix of the peer's.
	FastForward
	// ReorgToRemote means the chains fork and the peer's branch wins.
	ReorgToRemote
	// KeepLocal means the chains fork and our branch wins.
	KeepLocal
)

func (d Decision) String() string {
	switch d {
	case InSync:
		return "in_sync"
	case LocalAhead:
		return "local_ahead"
	case FastForward:
		return "fast_forward"
	case ReorgToRemote:
		return "reorg_to_remote"
	case KeepLocal:
		return "keep_local"
	default:
		return "unknown"
	}
}

// Changes reports whether the decision rewrites the local chain.
func (d Decision) Changes() bool {
	return d == FastForward || d == ReorgToRemote
}

// Wins reports whether branch a beats branch b under the fork rule: the
// longer chain wins, and on equal length the chain whose head hash is
// smaller, comparing the 32 raw bytes, wins. Every peer applies the same
// rule to the same data, so all peers pick the same winner.
func Wins(a, b Tip) bool {
	if a.Length != b.Length {
		return a.Length > b.Length
	}
	return a.Head.Less(b.Head)
}

// Resolve decides what to do with a peer's chain. common is the number of
// leading blocks the two chains share.
func Resolve(local, remote Tip, common uint64) Decision {
	switch {
	case local.Length == remote.Length && local.Head == remote.Head:
		return InSync
	case common >= remote.Length:
		return LocalAhead
	case common >= local.Length:
		return FastForward
	case Wins(remote, local):
		return ReorgToRemote
	default:
		return KeepLocal
	}
}

// CommonPrefix returns how many leading entries of two hash sequences, both
// starting at the same chain index, are equal.
func CommonPrefix(local, remote []types.Hash) int {
	n := len(local)
	if len(remote) < n {
		n = len(remote)
	}
	for i := 0; i < n; i++ {
		if local[i] != remote[i] {
			return i
		}
	}
	return n
}
