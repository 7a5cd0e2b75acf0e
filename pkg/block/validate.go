package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// ErrBrokenLink marks a block whose prev_hash does not resolve to any
// earlier block in the sequence.
var ErrBrokenLink = errors.New("broken link: prev_hash not found")

// ErrorKind classifies a chain validation failure.
type ErrorKind uint8

const (
	KindCorrupt    ErrorKind = iota + 1 // Digest mismatch.
	KindBrokenLink                      // Unresolved prev_hash.
)

func (k ErrorKind) String() string {
	switch k {
	case KindCorrupt:
		return "corrupt_block"
	case KindBrokenLink:
		return "broken_link"
	default:
		return "unknown"
	}
}

// ChainError reports the first violation found while walking a chain.
// Index is relative to the slice that was validated.
type ChainError struct {
	Kind  ErrorKind
	Index int
	Hash  types.Hash
	Err   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s at index %d (%s): %v", e.Kind, e.Index, e.Hash.Short(), e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// ValidateChain walks blocks in stored order. Every block must verify, and
// every prev_hash must be the zero sentinel or the hash of an earlier block
// in the slice. Two blocks sharing a prev_hash (a fork) are valid.
func ValidateChain(blocks []*Block) error {
	return validate(nil, blocks)
}

// ValidateSuffix validates blocks that continue a chain whose tip is anchor.
// The anchor resolves like an earlier block would.
func ValidateSuffix(anchor types.Hash, blocks []*Block) error {
	return validate(&anchor, blocks)
}

func validate(anchor *types.Hash, blocks []*Block) error {
	seen := make(map[types.Hash]struct{}, len(blocks)+1)
	if anchor != nil {
		seen[*anchor] = struct{}{}
	}

	for i, b := range blocks {
		if err := b.Verify(); err != nil {
			var h types.Hash
			if b != nil {
				h = b.Hash
			}
			return &ChainError{Kind: KindCorrupt, Index: i, Hash: h, Err: ErrCorruptBlock}
		}
		if !b.PrevHash.IsZero() {
			if _, ok := seen[b.PrevHash]; !ok {
				return &ChainError{Kind: KindBrokenLink, Index: i, Hash: b.Hash, Err: ErrBrokenLink}
			}
		}
		seen[b.Hash] = struct{}{}
	}
	return nil
}

// FindForks returns, for every prev_hash shared by two or more blocks, the
// indexes of those blocks in stored order.
func FindForks(blocks []*Block) map[types.Hash][]int {
	byPrev := make(map[types.Hash][]int)
	for i, b := range blocks {
		byPrev[b.PrevHash] = append(byPrev[b.PrevHash], i)
	}
	forks := make(map[types.Hash][]int)
	for prev, idx := range byPrev {
		if len(idx) > 1 {
			forks[prev] = idx
		}
	}
	return forks
}

// IsLinear reports whether each block links directly to its predecessor in
// the slice, starting from anchor.
func IsLinear(anchor types.Hash, blocks []*Block) bool {
	prev := anchor
	for _, b := range blocks {
		if b.PrevHash != prev {
			return false
		}
		prev = b.Hash
	}
	return true
}
