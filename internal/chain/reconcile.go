package chain

import (
	"errors"
	"fmt"

	klog "github.com/Klingon-tech/ledgerchat/internal/log"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// MergeResult reports what ApplyRemote did.
type MergeResult struct {
	Decision Decision
	Added    int
	Dropped  []*block.Block
}

// ApplyRemote merges a peer's chain. common is the number of leading blocks
// the peer shares with us, remote the tip it announced, and suffix its
// blocks from index common up to that tip. The suffix is validated against
// the shared prefix before anything is written. When the peer's branch wins
// the local blocks from common onwards are replaced in one atomic write and
// an EventChainRepaired is emitted.
func (c *Chain) ApplyRemote(common uint64, remote Tip, suffix []*block.Block, source string) (MergeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := c.state.Tip()
	if common > local.Length || common > remote.Length {
		return MergeResult{}, fmt.Errorf("%w: common prefix %d beyond tips %s, %s", ErrStaleView, common, local, remote)
	}
	if d := Resolve(local, remote, common); !d.Changes() {
		return MergeResult{Decision: d}, nil
	}

	base := common
	anchor, err := c.anchorLocked(base)
	if err != nil {
		return MergeResult{}, err
	}
	if err := checkSuffix(anchor, base, remote, suffix); err != nil {
		return MergeResult{}, err
	}

	// Skip blocks we appended since the peer's chain was compared.
	for common < local.Length && common < remote.Length {
		h, err := c.store.HashAt(common)
		if err != nil {
			return MergeResult{}, err
		}
		if h != suffix[common-base].Hash {
			break
		}
		common++
	}

	decision := Resolve(local, remote, common)
	rest := suffix[common-base:]

	switch decision {
	case FastForward:
		if _, err := c.store.ReplaceFrom(local.Length, rest); err != nil {
			return MergeResult{}, fmt.Errorf("fast-forward: %w", err)
		}
		for i, b := range rest {
			c.commitLocked(b, local.Length+uint64(i), source)
		}
		c.pruneCandidatesLocked()
		c.connectCandidatesLocked(source)
		return MergeResult{Decision: decision, Added: len(rest)}, nil

	case ReorgToRemote:
		dropped, err := c.store.ReplaceFrom(common, rest)
		if err != nil {
			return MergeResult{}, fmt.Errorf("reorg: %w", err)
		}
		c.state = State{Length: remote.Length, Head: remote.Head}
		klog.Chain.Warn().
			Uint64("fork_index", common).
			Int("dropped", len(dropped)).
			Int("added", len(rest)).
			Str("old_head", local.Head.Short()).
			Str("new_head", remote.Head.Short()).
			Str("source", source).
			Msg("Chain reorganized to winning branch")
		c.events.emit(Event{
			Kind:      EventChainRepaired,
			Source:    source,
			ForkIndex: common,
			Dropped:   dropped,
			Added:     rest,
			Length:    remote.Length,
		})
		c.pruneCandidatesLocked()
		c.connectCandidatesLocked(source)
		return MergeResult{Decision: decision, Added: len(rest), Dropped: dropped}, nil
	}
	return MergeResult{Decision: decision}, nil
}

// anchorLocked returns the hash a suffix starting at index must link to.
func (c *Chain) anchorLocked(index uint64) (types.Hash, error) {
	if index == 0 {
		return types.Hash{}, nil
	}
	return c.store.HashAt(index - 1)
}

// checkSuffix confirms suffix links to anchor, is a single linear run and
// ends at the announced tip.
func checkSuffix(anchor types.Hash, common uint64, remote Tip, suffix []*block.Block) error {
	if common+uint64(len(suffix)) != remote.Length {
		return fmt.Errorf("%w: got %d blocks from %d, tip %s", ErrUnknownPeerTip, len(suffix), common, remote)
	}
	if len(suffix) == 0 {
		return fmt.Errorf("%w: empty suffix", ErrUnknownPeerTip)
	}
	for i, b := range suffix {
		if b == nil {
			return &block.ChainError{Kind: block.KindCorrupt, Index: i, Err: block.ErrCorruptBlock}
		}
	}
	if suffix[len(suffix)-1].Hash != remote.Head {
		return fmt.Errorf("%w: suffix ends at %s, tip %s", ErrUnknownPeerTip, suffix[len(suffix)-1].Hash.Short(), remote)
	}
	if suffix[0].PrevHash != anchor {
		return fmt.Errorf("%w: suffix does not start at shared prefix", ErrStaleView)
	}
	if err := block.ValidateSuffix(anchor, suffix); err != nil {
		return err
	}
	if !block.IsLinear(anchor, suffix) {
		return fmt.Errorf("%w: suffix is not a linear chain", block.ErrBrokenLink)
	}
	return nil
}

// Repair validates the stored chain and truncates it at the first invalid
// block, so the missing part is fetched again by reconciliation. It returns
// the validation failure, or nil when the chain was intact.
func (c *Chain) Repair() (*block.ChainError, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks, err := c.store.Range(0, c.state.Length)
	if err != nil {
		return nil, err
	}
	verr := block.ValidateChain(blocks)
	if verr == nil {
		return nil, nil
	}
	var ce *block.ChainError
	if !errors.As(verr, &ce) {
		return nil, verr
	}
	dropped, err := c.store.ReplaceFrom(uint64(ce.Index), nil)
	if err != nil {
		return ce, fmt.Errorf("truncate invalid chain: %w", err)
	}
	old := c.state
	if err := c.reload(); err != nil {
		return ce, err
	}
	klog.Chain.Warn().
		Str("kind", ce.Kind.String()).
		Int("index", ce.Index).
		Int("dropped", len(dropped)).
		Str("old_head", old.Head.Short()).
		Msg("Local chain invalid, truncated for resync")
	c.events.emit(Event{
		Kind:      EventChainRepaired,
		Source:    SourceStartup,
		ForkIndex: uint64(ce.Index),
		Dropped:   dropped,
		Length:    c.state.Length,
	})
	return ce, nil
}
