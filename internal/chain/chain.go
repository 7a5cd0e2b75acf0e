// Package chain owns the local hash chain: it serializes every append,
// holds blocks that do not yet extend the head, and applies the fork rule
// when reconciling with peers.
package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/ledger"
	klog "github.com/Klingon-tech/ledgerchat/internal/log"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// Errors returned by the chain.
var (
	// ErrNotHead is returned by AddBlock when a valid block does not extend
	// the current head. The block is held as a candidate.
	ErrNotHead = errors.New("block does not extend head")
	// ErrUnknownPeerTip is returned when fetched blocks do not lead to the
	// tip the peer announced.
	ErrUnknownPeerTip = errors.New("fetched blocks do not reach peer tip")
	// ErrStaleView is returned when the local chain changed underneath a
	// reconciliation pass. The pass is retried on the next tick.
	ErrStaleView = errors.New("local chain changed during reconciliation")
)

// AddResult describes what AddBlock did with a block.
type AddResult int

const (
	// AddRejected means the block failed verification.
	AddRejected AddResult = iota
	// AddAppended means the block extended the head and was committed.
	AddAppended
	// AddKnown means the block was already stored.
	AddKnown
	// AddCandidate means the block was held until reconciliation.
	AddCandidate
)

func (r AddResult) String() string {
	switch r {
	case AddAppended:
		return "appended"
	case AddKnown:
		return "known"
	case AddCandidate:
		return "candidate"
	default:
		return "rejected"
	}
}

// Chain is the single writer of the local ledger.
type Chain struct {
	mu         sync.RWMutex // Guards state, lastAuthor and candidates; held around read-head, build, write.
	store      *ledger.Store
	sender     string
	state      State
	lastAuthor time.Time
	candidates *candidatePool
	events     *eventHub
	now        func() time.Time
}

// New opens the chain held by store. sender identifies locally authored
// blocks.
func New(store *ledger.Store, sender string) (*Chain, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is nil")
	}
	if sender == "" {
		return nil, block.ErrEmptySender
	}
	c := &Chain{
		store:      store,
		sender:     sender,
		candidates: newCandidatePool(MaxCandidates),
		events:     newEventHub(),
		now:        time.Now,
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	if err := c.recoverLastAuthored(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) reload() error {
	head, idx, ok, err := c.store.Head()
	if err != nil {
		return fmt.Errorf("recover head: %w", err)
	}
	if ok {
		c.state = State{Length: idx + 1, Head: head}
	} else {
		c.state = State{}
	}
	return nil
}

// recoverLastAuthored finds our newest block so timestamps stay
// non-decreasing across restarts.
func (c *Chain) recoverLastAuthored() error {
	for i := c.state.Length; i > 0; i-- {
		b, err := c.store.At(i - 1)
		if err != nil {
			return fmt.Errorf("recover last authored: %w", err)
		}
		if b.Sender == c.sender {
			c.lastAuthor = b.Timestamp
			return nil
		}
	}
	return nil
}

// Sender returns the identity stamped on locally authored blocks.
func (c *Chain) Sender() string {
	return c.sender
}

// State returns a snapshot of the head.
func (c *Chain) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Summary returns the chain tip for SYNC_SUMMARY.
func (c *Chain) Summary() Tip {
	return c.State().Tip()
}

// Candidates returns the number of held candidate blocks.
func (c *Chain) Candidates() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.candidates.len()
}

// Subscribe registers for chain events. The returned function unsubscribes
// and closes the channel.
func (c *Chain) Subscribe(buf int) (<-chan Event, func()) {
	return c.events.subscribe(buf)
}

// Author creates a block for message on top of the current head and
// commits it. Success is only returned after the block is durably stored;
// on a storage failure the chain is unchanged.
func (c *Chain) Author(message string) (*block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UTC()
	if ts.Before(c.lastAuthor) {
		ts = c.lastAuthor
	}
	b := block.New(c.sender, ts, message, c.state.Head)
	if err := b.CheckSanity(); err != nil {
		return nil, err
	}
	idx, err := c.store.Append(b)
	if err != nil {
		return nil, fmt.Errorf("append authored block: %w", err)
	}
	c.lastAuthor = ts
	c.commitLocked(b, idx, SourceLocal)
	return b, nil
}

// AddBlock applies a block received from source. Corrupt blocks are
// rejected with block.ErrCorruptBlock. Re-delivering a known block is a
// no-op. A valid block that does not extend the head is held and
// ErrNotHead is returned so the caller can reconcile with source.
func (c *Chain) AddBlock(b *block.Block, source string) (AddResult, error) {
	if err := b.Verify(); err != nil {
		return AddRejected, err
	}
	if err := b.CheckSanity(); err != nil {
		return AddRejected, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	known, err := c.store.Has(b.Hash)
	if err != nil {
		return AddRejected, err
	}
	if known {
		return AddKnown, nil
	}
	if b.PrevHash != c.state.Head {
		c.candidates.add(b)
		return AddCandidate, ErrNotHead
	}

	idx, err := c.store.Append(b)
	if err != nil {
		return AddRejected, fmt.Errorf("append received block: %w", err)
	}
	c.candidates.remove(b.Hash)
	c.commitLocked(b, idx, source)
	c.connectCandidatesLocked(source)
	return AddAppended, nil
}

func (c *Chain) commitLocked(b *block.Block, idx uint64, source string) {
	c.state = State{Length: idx + 1, Head: b.Hash}
	klog.Chain.Debug().
		Str("hash", b.Hash.Short()).
		Uint64("index", idx).
		Str("sender", b.Sender).
		Str("source", source).
		Msg("Block committed")
	c.events.emit(Event{Kind: EventBlockCommitted, Source: source, Block: b, Index: idx})
}

// connectCandidatesLocked appends held blocks that now extend the head.
func (c *Chain) connectCandidatesLocked(source string) {
	for {
		next := c.candidates.childOf(c.state.Head)
		if next == nil {
			return
		}
		c.candidates.remove(next.Hash)
		idx, err := c.store.Append(next)
		if err != nil {
			klog.Chain.Warn().Err(err).Str("hash", next.Hash.Short()).Msg("Failed to connect candidate")
			return
		}
		c.commitLocked(next, idx, source)
	}
}

// pruneCandidatesLocked drops candidates that are now stored.
func (c *Chain) pruneCandidatesLocked() {
	for _, h := range append([]types.Hash(nil), c.candidates.order...) {
		if ok, err := c.store.Has(h); err == nil && ok {
			c.candidates.remove(h)
		}
	}
}
