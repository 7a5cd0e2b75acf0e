package chain

import (
	"time"

	"github.com/Klingon-tech/ledgerchat/pkg/block"
	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// Reads take the read lock so they never observe a half-applied reorg.

// Get returns the block with the given hash.
func (c *Chain) Get(hash types.Hash) (*block.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Get(hash)
}

// HashAt returns the hash at index.
func (c *Chain) HashAt(index uint64) (types.Hash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.HashAt(index)
}

// Hashes returns the hashes at indexes [from, to), clamped to the length.
func (c *Chain) Hashes(from, to uint64) ([]types.Hash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if to > c.state.Length {
		to = c.state.Length
	}
	var out []types.Hash
	for i := from; i < to; i++ {
		h, err := c.store.HashAt(i)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Range returns up to max blocks starting at from.
func (c *Chain) Range(from uint64, max int) ([]*block.Block, error) {
	if max <= 0 {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Range(from, from+uint64(max))
}

// Latest returns the newest limit blocks, oldest first.
func (c *Chain) Latest(limit int) ([]*block.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Latest(limit)
}

// History returns a page of blocks counted back from the head: offset 0
// ends at the head. Blocks are returned oldest first.
func (c *Chain) History(offset, limit int) ([]*block.Block, error) {
	if offset < 0 || limit <= 0 {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.state.Length
	if uint64(offset) >= n {
		return nil, nil
	}
	to := n - uint64(offset)
	var from uint64
	if uint64(limit) < to {
		from = to - uint64(limit)
	}
	return c.store.Range(from, to)
}

// Before returns up to limit blocks authored strictly before ts, oldest
// first.
func (c *Chain) Before(ts time.Time, limit int) ([]*block.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Before(ts, limit)
}

// Validate runs the chain validator over every stored block.
func (c *Chain) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	blocks, err := c.store.Range(0, c.state.Length)
	if err != nil {
		return err
	}
	return block.ValidateChain(blocks)
}
