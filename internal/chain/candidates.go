package chain

import (
	"github.com/Klingon-tech/ledgerchat/pkg/block"
	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// MaxCandidates bounds the number of received blocks held while they do not
// extend the head.
const MaxCandidates = 256

// candidatePool holds valid blocks that did not extend the head when they
// arrived. Oldest entries are evicted first. Not safe for concurrent use;
// guarded by Chain.mu.
type candidatePool struct {
	blocks map[types.Hash]*block.Block
	order  []types.Hash
	max    int
}

func newCandidatePool(max int) *candidatePool {
	return &candidatePool{blocks: make(map[types.Hash]*block.Block), max: max}
}

func (p *candidatePool) add(b *block.Block) {
	if _, ok := p.blocks[b.Hash]; ok {
		return
	}
	for len(p.order) >= p.max {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.blocks, oldest)
	}
	p.blocks[b.Hash] = b
	p.order = append(p.order, b.Hash)
}

func (p *candidatePool) has(h types.Hash) bool {
	_, ok := p.blocks[h]
	return ok
}

func (p *candidatePool) remove(h types.Hash) {
	if _, ok := p.blocks[h]; !ok {
		return
	}
	delete(p.blocks, h)
	for i, o := range p.order {
		if o == h {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// childOf returns the candidate extending prev. When several do, the one
// with the smallest hash is returned so every peer picks the same block.
func (p *candidatePool) childOf(prev types.Hash) *block.Block {
	var best *block.Block
	for _, b := range p.blocks {
		if b.PrevHash != prev {
			continue
		}
		if best == nil || b.Hash.Less(best.Hash) {
			best = b
		}
	}
	return best
}

func (p *candidatePool) len() int {
	return len(p.order)
}
