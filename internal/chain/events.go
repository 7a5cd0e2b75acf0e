package chain

import (
	"sync"

	"github.com/Klingon-tech/ledgerchat/pkg/block"
)

// EventKind identifies a chain event.
type EventKind int

const (
	// EventBlockCommitted is emitted for every block appended to the chain.
	EventBlockCommitted EventKind = iota + 1
	// EventChainRepaired is emitted when reconciliation replaced part of the
	// chain with a winning branch.
	EventChainRepaired
)

func (k EventKind) String() string {
	switch k {
	case EventBlockCommitted:
		return "block_committed"
	case EventChainRepaired:
		return "chain_repaired"
	default:
		return "unknown"
	}
}

// Source values for events.
const (
	SourceLocal   = "local"
	SourceStartup = "startup"
)

// Event describes a committed change to the chain.
type Event struct {
	Kind   EventKind
	Source string // SourceLocal, SourceStartup or the peer address

	// BlockCommitted.
	Block *block.Block
	Index uint64

	// ChainRepaired.
	ForkIndex uint64
	Dropped   []*block.Block
	Added     []*block.Block
	Length    uint64
}

// eventHub fans events out to subscribers. Slow subscribers miss events
// instead of stalling the chain.
type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *eventHub) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
