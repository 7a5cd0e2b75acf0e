package p2p

import (
	"sort"
	"sync"
	"time"
)

// Peer sources.
const (
	SourceSeed     = "seed"
	SourceHello    = "hello"   // address announced by an inbound peer
	SourceInbound  = "inbound" // observed address of a peer that announced none; never dialed
	SourceExchange = "exchange"
	SourceMDNS     = "mdns"
	SourceStore    = "store"
	SourceRPC      = "rpc"
)

// Peer is a known remote node.
type Peer struct {
	Address  string
	NodeID   string
	Name     string
	Source   string
	AddedAt  time.Time
	LastSeen time.Time

	conn *Conn
}

// PeerInfo is a read-only snapshot of a Peer.
type PeerInfo struct {
	Address   string    `json:"address"`
	NodeID    string    `json:"node_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Source    string    `json:"source"`
	Connected bool      `json:"connected"`
	Inbound   bool      `json:"inbound,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// Registry maps peer addresses to peers. It is safe for concurrent use.
// Connections are closed before the entry holding them is removed or the
// connection is replaced.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Add registers addr. Re-adding an existing address only refreshes
// LastSeen. It returns true if the address was new.
func (r *Registry) Add(addr, source string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[addr]; ok {
		p.LastSeen = now
		return false
	}
	r.peers[addr] = &Peer{Address: addr, Source: source, AddedAt: now, LastSeen: now}
	return true
}

// Remove deletes addr, closing its connection first.
func (r *Registry) Remove(addr string) {
	r.mu.Lock()
	p, ok := r.peers[addr]
	if ok {
		delete(r.peers, addr)
	}
	r.mu.Unlock()
	if ok && p.conn != nil {
		p.conn.Close()
	}
}

// Touch refreshes LastSeen for addr.
func (r *Registry) Touch(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[addr]; ok {
		p.LastSeen = time.Now()
	}
}

// Has reports whether addr is registered.
func (r *Registry) Has(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[addr]
	return ok
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// List returns every registered address, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.peers))
	for addr := range r.peers {
		out = append(out, addr)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SetConnection attaches c to addr, registering addr if needed. A previous
// connection for addr is closed.
func (r *Registry) SetConnection(addr string, c *Conn) {
	var old *Conn
	now := time.Now()

	r.mu.Lock()
	p, ok := r.peers[addr]
	if !ok {
		p = &Peer{Address: addr, Source: SourceInbound, AddedAt: now}
		r.peers[addr] = p
	}
	if p.conn != c {
		old = p.conn
	}
	p.conn = c
	p.LastSeen = now
	if c != nil {
		p.NodeID = c.NodeID()
		p.Name = c.Name()
	}
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// SetIdentity records the node behind addr without attaching a connection.
func (r *Registry) SetIdentity(addr, nodeID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[addr]; ok {
		p.NodeID = nodeID
		p.Name = name
	}
}

// Connection returns the live connection for addr.
func (r *Registry) Connection(addr string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[addr]
	if !ok || p.conn == nil {
		return nil, false
	}
	return p.conn, true
}

// ClearConnection detaches c from addr if it is still the current
// connection. The entry stays so the address can be redialed.
func (r *Registry) ClearConnection(addr string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[addr]
	if !ok || p.conn != c {
		return false
	}
	p.conn = nil
	return true
}

// Connected returns a snapshot of all live connections.
func (r *Registry) Connected() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.peers))
	for _, p := range r.peers {
		if p.conn != nil {
			out = append(out, p.conn)
		}
	}
	return out
}

// ConnectedCount returns the number of live connections.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.peers {
		if p.conn != nil {
			n++
		}
	}
	return n
}

// Get returns a snapshot of the peer at addr.
func (r *Registry) Get(addr string) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[addr]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// Snapshot returns every peer, sorted by address.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.RLock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (p *Peer) info() PeerInfo {
	info := PeerInfo{
		Address:   p.Address,
		NodeID:    p.NodeID,
		Name:      p.Name,
		Source:    p.Source,
		Connected: p.conn != nil,
		LastSeen:  p.LastSeen,
	}
	if p.conn != nil {
		info.Inbound = !p.conn.Outbound()
	}
	return info
}
