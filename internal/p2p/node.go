// Package p2p implements peer-to-peer replication over plain TCP: framed
// JSON messages, a peer registry, inbound and outbound connection
// management, block broadcast and chain sync requests.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/chain"
	klog "github.com/Klingon-tech/ledgerchat/internal/log"
	"github.com/Klingon-tech/ledgerchat/internal/storage"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
	manet "github.com/multiformats/go-multiaddr/net"
)

const (
	// defaultDialInterval is how often the dial loop looks for peers to connect.
	defaultDialInterval = 2 * time.Second

	// dialTimeout bounds a single outbound TCP connect.
	dialTimeout = 5 * time.Second

	// maxRedialInterval caps the backoff between attempts to one address.
	maxRedialInterval = 60 * time.Second

	// maxKnownPeers bounds the registry against runaway PEERS exchanges.
	maxKnownPeers = 1000
)

// ErrPeerUnreachable is returned when a peer cannot be dialed.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Config holds P2P node configuration.
type Config struct {
	ListenAddr   string // multiaddr or host:port
	Advertise    string // announced address; derived from the listener when empty
	NodeID       string // generated when empty
	Name         string
	Network      string
	Seeds        []string
	MaxPeers     int
	MDNS         bool
	DB           storage.DB    // Peer persistence (nil = disabled, for tests)
	DialInterval time.Duration // 0 = defaultDialInterval
}

// ChainSource answers peers' sync requests.
type ChainSource interface {
	Summary() chain.Tip
	Range(from uint64, max int) ([]*block.Block, error)
}

// Node is the connection manager. It accepts inbound connections, dials
// known addresses with per-address backoff and owns every live Conn.
type Node struct {
	config Config
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listener  manet.Listener
	advertise string

	registry  *Registry
	peerStore *PeerStore
	chain     ChainSource

	blockHandler    func(from string, b *block.Block)
	onPeerConnected func(addr string)

	mu   sync.Mutex
	byID map[string]*Conn    // live connection per remote node id
	self map[string]struct{} // addresses that loop back to this node

	dialMu   sync.Mutex
	dialing  map[string]bool
	backoffs map[string]*dialBackoff

	mdnsServer *zeroconf.Server
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	id := cfg.NodeID
	if id == "" {
		id, _ = LoadOrCreateNodeID("")
	}
	if cfg.DialInterval <= 0 {
		cfg.DialInterval = defaultDialInterval
	}
	n := &Node{
		config:   cfg,
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		registry: NewRegistry(),
		byID:     make(map[string]*Conn),
		self:     make(map[string]struct{}),
		dialing:  make(map[string]bool),
		backoffs: make(map[string]*dialBackoff),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

// SetChain sets the chain used to answer sync requests and fill HELLO.
func (n *Node) SetChain(src ChainSource) {
	n.chain = src
}

// SetBlockHandler registers a callback for incoming NEW_BLOCK messages.
// It runs on the sending peer's receive loop.
func (n *Node) SetBlockHandler(fn func(from string, b *block.Block)) {
	n.blockHandler = fn
}

// SetPeerConnectedHandler registers a callback invoked when a peer connects.
func (n *Node) SetPeerConnectedHandler(fn func(addr string)) {
	n.onPeerConnected = fn
}

// Start begins listening and connecting to peers.
func (n *Node) Start() error {
	listenMA, err := ParseAddr(n.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	l, err := manet.Listen(listenMA)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenMA, err)
	}
	n.listener = l

	n.advertise = advertiseAddr(l.Multiaddr())
	if n.config.Advertise != "" {
		adv, err := CanonicalAddr(n.config.Advertise)
		if err != nil {
			l.Close()
			return fmt.Errorf("advertise address: %w", err)
		}
		n.advertise = adv
	}
	n.markSelf(n.advertise)
	n.markSelf(l.Multiaddr().String())

	klog.P2P.Info().
		Str("listen", l.Multiaddr().String()).
		Str("advertise", n.advertise).
		Str("node_id", n.id).
		Msg("P2P listening")

	for _, s := range n.config.Seeds {
		if _, err := n.AddPeer(s, SourceSeed); err != nil {
			klog.P2P.Warn().Str("addr", s).Err(err).Msg("Bad seed address")
		}
	}
	n.loadPersistedPeers()

	n.wg.Add(2)
	go n.acceptLoop()
	go n.dialLoop()

	if n.peerStore != nil {
		n.wg.Add(1)
		go n.runPersistLoop()
	}

	if n.config.MDNS {
		if err := n.startMDNS(); err != nil {
			klog.P2P.Warn().Err(err).Msg("mDNS disabled")
		}
	}
	return nil
}

// Stop closes the listener and every connection, and waits for all
// goroutines to exit.
func (n *Node) Stop() error {
	n.persistPeers()

	n.cancel()
	if n.mdnsServer != nil {
		n.mdnsServer.Shutdown()
	}
	var err error
	if n.listener != nil {
		err = n.listener.Close()
	}
	for _, c := range n.registry.Connected() {
		c.Close()
	}
	n.wg.Wait()
	return err
}

// ID returns the node id announced in HELLO.
func (n *Node) ID() string {
	return n.id
}

// Name returns the display name announced in HELLO.
func (n *Node) Name() string {
	return n.config.Name
}

// Network returns the network this node accepts peers from.
func (n *Node) Network() string {
	return n.config.Network
}

// AdvertiseAddr returns the address announced to peers.
func (n *Node) AdvertiseAddr() string {
	return n.advertise
}

// ListenAddr returns the bound listen address (empty before Start).
func (n *Node) ListenAddr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Multiaddr().String()
}

// Registry returns the peer registry.
func (n *Node) Registry() *Registry {
	return n.registry
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return n.registry.ConnectedCount()
}

// PeerList returns a snapshot of known peers.
func (n *Node) PeerList() []PeerInfo {
	return n.registry.Snapshot()
}

// ConnectedPeers returns the addresses of connected peers.
func (n *Node) ConnectedPeers() []string {
	conns := n.registry.Connected()
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Addr())
	}
	return out
}

// AddPeer registers addr for dialing and returns its canonical form.
func (n *Node) AddPeer(addr, source string) (string, error) {
	canon, err := CanonicalAddr(addr)
	if err != nil {
		return "", err
	}
	if n.isSelf(canon) {
		return canon, fmt.Errorf("%s is this node", canon)
	}
	n.registry.Add(canon, source)
	return canon, nil
}

// DisconnectPeer closes the connection to addr. The address stays known
// and is redialed later.
func (n *Node) DisconnectPeer(addr string) error {
	c, ok := n.registry.Connection(addr)
	if !ok {
		return ErrNotConnected
	}
	return c.Close()
}

// RemovePeer forgets addr, closing its connection first.
func (n *Node) RemovePeer(addr string) {
	n.registry.Remove(addr)
	if n.peerStore != nil {
		n.peerStore.Delete(addr)
	}
}

func (n *Node) markSelf(addr string) {
	n.mu.Lock()
	n.self[addr] = struct{}{}
	n.mu.Unlock()
}

func (n *Node) isSelf(addr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.self[addr]
	return ok
}

func (n *Node) connectedID(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.byID[id]
	return ok
}

// --- Server role ---

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		raw, err := n.listener.Accept()
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			klog.P2P.Debug().Err(err).Msg("Accept failed")
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleInbound(raw)
		}()
	}
}

func (n *Node) handleInbound(raw manet.Conn) {
	remote := raw.RemoteMultiaddr().String()
	if n.config.MaxPeers > 0 && n.registry.ConnectedCount() >= n.config.MaxPeers {
		klog.P2P.Debug().Str("remote", remote).Msg("Rejecting inbound, at max peers")
		raw.Close()
		return
	}

	hello, err := n.handshake(raw)
	if err != nil {
		raw.Close()
		if !errors.Is(err, errSelfConnection) {
			klog.P2P.Debug().Str("remote", remote).Err(err).Msg("Inbound handshake failed")
		}
		return
	}

	addr, source := remote, SourceInbound
	if hello.Address != "" {
		if canon, err := CanonicalAddr(hello.Address); err == nil && !n.isSelf(canon) {
			addr, source = canon, SourceHello
		}
	}
	n.attach(raw, addr, hello, false, source)
}

// --- Client role ---

type dialBackoff struct {
	bo   *backoff.ExponentialBackOff
	next time.Time
}

func newDialBackoff() *dialBackoff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = maxRedialInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &dialBackoff{bo: bo}
}

func (n *Node) dialLoop() {
	defer n.wg.Done()
	n.dialPeers()

	ticker := time.NewTicker(n.config.DialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.dialPeers()
		}
	}
}

// dialPeers starts a dial for every known address that has no connection,
// is not already being dialed and whose backoff has expired.
func (n *Node) dialPeers() {
	for _, addr := range n.registry.List() {
		if n.config.MaxPeers > 0 && n.registry.ConnectedCount() >= n.config.MaxPeers {
			return
		}
		if !n.claimDial(addr) {
			continue
		}
		n.wg.Add(1)
		go func(addr string) {
			defer n.wg.Done()
			defer n.releaseDial(addr)
			n.dial(addr)
		}(addr)
	}
}

func (n *Node) claimDial(addr string) bool {
	if n.isSelf(addr) {
		return false
	}
	info, ok := n.registry.Get(addr)
	if !ok || info.Connected || info.Source == SourceInbound {
		return false
	}
	if info.NodeID != "" && n.connectedID(info.NodeID) {
		return false
	}

	n.dialMu.Lock()
	defer n.dialMu.Unlock()
	if n.dialing[addr] {
		return false
	}
	if b, ok := n.backoffs[addr]; ok && time.Now().Before(b.next) {
		return false
	}
	n.dialing[addr] = true
	return true
}

func (n *Node) releaseDial(addr string) {
	n.dialMu.Lock()
	delete(n.dialing, addr)
	n.dialMu.Unlock()
}

func (n *Node) dialFailed(addr string, err error) {
	n.dialMu.Lock()
	b, ok := n.backoffs[addr]
	if !ok {
		b = newDialBackoff()
		n.backoffs[addr] = b
	}
	wait := b.bo.NextBackOff()
	b.next = time.Now().Add(wait)
	n.dialMu.Unlock()

	klog.P2P.Debug().Str("addr", addr).Dur("retry_in", wait).Err(err).Msg("Dial failed")
}

func (n *Node) dialSucceeded(addr string) {
	n.dialMu.Lock()
	delete(n.backoffs, addr)
	n.dialMu.Unlock()
}

func (n *Node) dial(addr string) {
	ma, err := ParseAddr(addr)
	if err != nil {
		n.dialFailed(addr, err)
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
	defer cancel()

	d := manet.Dialer{Dialer: net.Dialer{Timeout: dialTimeout}}
	raw, err := d.DialContext(ctx, ma)
	if err != nil {
		n.dialFailed(addr, fmt.Errorf("%w: %w", ErrPeerUnreachable, err))
		return
	}

	hello, err := n.handshake(raw)
	if errors.Is(err, errSelfConnection) {
		raw.Close()
		n.markSelf(addr)
		n.registry.Remove(addr)
		klog.P2P.Debug().Str("addr", addr).Msg("Address is this node, forgetting it")
		return
	}
	if err != nil {
		raw.Close()
		n.dialFailed(addr, err)
		return
	}
	n.dialSucceeded(addr)
	n.attach(raw, addr, hello, true, "")
}

// --- Connection lifecycle ---

// attach registers a handshaken connection and starts its loops.
func (n *Node) attach(raw net.Conn, addr string, hello *HelloMessage, outbound bool, source string) {
	c := newConn(raw, addr, *hello, outbound)
	if !n.adopt(c) {
		c.Close()
		if outbound {
			// Another address of an already connected node; remember
			// whose it is so the dial loop skips it.
			n.registry.SetIdentity(addr, hello.NodeID, hello.Name)
		}
		return
	}
	if source != "" {
		n.registry.Add(addr, source)
	}
	n.registry.SetConnection(addr, c)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer n.wg.Done()
		err := c.readLoop(n.handleMessage)
		n.dropConn(c, err)
	}()
	if n.ctx.Err() != nil {
		c.Close()
		return
	}

	c.logger.Info().
		Str("node_id", c.NodeID()).
		Str("name", c.Name()).
		Bool("outbound", outbound).
		Uint64("length", hello.Length).
		Msg("Peer connected")

	n.sendPeers(c)
	if fn := n.onPeerConnected; fn != nil {
		go fn(addr)
	}
}

// adopt records c as the connection to its node, resolving duplicates:
// of two connections between the same pair of nodes, both sides keep the
// one dialed by the node with the smaller id.
func (n *Node) adopt(c *Conn) bool {
	var replaced *Conn
	defer func() {
		if replaced != nil {
			replaced.Close()
		}
	}()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx.Err() != nil {
		return false
	}
	if existing, ok := n.byID[c.NodeID()]; ok {
		oldDialer, newDialer := existing.dialerID(n.id), c.dialerID(n.id)
		if oldDialer == newDialer || oldDialer < newDialer {
			c.logger.Debug().Str("node_id", c.NodeID()).Msg("Dropping duplicate connection")
			return false
		}
		replaced = existing
	}
	n.byID[c.NodeID()] = c
	return true
}

func (n *Node) dropConn(c *Conn, err error) {
	n.mu.Lock()
	if n.byID[c.NodeID()] == c {
		delete(n.byID, c.NodeID())
	}
	n.mu.Unlock()

	if n.registry.ClearConnection(c.Addr(), c) {
		if info, ok := n.registry.Get(c.Addr()); ok && info.Source == SourceInbound {
			n.registry.Remove(c.Addr())
		}
		c.logger.Info().Err(err).Msg("Peer disconnected")
	}
}

func (n *Node) handleMessage(c *Conn, msg *Message) {
	n.registry.Touch(c.Addr())
	switch msg.Type {
	case MsgNewBlock:
		var b block.Block
		if err := msg.Decode(&b); err != nil {
			c.logger.Debug().Err(err).Msg("Bad NEW_BLOCK")
			return
		}
		if n.blockHandler != nil {
			n.blockHandler(c.Addr(), &b)
		}
	case MsgSyncRequest:
		n.handleSyncRequest(c, msg)
	case MsgSyncFetch:
		n.handleSyncFetch(c, msg)
	case MsgPeers:
		n.handlePeers(c, msg)
	case MsgHello:
		c.logger.Debug().Msg("Ignoring repeated HELLO")
	default:
		c.logger.Debug().Str("type", msg.Type.String()).Msg("Ignoring unknown message")
	}
}

// --- Peer exchange ---

func (n *Node) sendPeers(c *Conn) {
	var addrs []string
	for _, p := range n.registry.Snapshot() {
		if p.Source == SourceInbound || p.Address == c.Addr() {
			continue
		}
		addrs = append(addrs, p.Address)
		if len(addrs) == MaxPeersPerExchange {
			break
		}
	}
	if len(addrs) == 0 {
		return
	}
	msg, err := NewMessage(MsgPeers, PeersMessage{Addresses: addrs})
	if err != nil {
		return
	}
	if err := c.Send(msg); err != nil {
		c.logger.Debug().Err(err).Msg("Peer exchange send failed")
	}
}

func (n *Node) handlePeers(c *Conn, msg *Message) {
	var pm PeersMessage
	if err := msg.Decode(&pm); err != nil {
		c.logger.Debug().Err(err).Msg("Bad PEERS")
		return
	}
	added := 0
	for i, addr := range pm.Addresses {
		if i >= MaxPeersPerExchange || n.registry.Len() >= maxKnownPeers {
			break
		}
		canon, err := CanonicalAddr(addr)
		if err != nil || n.isSelf(canon) {
			continue
		}
		if n.registry.Add(canon, SourceExchange) {
			added++
		}
	}
	if added > 0 {
		c.logger.Debug().Int("added", added).Msg("Learned peers")
	}
}

// --- Peer persistence ---

func (n *Node) persistPeers() {
	if n.peerStore == nil {
		return
	}
	for _, p := range n.registry.Snapshot() {
		if p.Source == SourceInbound {
			continue
		}
		rec := PeerRecord{
			Address:  p.Address,
			NodeID:   p.NodeID,
			Name:     p.Name,
			LastSeen: p.LastSeen.Unix(),
			Source:   p.Source,
		}
		if err := n.peerStore.Save(rec); err != nil {
			klog.P2P.Debug().Err(err).Str("addr", p.Address).Msg("Persist peer failed")
		}
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	if pruned, err := n.peerStore.PruneStale(staleThreshold); err == nil && pruned > 0 {
		klog.P2P.Debug().Int("pruned", pruned).Msg("Pruned stale peers")
	}
	records, err := n.peerStore.LoadAll()
	if err != nil {
		klog.P2P.Warn().Err(err).Msg("Load persisted peers failed")
		return
	}
	for _, rec := range records {
		if n.isSelf(rec.Address) {
			continue
		}
		n.registry.Add(rec.Address, SourceStore)
	}
	if len(records) > 0 {
		klog.P2P.Info().Int("peers", len(records)).Msg("Loaded persisted peers")
	}
}

func (n *Node) runPersistLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(staleThreshold)
		}
	}
}
