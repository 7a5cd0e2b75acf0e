// Package node provides a reusable ledger node that can be embedded in any
// binary (daemon, tests).
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Klingon-tech/ledgerchat/config"
	"github.com/Klingon-tech/ledgerchat/internal/chain"
	"github.com/Klingon-tech/ledgerchat/internal/ledger"
	klog "github.com/Klingon-tech/ledgerchat/internal/log"
	"github.com/Klingon-tech/ledgerchat/internal/p2p"
	"github.com/Klingon-tech/ledgerchat/internal/reconcile"
	"github.com/Klingon-tech/ledgerchat/internal/rpc"
	"github.com/Klingon-tech/ledgerchat/internal/storage"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
	"github.com/rs/zerolog"
)

// Key prefixes separating the ledger from peer state in the shared database.
var (
	ledgerPrefix = []byte("ledger/")
	p2pPrefix    = []byte("p2p/")
)

// Node is a fully-initialized ledger node.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Core
	db storage.DB
	ch *chain.Chain

	// Networking
	p2pNode    *p2p.Node
	reconciler *reconcile.Reconciler

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped sync.Once
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, storage, chain, P2P, RPC) but does NOT start reconciliation.
// Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating logs dir: %w", err)
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFilePath(cfg)); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("name", cfg.Name).
		Str("network", cfg.Network).
		Str("version", config.Version).
		Msg("Starting ledgerchat node")

	// ── 2. Open storage ─────────────────────────────────────────────
	if err := os.MkdirAll(cfg.NetworkDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating network dir: %w", err)
	}
	db, err := storage.NewBadger(cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
	}
	logger.Info().Str("path", cfg.DBDir()).Msg("Database opened")

	// ── 3. Chain ────────────────────────────────────────────────────
	ch, err := chain.New(ledger.NewStore(storage.NewPrefixDB(db, ledgerPrefix)), cfg.Name)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load chain: %w", err)
	}
	ce, err := ch.Repair()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("validate chain: %w", err)
	}
	if ce != nil {
		logger.Warn().
			Str("kind", ce.Kind.String()).
			Int("index", ce.Index).
			Msg("Local chain invalid. Sync may be needed.")
	}
	st := ch.State()
	logger.Info().
		Uint64("length", st.Length).
		Str("head", st.Head.Short()).
		Msg("Chain loaded")

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:    cfg,
		logger: logger,
		db:     db,
		ch:     ch,
		ctx:    ctx,
		cancel: cancel,
	}

	// ── 4. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		if err := n.setupP2P(); err != nil {
			cancel()
			db.Close()
			return nil, err
		}
	} else {
		logger.Warn().Msg("P2P disabled by config")
	}

	// ── 5. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := cfg.RPC.RPCListenAddr()
		n.rpcServer = rpc.New(rpcAddr, ch, n.p2pNode, cfg.RPC)
		n.rpcServer.SetSender(n)
		if err := n.rpcServer.Start(); err != nil {
			if n.p2pNode != nil {
				n.p2pNode.Stop()
			}
			cancel()
			db.Close()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}
		logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	return n, nil
}

func (n *Node) setupP2P() error {
	cfg := n.cfg
	nodeID, err := p2p.LoadOrCreateNodeID(cfg.NetworkDir())
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}

	n.p2pNode = p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenMultiaddr(),
		Advertise:  cfg.P2P.Advertise,
		NodeID:     nodeID,
		Name:       cfg.Name,
		Network:    cfg.Network,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		MDNS:       cfg.P2P.MDNS,
		DB:         storage.NewPrefixDB(n.db, p2pPrefix),
	})
	n.p2pNode.SetChain(n.ch)
	n.reconciler = reconcile.New(n.ch, n.remotes, reconcile.Config{
		Interval: cfg.Sync.Interval,
	})
	n.p2pNode.SetBlockHandler(n.handleBlock)
	n.p2pNode.SetPeerConnectedHandler(func(addr string) {
		n.reconciler.Trigger(addr)
	})

	if err := n.p2pNode.Start(); err != nil {
		return fmt.Errorf("start P2P: %w", err)
	}
	return nil
}

// remotes returns a sync view of every connected peer.
func (n *Node) remotes() []reconcile.Remote {
	addrs := n.p2pNode.ConnectedPeers()
	out := make([]reconcile.Remote, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, n.p2pNode.Remote(addr))
	}
	return out
}

// handleBlock applies a NEW_BLOCK from a peer. Blocks that extend the head
// are relayed to every other peer; blocks that don't trigger reconciliation
// with the sender.
func (n *Node) handleBlock(from string, b *block.Block) {
	res, err := n.ch.AddBlock(b, from)
	switch {
	case errors.Is(err, chain.ErrNotHead):
		n.logger.Debug().
			Str("peer", from).
			Str("hash", b.Hash.Short()).
			Str("prev", b.PrevHash.Short()).
			Msg("Block does not extend head, reconciling")
		n.reconciler.Trigger(from)
		return
	case err != nil:
		n.logger.Debug().Err(err).Str("peer", from).Msg("Rejected block")
		return
	}

	if res != chain.AddAppended {
		return
	}
	relayed := n.p2pNode.BroadcastBlock(b, from)
	n.logger.Info().
		Str("sender", b.Sender).
		Str("hash", b.Hash.Short()).
		Str("peer", from).
		Int("relayed", relayed).
		Msg("Block received and applied")
}

// SendMessage authors message on the local chain and broadcasts the block.
// The block is committed even when no peer is reachable; peers pick it up
// through reconciliation.
func (n *Node) SendMessage(message string) (*block.Block, error) {
	b, err := n.ch.Author(message)
	if err != nil {
		return nil, err
	}
	sent := 0
	if n.p2pNode != nil {
		sent = n.p2pNode.BroadcastBlock(b, "")
	}
	n.logger.Info().
		Str("hash", b.Hash.Short()).
		Int("peers", sent).
		Msg("Message authored")
	return b, nil
}

// Start launches background goroutines: the initial reconciliation round
// and the reconciliation loop.
func (n *Node) Start() error {
	if n.reconciler != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.reconciler.Run(n.ctx)
		}()
		n.reconciler.Trigger("")
	}

	st := n.ch.State()
	n.logger.Info().
		Uint64("length", st.Length).
		Str("head", st.Head.Short()).
		Bool("p2p", n.p2pNode != nil).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order. It is safe to call
// more than once.
func (n *Node) Stop() {
	n.stopped.Do(func() {
		n.cancel()
		n.wg.Wait()

		if n.rpcServer != nil {
			n.rpcServer.Stop()
		}
		if n.p2pNode != nil {
			n.p2pNode.Stop()
		}
		if n.db != nil {
			n.db.Close()
		}

		n.logger.Info().Msg("Goodbye!")
	})
}

// Chain returns the node's chain.
func (n *Node) Chain() *chain.Chain {
	return n.ch
}

// P2P returns the connection manager, or nil when P2P is disabled.
func (n *Node) P2P() *p2p.Node {
	return n.p2pNode
}

// Sync runs one reconciliation round against every connected peer and
// waits for it.
func (n *Node) Sync(ctx context.Context) []reconcile.Result {
	if n.reconciler == nil {
		return nil
	}
	return n.reconciler.SyncAll(ctx)
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}
