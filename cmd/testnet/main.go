// Command testnet boots a 3-node local network from scratch.
//
// Usage: go run ./cmd/testnet/
//
// Each node gets its own temporary data directory. node-3 authors a short
// history offline first, so joining the others forces a fork resolution.
// The nodes then take turns sending messages over loopback TCP and the run
// verifies that every chain converges to the same head. Ctrl+C for early
// shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Klingon-tech/ledgerchat/config"
	"github.com/Klingon-tech/ledgerchat/internal/chain"
	klog "github.com/Klingon-tech/ledgerchat/internal/log"
	"github.com/Klingon-tech/ledgerchat/internal/node"
)

const (
	numMessages     = 9
	messageInterval = time.Second
	networkName     = "ledgerchat-testnet-local"
)

func main() {
	klog.Init("info", false, "")
	logger := klog.WithComponent("testnet")

	logger.Info().Msg("=== ledgerchat 3-Node Local Testnet ===")

	root, err := os.MkdirTemp("", "ledgerchat-testnet-")
	if err != nil {
		logger.Fatal().Err(err).Msg("create temp dir")
	}
	defer os.RemoveAll(root)

	// ── Phase 1: Offline history on node-3 ──────────────────────────────

	cfg3 := nodeConfig(root, "node-3")
	cfg3.P2P.Enabled = false
	offline, err := node.New(cfg3)
	if err != nil {
		logger.Fatal().Err(err).Msg("build node-3 offline")
	}
	for i := 0; i < 2; i++ {
		if _, err := offline.SendMessage(fmt.Sprintf("offline note %d", i+1)); err != nil {
			logger.Fatal().Err(err).Msg("author offline")
		}
	}
	offline.Stop()
	logger.Info().Msg("node-3 authored 2 messages offline")

	// ── Phase 2: Build and start nodes ──────────────────────────────────

	node1 := startNode(root, "node-1")
	defer node1.Stop()
	seed := node1.P2P().AdvertiseAddr()

	node2 := startNode(root, "node-2", seed)
	defer node2.Stop()

	cfg3.P2P.Enabled = true
	cfg3.P2P.Seeds = []string{seed}
	node3, err := node.New(cfg3)
	if err != nil {
		logger.Fatal().Err(err).Msg("build node-3")
	}
	if err := node3.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start node-3")
	}
	defer node3.Stop()

	nodes := []*node.Node{node1, node2, node3}
	logger.Info().Str("seed", seed).Msg("Nodes started")

	// ── Phase 3: Signal handling ────────────────────────────────────────

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// ── Phase 4: Chat ───────────────────────────────────────────────────

	logger.Info().
		Int("messages", numMessages).
		Dur("interval", messageInterval).
		Msg("Starting conversation")

	for i := 0; i < numMessages; i++ {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Conversation interrupted")
			goto verify
		case <-time.After(messageInterval):
		}

		n := nodes[i%len(nodes)]
		b, err := n.SendMessage(fmt.Sprintf("message %d", i+1))
		if err != nil {
			logger.Fatal().Err(err).Msg("send message")
		}
		logger.Info().
			Str("sender", b.Sender).
			Str("hash", b.Hash.Short()).
			Msg("Message sent")
	}

verify:
	// ── Phase 5: Verification ───────────────────────────────────────────

	if !waitConverged(ctx, nodes, 10*time.Second) {
		for _, n := range nodes {
			st := n.Chain().State()
			logger.Error().
				Str("name", n.Chain().Sender()).
				Uint64("length", st.Length).
				Str("head", st.Head.Short()).
				Msg("Final chain state")
		}
		logger.Error().Msg("FAILURE: Chain mismatch between nodes!")
		os.Exit(1)
	}

	st := node1.Chain().State()
	logger.Info().Msg("SUCCESS: All nodes converged, chains match!")
	fmt.Println()
	fmt.Printf("  Chain length:  %d\n", st.Length)
	fmt.Printf("  Chain head:    %s\n", st.Head)
	for _, n := range nodes {
		fmt.Printf("  %-8s peers: %d\n", n.Chain().Sender(), len(n.P2P().ConnectedPeers()))
	}
	fmt.Println()
}

func nodeConfig(root, name string) *config.Config {
	cfg := config.Default()
	cfg.Name = name
	cfg.Network = networkName
	cfg.DataDir = filepath.Join(root, name)
	cfg.P2P.ListenAddr = "127.0.0.1"
	cfg.P2P.Port = 0
	cfg.P2P.MDNS = false
	cfg.RPC.Enabled = false
	cfg.Sync.Interval = 2 * time.Second
	cfg.Log.Level = "warn"
	if err := config.EnsureDataDirs(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// startNode builds and starts a networked node seeded with seeds.
func startNode(root, name string, seeds ...string) *node.Node {
	cfg := nodeConfig(root, name)
	cfg.P2P.Seeds = seeds
	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: build %s: %v\n", name, err)
		os.Exit(1)
	}
	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: start %s: %v\n", name, err)
		os.Exit(1)
	}
	return n
}

// waitConverged polls until every node reports the same chain summary.
func waitConverged(ctx context.Context, nodes []*node.Node, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if converged(nodes) {
			return true
		}
		select {
		case <-ctx.Done():
			return converged(nodes)
		case <-time.After(100 * time.Millisecond):
		}
	}
	return converged(nodes)
}

func converged(nodes []*node.Node) bool {
	var want chain.Tip
	for i, n := range nodes {
		got := n.Chain().Summary()
		if i == 0 {
			want = got
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}
