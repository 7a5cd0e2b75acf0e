// ledgerchat-cli is a command-line client for interacting with a
// ledgerchatd node.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/rpc"
	"github.com/Klingon-tech/ledgerchat/internal/rpcclient"
	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := "http://127.0.0.1:8575"

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--no-color":
			color.NoColor = true
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "send":
		cmdSend(client, cmdArgs)
	case "history":
		cmdHistory(client, cmdArgs)
	case "older":
		cmdOlder(client, cmdArgs)
	case "block":
		cmdBlock(client, cmdArgs)
	case "validate":
		cmdValidate(client)
	case "peers":
		cmdPeers(client)
	case "peer":
		cmdPeer(client, cmdArgs)
	case "chat":
		cmdChat(client, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: ledgerchat-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8575)
  --no-color          Disable colored output

Commands:
  status                          Show chain and node status
  send <message>                  Author a message
  history [--offset n] [--limit n]
                                  Show recent messages (default: last 50)
  older <timestamp> [--limit n]   Show messages before an RFC 3339 timestamp
  block <hash|index>              Show block details
  validate                        Validate the node's chain
  peers                           Show known peers
  peer add <address>              Add a peer (host:port or multiaddr)
  peer remove <address>           Forget a peer
  chat [--limit n]                Interactive chat session
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	info, err := client.ChainInfo()
	if err != nil {
		fatal("chain_getInfo: %v", err)
	}
	node, err := client.NodeInfo()
	if err != nil {
		fatal("net_getNodeInfo: %v", err)
	}

	fmt.Printf("Name:       %s\n", info.Sender)
	if node.ID != "" {
		fmt.Printf("Network:    %s\n", node.Network)
		fmt.Printf("Node ID:    %s\n", node.ID)
		fmt.Printf("Advertise:  %s\n", node.Advertise)
	}
	fmt.Printf("Length:     %d\n", info.Length)
	fmt.Printf("Head:       %s\n", info.HeadHash)
	if info.Candidates > 0 {
		fmt.Printf("Held:       %d\n", info.Candidates)
	}
	fmt.Printf("Peers:      %d\n", node.Peers)
}

// ── messages ────────────────────────────────────────────────────────────

func cmdSend(client *rpcclient.Client, args []string) {
	if len(args) == 0 {
		fatal("Usage: ledgerchat-cli send <message>")
	}
	b, err := client.Send(strings.Join(args, " "))
	if err != nil {
		fatal("ledger_send: %v", err)
	}
	fmt.Printf("Sent %s\n", b.Hash)
}

func cmdHistory(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	offset := fs.Int("offset", 0, "Blocks to skip back from the head")
	limit := fs.Int("limit", rpc.DefaultHistoryLimit, "Maximum messages")
	fs.Parse(args)

	blocks, err := client.History(*offset, *limit)
	if err != nil {
		fatal("ledger_getHistory: %v", err)
	}
	printBlocks(blocks)
}

func cmdOlder(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: ledgerchat-cli older <timestamp> [--limit n]")
	}
	ts, err := time.Parse(time.RFC3339Nano, args[0])
	if err != nil {
		fatal("invalid timestamp %q: %v", args[0], err)
	}
	fs := flag.NewFlagSet("older", flag.ExitOnError)
	limit := fs.Int("limit", rpc.DefaultBeforeLimit, "Maximum messages")
	fs.Parse(args[1:])

	blocks, err := client.Before(ts, *limit)
	if err != nil {
		fatal("ledger_getBefore: %v", err)
	}
	printBlocks(blocks)
}

func printBlocks(blocks []*rpc.BlockResult) {
	if len(blocks) == 0 {
		fmt.Println("No messages.")
		return
	}
	p := newPalette("")
	for _, b := range blocks {
		fmt.Println(p.format(b))
	}
}

// ── block ───────────────────────────────────────────────────────────────

func cmdBlock(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: ledgerchat-cli block <hash|index>")
	}

	arg := args[0]
	var b rpc.BlockResult

	// Try as index first (pure number).
	if index, err := strconv.ParseUint(arg, 10, 64); err == nil {
		if err := client.Call("chain_getBlockByIndex", rpc.IndexParam{Index: index}, &b); err != nil {
			fatal("chain_getBlockByIndex: %v", err)
		}
	} else {
		if err := client.Call("chain_getBlock", rpc.HashParam{Hash: arg}, &b); err != nil {
			fatal("chain_getBlock: %v", err)
		}
	}

	fmt.Printf("Hash:       %s\n", b.Hash)
	fmt.Printf("Prev:       %s\n", b.PrevHash)
	fmt.Printf("Sender:     %s\n", b.Sender)
	fmt.Printf("Timestamp:  %s (%s)\n", b.Timestamp, b.DisplayTime)
	fmt.Printf("Message:    %s\n", b.Message)
}

func cmdValidate(client *rpcclient.Client) {
	res, err := client.Validate()
	if err != nil {
		fatal("chain_validate: %v", err)
	}
	if res.Valid {
		fmt.Printf("%s %d blocks\n", color.GreenString("Chain valid:"), res.Length)
		return
	}
	fmt.Printf("%s %s at index %d (%s)\n", color.RedString("Chain invalid:"), res.Kind, res.Index, res.Hash)
	os.Exit(2)
}

// ── peers ───────────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	node, err := client.NodeInfo()
	if err != nil {
		fatal("net_getNodeInfo: %v", err)
	}
	if node.ID == "" {
		fmt.Println("P2P disabled.")
		return
	}
	fmt.Printf("Node ID: %s\n", node.ID)
	fmt.Printf("  Listen:    %s\n", node.Listen)
	fmt.Printf("  Advertise: %s\n", node.Advertise)

	peers, err := client.Peers()
	if err != nil {
		fatal("net_getPeerInfo: %v", err)
	}

	fmt.Printf("Peers:   %d known, %d connected\n", peers.Count, peers.Connected)
	for _, p := range peers.Peers {
		state := color.YellowString("known")
		if p.Connected {
			state = color.GreenString("connected")
		}
		name := p.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("  %s  %s  %s (%s)\n", p.Address, name, state, p.Source)
	}
}

func cmdPeer(client *rpcclient.Client, args []string) {
	if len(args) < 2 {
		fatal("Usage: ledgerchat-cli peer <add|remove> <address>")
	}
	switch args[0] {
	case "add":
		addr, err := client.AddPeer(args[1])
		if err != nil {
			fatal("net_addPeer: %v", err)
		}
		fmt.Printf("Added %s\n", addr)
	case "remove":
		if err := client.RemovePeer(args[1]); err != nil {
			fatal("net_removePeer: %v", err)
		}
		fmt.Printf("Removed %s\n", args[1])
	default:
		fatal("Unknown peer command: %s", args[0])
	}
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
