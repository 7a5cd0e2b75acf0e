// Package config handles node configuration.
//
// Settings are layered: built-in defaults, then the key = value config
// file in the data directory, then command-line flags. The result is
// immutable once the node starts.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// DefaultNetwork is the network id announced in HELLO. Nodes only peer
// with nodes announcing the same id.
const DefaultNetwork = "ledgerchat"

// Config holds node runtime configuration.
type Config struct {
	// Core
	Name    string `conf:"name"` // Sender name stamped on authored blocks
	Network string `conf:"network"`
	DataDir string `conf:"datadir"`

	// P2P networking
	P2P P2PConfig

	// Reconciliation
	Sync SyncConfig

	// RPC server
	RPC RPCConfig

	// Logging
	Log LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Advertise  string   `conf:"p2p.advertise"` // Address announced to peers; derived when empty
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	MDNS       bool     `conf:"p2p.mdns"`
}

// SyncConfig holds reconciliation settings.
type SyncConfig struct {
	Interval time.Duration `conf:"sync.interval"`
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// ListenMultiaddr returns the P2P listen address as a TCP multiaddr.
func (p P2PConfig) ListenMultiaddr() string {
	proto := "ip4"
	if ip := net.ParseIP(p.ListenAddr); ip != nil && ip.To4() == nil {
		proto = "ip6"
	}
	return fmt.Sprintf("/%s/%s/tcp/%d", proto, p.ListenAddr, p.Port)
}

// RPCListenAddr returns the RPC server's host:port.
func (r RPCConfig) RPCListenAddr() string {
	return net.JoinHostPort(r.Addr, fmt.Sprint(r.Port))
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.ledgerchat
//	macOS:   ~/Library/Application Support/LedgerChat
//	Windows: %APPDATA%\LedgerChat
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ledgerchat"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "LedgerChat")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "LedgerChat")
		}
		return filepath.Join(home, "AppData", "Roaming", "LedgerChat")
	default:
		return filepath.Join(home, ".ledgerchat")
	}
}

// DefaultName returns the sender name used when none is configured.
func DefaultName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "anonymous"
}

// NetworkDir returns the network-specific data directory.
func (c *Config) NetworkDir() string {
	return filepath.Join(c.DataDir, c.Network)
}

// DBDir returns the database directory holding the ledger and peers.
func (c *Config) DBDir() string {
	return filepath.Join(c.NetworkDir(), "db")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "ledgerchat.conf")
}
