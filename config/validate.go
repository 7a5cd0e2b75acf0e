package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	klog "github.com/Klingon-tech/ledgerchat/internal/log"
)

// MinSyncInterval is the shortest accepted reconciliation interval.
const MinSyncInterval = 500 * time.Millisecond

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if cfg.Network == "" {
		return fmt.Errorf("network must not be empty")
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.Enabled && net.ParseIP(cfg.P2P.ListenAddr) == nil {
		return fmt.Errorf("p2p.listen must be an IP address, got %q", cfg.P2P.ListenAddr)
	}
	if cfg.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must not be negative")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.Sync.Interval < MinSyncInterval {
		return fmt.Errorf("sync.interval must be at least %s", MinSyncInterval)
	}
	for i, ip := range cfg.RPC.AllowedIPs {
		if net.ParseIP(ip) == nil {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				return fmt.Errorf("rpc.allowed[%d] %q is not an IP or CIDR", i, ip)
			}
		}
	}
	if !klog.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error, disabled", cfg.Log.Level)
	}
	return nil
}
