package config

import "time"

// Default returns the default node configuration.
func Default() *Config {
	return &Config{
		Name:    DefaultName(),
		Network: DefaultNetwork,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30310,
			MaxPeers:   50,
			MDNS:       false,
			// Seeds: "host:port" or "/ip4/203.0.113.1/tcp/30310".
			Seeds: []string{},
		},
		Sync: SyncConfig{
			Interval: 10 * time.Second,
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8575,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
