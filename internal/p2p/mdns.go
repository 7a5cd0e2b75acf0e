package p2p

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	klog "github.com/Klingon-tech/ledgerchat/internal/log"
	"github.com/grandcat/zeroconf"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

const (
	mdnsServiceName    = "_ledgerchat._tcp"
	mdnsDomain         = "local."
	mdnsBrowseInterval = 30 * time.Second
	mdnsBrowseTimeout  = 5 * time.Second
)

// startMDNS announces this node on the local network and periodically
// browses for other nodes of the same network.
func (n *Node) startMDNS() error {
	portStr, err := n.listener.Multiaddr().ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return fmt.Errorf("listen port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("listen port %q: %w", portStr, err)
	}

	text := []string{"id=" + n.id, "network=" + n.config.Network}
	server, err := zeroconf.Register(n.id, mdnsServiceName, mdnsDomain, port, text, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	n.mdnsServer = server

	n.wg.Add(1)
	go n.runMDNSBrowse()
	klog.P2P.Info().Int("port", port).Msg("mDNS discovery enabled")
	return nil
}

func (n *Node) runMDNSBrowse() {
	defer n.wg.Done()
	n.browseMDNS()

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.browseMDNS()
		}
	}
}

func (n *Node) browseMDNS() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		klog.P2P.Debug().Err(err).Msg("mDNS resolver failed")
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, mdnsBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, mdnsServiceName, mdnsDomain, entries); err != nil {
		klog.P2P.Debug().Err(err).Msg("mDNS browse failed")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			n.handleMDNSEntry(e)
		}
	}
}

// handleMDNSEntry registers the address of a discovered node. It returns
// the address added, or "" if the entry was ignored.
func (n *Node) handleMDNSEntry(e *zeroconf.ServiceEntry) string {
	if e == nil || e.Port == 0 {
		return ""
	}
	if txtValue(e.Text, "id") == n.id {
		return ""
	}
	if txtValue(e.Text, "network") != n.config.Network {
		return ""
	}

	ips := append(append([]net.IP{}, e.AddrIPv4...), e.AddrIPv6...)
	for _, ip := range ips {
		ma, err := manet.FromNetAddr(&net.TCPAddr{IP: ip, Port: e.Port})
		if err != nil {
			continue
		}
		addr := ma.String()
		if n.isSelf(addr) {
			return ""
		}
		if n.registry.Add(addr, SourceMDNS) {
			klog.P2P.Debug().Str("addr", addr).Msg("Discovered peer via mDNS")
		}
		return addr
	}
	return ""
}

func txtValue(text []string, key string) string {
	prefix := key + "="
	for _, kv := range text {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}
