package p2p

import (
	"fmt"
	"net"
	"strings"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ParseAddr parses a peer address. Both multiaddrs ("/ip4/10.0.0.5/tcp/30310")
// and host:port pairs are accepted; host names are resolved once.
func ParseAddr(s string) (multiaddr.Multiaddr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty address")
	}
	if strings.HasPrefix(s, "/") {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("parse multiaddr %q: %w", s, err)
		}
		if _, err := ma.ValueForProtocol(multiaddr.P_TCP); err != nil {
			return nil, fmt.Errorf("address %q has no tcp port", s)
		}
		return ma, nil
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", s, err)
	}
	ma, err := manet.FromNetAddr(tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("convert %q: %w", s, err)
	}
	return ma, nil
}

// CanonicalAddr returns the multiaddr string form of s, used as the
// registry key.
func CanonicalAddr(s string) (string, error) {
	ma, err := ParseAddr(s)
	if err != nil {
		return "", err
	}
	return ma.String(), nil
}

// advertiseAddr picks the address announced in HELLO for a listener bound
// to listen. An unspecified IP is replaced by the first non-loopback
// interface address.
func advertiseAddr(listen multiaddr.Multiaddr) string {
	if !manet.IsIPUnspecified(listen) {
		return listen.String()
	}
	ifaces, err := manet.InterfaceMultiaddrs()
	if err != nil {
		return listen.String()
	}
	resolved, err := manet.ResolveUnspecifiedAddress(listen, ifaces)
	if err != nil || len(resolved) == 0 {
		return listen.String()
	}
	for _, ma := range resolved {
		if !manet.IsIPLoopback(ma) {
			return ma.String()
		}
	}
	return resolved[0].String()
}
