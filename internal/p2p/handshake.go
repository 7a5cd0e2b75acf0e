package p2p

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// handshakeTimeout is the max time for a complete HELLO exchange.
const handshakeTimeout = 10 * time.Second

// ErrHandshake is returned when the HELLO exchange fails or the peer is
// incompatible.
var ErrHandshake = errors.New("handshake failed")

// errSelfConnection marks a connection that looped back to this node.
var errSelfConnection = errors.New("connected to self")

// handshake sends our HELLO and reads the peer's. Both sides send first, so
// neither waits on the other.
func (n *Node) handshake(raw net.Conn) (*HelloMessage, error) {
	_ = raw.SetDeadline(time.Now().Add(handshakeTimeout))
	defer raw.SetDeadline(time.Time{})

	ours, err := NewMessage(MsgHello, n.buildHello())
	if err != nil {
		return nil, err
	}

	writeErr := make(chan error, 1)
	go func() { writeErr <- WriteFrame(raw, ours) }()

	msg, err := ReadFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: read hello: %w", ErrHandshake, err)
	}
	if err := <-writeErr; err != nil {
		return nil, fmt.Errorf("%w: send hello: %w", ErrHandshake, err)
	}
	if msg.Type != MsgHello {
		return nil, fmt.Errorf("%w: first message is %s", ErrHandshake, msg.Type)
	}
	var hello HelloMessage
	if err := msg.Decode(&hello); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if reason := n.validateHello(hello); reason != "" {
		return &hello, fmt.Errorf("%w: %s", ErrHandshake, reason)
	}
	if hello.NodeID == n.id {
		return &hello, errSelfConnection
	}
	return &hello, nil
}

// validateHello checks a peer's HELLO for compatibility.
// Returns an empty string on success, or a reason string on failure.
func (n *Node) validateHello(msg HelloMessage) string {
	if msg.NodeID == "" {
		return "missing node id"
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	if msg.Network != n.config.Network {
		return fmt.Sprintf("network mismatch: peer=%q local=%q", msg.Network, n.config.Network)
	}
	return ""
}

// buildHello constructs our HELLO from node state.
func (n *Node) buildHello() HelloMessage {
	msg := HelloMessage{
		Address:         n.AdvertiseAddr(),
		NodeID:          n.id,
		Name:            n.config.Name,
		Network:         n.config.Network,
		ProtocolVersion: ProtocolVersion,
	}
	if n.chain != nil {
		tip := n.chain.Summary()
		msg.Length = tip.Length
		msg.HeadHash = tip.Head
	}
	return msg
}
