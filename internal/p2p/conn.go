package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	klog "github.com/Klingon-tech/ledgerchat/internal/log"
	"github.com/rs/zerolog"
)

const (
	// sendQueueSize bounds frames waiting for the writer goroutine.
	sendQueueSize = 256

	// writeTimeout is the deadline for writing a single frame.
	writeTimeout = 10 * time.Second
)

var (
	// ErrNotConnected is returned when a peer has no live connection.
	ErrNotConnected = errors.New("peer not connected")
	// ErrRequestTimeout is returned when a peer does not answer in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrSendQueueFull is returned when a slow peer's queue is saturated.
	ErrSendQueueFull = errors.New("send queue full")
)

// Conn is one live, handshaken peer connection. Writes go through a bounded
// queue drained by a dedicated goroutine, so a slow peer never blocks the
// caller.
type Conn struct {
	raw      net.Conn
	addr     string
	hello    HelloMessage
	outbound bool
	logger   zerolog.Logger

	sendq     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan *Message

	connectedAt time.Time
	lastRecv    atomic.Int64
	sent        atomic.Uint64
	dropped     atomic.Uint64
}

func newConn(raw net.Conn, addr string, hello HelloMessage, outbound bool) *Conn {
	return &Conn{
		raw:         raw,
		addr:        addr,
		hello:       hello,
		outbound:    outbound,
		logger:      klog.WithPeer(addr),
		sendq:       make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		pending:     make(map[uint64]chan *Message),
		connectedAt: time.Now(),
	}
}

// Addr returns the registry address of the peer.
func (c *Conn) Addr() string { return c.addr }

// NodeID returns the identity the peer announced.
func (c *Conn) NodeID() string { return c.hello.NodeID }

// Name returns the display name the peer announced.
func (c *Conn) Name() string { return c.hello.Name }

// Outbound reports whether we dialed this connection.
func (c *Conn) Outbound() bool { return c.outbound }

// Hello returns the peer's HELLO.
func (c *Conn) Hello() HelloMessage { return c.hello }

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection closed, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// dialerID returns the node ID of the side that opened the connection.
func (c *Conn) dialerID(local string) string {
	if c.outbound {
		return local
	}
	return c.hello.NodeID
}

// Send queues msg without blocking. It fails if the connection is closed or
// its queue is full.
func (c *Conn) Send(msg *Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	return c.sendFrame(frame)
}

func (c *Conn) sendFrame(frame []byte) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.sendq <- frame:
		return nil
	default:
		c.dropped.Add(1)
		return ErrSendQueueFull
	}
}

// Request sends msg with a fresh request ID and waits for the reply.
func (c *Conn) Request(ctx context.Context, msg *Message) (*Message, error) {
	id := c.nextID.Add(1)
	msg.ID = id
	msg.ReplyTo = 0

	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.Send(msg); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s to %s: %w", ErrRequestTimeout, msg.Type, c.addr, ctx.Err())
	case <-c.done:
		return nil, ErrNotConnected
	}
}

// deliver hands a response to its waiting request. It returns false if
// nobody is waiting.
func (c *Conn) deliver(msg *Message) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ReplyTo]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.raw.Close()
	})
}

// writeLoop drains the send queue until the connection closes.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendq:
			_ = c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.raw.Write(frame); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				c.closeWithError(err)
				return
			}
			c.sent.Add(1)
		}
	}
}

// readLoop reads frames and passes them to handle until the connection
// fails. The returned error is the reason the loop stopped.
func (c *Conn) readLoop(handle func(*Conn, *Message)) error {
	r := bufio.NewReader(c.raw)
	for {
		msg, err := ReadFrame(r)
		if err != nil {
			c.closeWithError(err)
			return err
		}
		c.lastRecv.Store(time.Now().UnixNano())
		if msg.ReplyTo != 0 {
			if !c.deliver(msg) {
				c.logger.Debug().Str("type", msg.Type.String()).Uint64("reply_to", msg.ReplyTo).Msg("Dropping unsolicited response")
			}
			continue
		}
		handle(c, msg)
	}
}
