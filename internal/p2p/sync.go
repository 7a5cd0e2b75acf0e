package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/chain"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
)

// syncRequestTimeout bounds one request/response round trip when the
// caller's context carries no deadline.
const syncRequestTimeout = 30 * time.Second

func (n *Node) connFor(addr string) (*Conn, error) {
	c, ok := n.registry.Connection(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, addr)
	}
	return c, nil
}

func (n *Node) request(ctx context.Context, addr string, t MessageType, payload interface{}) (*Message, error) {
	c, err := n.connFor(addr)
	if err != nil {
		return nil, err
	}
	msg, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, syncRequestTimeout)
		defer cancel()
	}
	return c.Request(ctx, msg)
}

// RequestSummary asks the peer at addr for its chain length and head.
func (n *Node) RequestSummary(ctx context.Context, addr string) (chain.Tip, error) {
	resp, err := n.request(ctx, addr, MsgSyncRequest, struct{}{})
	if err != nil {
		return chain.Tip{}, err
	}
	if resp.Type != MsgSyncSummary {
		return chain.Tip{}, fmt.Errorf("expected %s, got %s", MsgSyncSummary, resp.Type)
	}
	var sum SyncSummaryMessage
	if err := resp.Decode(&sum); err != nil {
		return chain.Tip{}, err
	}
	return chain.Tip{Length: sum.Length, Head: sum.HeadHash}, nil
}

// FetchBlocks asks the peer at addr for up to max blocks starting at from.
// A peer may return fewer blocks than asked, never more.
func (n *Node) FetchBlocks(ctx context.Context, addr string, from uint64, max int) ([]*block.Block, error) {
	if max <= 0 || max > MaxBlocksPerFetch {
		max = MaxBlocksPerFetch
	}
	resp, err := n.request(ctx, addr, MsgSyncFetch, SyncFetchMessage{FromIndex: from, Max: max})
	if err != nil {
		return nil, err
	}
	if resp.Type != MsgSyncBlocks {
		return nil, fmt.Errorf("expected %s, got %s", MsgSyncBlocks, resp.Type)
	}
	var sb SyncBlocksMessage
	if err := resp.Decode(&sb); err != nil {
		return nil, err
	}
	if sb.FromIndex != from {
		return nil, fmt.Errorf("blocks start at %d, asked for %d", sb.FromIndex, from)
	}
	if len(sb.Blocks) > max {
		return nil, fmt.Errorf("peer sent %d blocks, asked for at most %d", len(sb.Blocks), max)
	}
	for i, b := range sb.Blocks {
		if b == nil {
			return nil, fmt.Errorf("nil block at index %d", from+uint64(i))
		}
	}
	return sb.Blocks, nil
}

func (n *Node) reply(c *Conn, req *Message, t MessageType, payload interface{}) {
	resp, err := NewMessage(t, payload)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Encode reply failed")
		return
	}
	resp.ReplyTo = req.ID
	if err := c.Send(resp); err != nil {
		c.logger.Debug().Err(err).Str("type", t.String()).Msg("Reply send failed")
	}
}

func (n *Node) handleSyncRequest(c *Conn, msg *Message) {
	if msg.ID == 0 || n.chain == nil {
		return
	}
	tip := n.chain.Summary()
	n.reply(c, msg, MsgSyncSummary, SyncSummaryMessage{Length: tip.Length, HeadHash: tip.Head})
}

func (n *Node) handleSyncFetch(c *Conn, msg *Message) {
	if msg.ID == 0 || n.chain == nil {
		return
	}
	var req SyncFetchMessage
	if err := msg.Decode(&req); err != nil {
		c.logger.Debug().Err(err).Msg("Bad SYNC_FETCH")
		return
	}
	if req.Max <= 0 || req.Max > MaxBlocksPerFetch {
		req.Max = MaxBlocksPerFetch
	}
	blocks, err := n.chain.Range(req.FromIndex, req.Max)
	if err != nil {
		c.logger.Warn().Err(err).Uint64("from", req.FromIndex).Msg("Serving SYNC_FETCH failed")
		blocks = nil
	}
	if blocks == nil {
		blocks = []*block.Block{}
	}
	n.reply(c, msg, MsgSyncBlocks, SyncBlocksMessage{FromIndex: req.FromIndex, Blocks: blocks})
}

// Remote is one connected peer seen as a chain to reconcile against.
type Remote struct {
	node *Node
	addr string
}

// Remote returns a handle on the peer at addr. Calls fail with
// ErrNotConnected once the peer disconnects.
func (n *Node) Remote(addr string) *Remote {
	return &Remote{node: n, addr: addr}
}

// Addr returns the peer address.
func (r *Remote) Addr() string { return r.addr }

// Summary returns the peer's chain tip.
func (r *Remote) Summary(ctx context.Context) (chain.Tip, error) {
	return r.node.RequestSummary(ctx, r.addr)
}

// Blocks returns up to max of the peer's blocks starting at from.
func (r *Remote) Blocks(ctx context.Context, from uint64, max int) ([]*block.Block, error) {
	return r.node.FetchBlocks(ctx, r.addr, from, max)
}
