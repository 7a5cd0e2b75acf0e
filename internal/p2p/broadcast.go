package p2p

import (
	klog "github.com/Klingon-tech/ledgerchat/internal/log"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
)

// BroadcastBlock queues b for every connected peer except the one at
// except and returns how many peers it was queued for. A peer whose
// connection is closed or whose queue is full is skipped.
func (n *Node) BroadcastBlock(b *block.Block, except string) int {
	msg, err := NewMessage(MsgNewBlock, b)
	if err != nil {
		klog.P2P.Error().Err(err).Msg("Encode block failed")
		return 0
	}
	frame, err := EncodeFrame(msg)
	if err != nil {
		klog.P2P.Error().Err(err).Msg("Encode block frame failed")
		return 0
	}

	sent := 0
	for _, c := range n.registry.Connected() {
		if c.Addr() == except {
			continue
		}
		if err := c.sendFrame(frame); err != nil {
			c.logger.Debug().Err(err).Str("hash", b.Hash.Short()).Msg("Broadcast skipped peer")
			continue
		}
		sent++
	}
	klog.P2P.Debug().Str("hash", b.Hash.Short()).Int("peers", sent).Msg("Block broadcast")
	return sent
}
