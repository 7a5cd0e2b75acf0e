package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/ledgerchat/pkg/block"
	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// Handshake protocol constants.
const (
	// ProtocolVersion is the current protocol version advertised in HELLO.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// MaxBlocksPerFetch caps the number of blocks returned for one SYNC_FETCH.
const MaxBlocksPerFetch = 500

// MaxPeersPerExchange caps the addresses sent in one PEERS message.
const MaxPeersPerExchange = 100

// MessageType identifies the type of P2P message.
type MessageType uint8

const (
	MsgHello       MessageType = iota + 1 // Identity announcement, first frame on every connection.
	MsgNewBlock                           // Block broadcast.
	MsgSyncRequest                        // Ask for a chain summary.
	MsgSyncSummary                        // Chain summary response.
	MsgSyncFetch                          // Range request.
	MsgSyncBlocks                         // Range response.
	MsgPeers                              // Known peer addresses.
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgNewBlock:
		return "NEW_BLOCK"
	case MsgSyncRequest:
		return "SYNC_REQUEST"
	case MsgSyncSummary:
		return "SYNC_SUMMARY"
	case MsgSyncFetch:
		return "SYNC_FETCH"
	case MsgSyncBlocks:
		return "SYNC_BLOCKS"
	case MsgPeers:
		return "PEERS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Message is a P2P protocol message. Requests carry a non-zero ID and the
// matching response echoes it in ReplyTo.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	ReplyTo uint64          `json:"reply_to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with a JSON-encoded payload.
func NewMessage(t MessageType, payload interface{}) (*Message, error) {
	msg := &Message{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty %s payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// HelloMessage is exchanged by both sides right after connecting.
type HelloMessage struct {
	Address         string     `json:"address"`
	NodeID          string     `json:"node_id"`
	Name            string     `json:"name,omitempty"`
	Network         string     `json:"network"`
	ProtocolVersion uint32     `json:"protocol_version"`
	Length          uint64     `json:"length"`
	HeadHash        types.Hash `json:"head_hash"`
}

// SyncSummaryMessage answers SYNC_REQUEST.
type SyncSummaryMessage struct {
	Length   uint64     `json:"length"`
	HeadHash types.Hash `json:"head_hash"`
}

// SyncFetchMessage requests blocks starting at FromIndex.
type SyncFetchMessage struct {
	FromIndex uint64 `json:"from_index"`
	Max       int    `json:"max,omitempty"`
}

// SyncBlocksMessage answers SYNC_FETCH with blocks in index order.
type SyncBlocksMessage struct {
	FromIndex uint64         `json:"from_index"`
	Blocks    []*block.Block `json:"blocks"`
}

// PeersMessage shares dialable peer addresses.
type PeersMessage struct {
	Addresses []string `json:"addresses"`
}
