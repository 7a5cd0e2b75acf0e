package rpc

import (
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/chain"
	"github.com/Klingon-tech/ledgerchat/internal/p2p"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeUnavailable    = -32001
)

// Default page sizes for history queries.
const (
	DefaultHistoryLimit = 50
	DefaultBeforeLimit  = 20
	MaxPageLimit        = 500
)

// DisplayTimeFormat is the layout of BlockResult.DisplayTime.
const DisplayTimeFormat = "2006-01-02 15:04:05"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// SendParam is used by ledger_send.
type SendParam struct {
	Message string `json:"message"`
}

// HistoryParam is used by ledger_getHistory. Offset counts back from the head.
type HistoryParam struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// BeforeParam is used by ledger_getBefore. BeforeTimestamp is RFC 3339.
type BeforeParam struct {
	BeforeTimestamp string `json:"before_timestamp"`
	Limit           int    `json:"limit"`
}

// HashParam is used by endpoints that take a single hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// IndexParam is used by chain_getBlockByIndex.
type IndexParam struct {
	Index uint64 `json:"index"`
}

// AddressParam is used by net_addPeer and net_removePeer.
type AddressParam struct {
	Address string `json:"address"`
}

// ── Result types ────────────────────────────────────────────────────────

// BlockResult is a block as returned over RPC and the event stream.
type BlockResult struct {
	Hash        string `json:"hash"`
	PrevHash    string `json:"prev_hash"`
	Sender      string `json:"sender"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	DisplayTime string `json:"display_timestamp"`
}

// NewBlockResult converts a block. The display timestamp is rendered in the
// server's local time zone.
func NewBlockResult(b *block.Block) *BlockResult {
	return &BlockResult{
		Hash:        b.Hash.String(),
		PrevHash:    b.PrevHash.String(),
		Sender:      b.Sender,
		Message:     b.Message,
		Timestamp:   b.Timestamp.UTC().Format(time.RFC3339Nano),
		DisplayTime: b.Timestamp.Local().Format(DisplayTimeFormat),
	}
}

func newBlockResults(blocks []*block.Block) []*BlockResult {
	out := make([]*BlockResult, len(blocks))
	for i, b := range blocks {
		out[i] = NewBlockResult(b)
	}
	return out
}

// MessagesResult is returned by the history endpoints. Blocks are oldest
// first.
type MessagesResult struct {
	Count  int            `json:"count"`
	Blocks []*BlockResult `json:"blocks"`
}

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	Sender     string `json:"sender"`
	Length     uint64 `json:"length"`
	HeadHash   string `json:"head_hash"`
	Candidates int    `json:"candidates"`
}

// ValidateResult is returned by chain_validate.
type ValidateResult struct {
	Valid  bool   `json:"valid"`
	Length uint64 `json:"length"`
	Kind   string `json:"kind,omitempty"`
	Index  int    `json:"index,omitempty"`
	Hash   string `json:"hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count     int            `json:"count"`
	Connected int            `json:"connected"`
	Peers     []p2p.PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Network   string `json:"network"`
	Listen    string `json:"listen"`
	Advertise string `json:"advertise"`
	Peers     int    `json:"peers"`
}

// AddPeerResult is returned by net_addPeer.
type AddPeerResult struct {
	Address string `json:"address"`
}

// EventResult is one message on the /ws event stream.
type EventResult struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Block     *BlockResult   `json:"block,omitempty"`
	Index     uint64         `json:"index"`
	ForkIndex uint64         `json:"fork_index,omitempty"`
	Dropped   []*BlockResult `json:"dropped,omitempty"`
	Added     []*BlockResult `json:"added,omitempty"`
	Length    uint64         `json:"length,omitempty"`
}

// NewEventResult converts a chain event.
func NewEventResult(ev chain.Event) *EventResult {
	out := &EventResult{
		Type:   ev.Kind.String(),
		Source: ev.Source,
	}
	switch ev.Kind {
	case chain.EventBlockCommitted:
		if ev.Block != nil {
			out.Block = NewBlockResult(ev.Block)
		}
		out.Index = ev.Index
	case chain.EventChainRepaired:
		out.ForkIndex = ev.ForkIndex
		out.Dropped = newBlockResults(ev.Dropped)
		out.Added = newBlockResults(ev.Added)
		out.Length = ev.Length
	}
	return out
}
