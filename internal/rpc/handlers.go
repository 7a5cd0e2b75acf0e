package rpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/ledger"
	"github.com/Klingon-tech/ledgerchat/internal/p2p"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
	"github.com/Klingon-tech/ledgerchat/pkg/types"
)

// ── Ledger endpoints ────────────────────────────────────────────────────

func (s *Server) handleLedgerSend(req *Request) (interface{}, *Error) {
	var params SendParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Message == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "message is required"}
	}

	var (
		b   *block.Block
		err error
	)
	if s.sender != nil {
		b, err = s.sender.SendMessage(params.Message)
	} else {
		b, err = s.chain.Author(params.Message)
	}
	if errors.Is(err, block.ErrMessageTooLarge) {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Send message failed")
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("send failed: %v", err)}
	}
	return NewBlockResult(b), nil
}

func (s *Server) handleLedgerGetHistory(req *Request) (interface{}, *Error) {
	params := HistoryParam{Limit: DefaultHistoryLimit}
	if err := parseOptionalParams(req, &params); err != nil {
		return nil, err
	}
	if params.Offset < 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "offset must not be negative"}
	}
	limit, rpcErr := pageLimit(params.Limit, DefaultHistoryLimit)
	if rpcErr != nil {
		return nil, rpcErr
	}

	blocks, err := s.chain.History(params.Offset, limit)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("read history: %v", err)}
	}
	return &MessagesResult{Count: len(blocks), Blocks: newBlockResults(blocks)}, nil
}

func (s *Server) handleLedgerGetBefore(req *Request) (interface{}, *Error) {
	params := BeforeParam{Limit: DefaultBeforeLimit}
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.BeforeTimestamp == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "before_timestamp is required"}
	}
	ts, err := time.Parse(time.RFC3339Nano, params.BeforeTimestamp)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid before_timestamp: %v", err)}
	}
	limit, rpcErr := pageLimit(params.Limit, DefaultBeforeLimit)
	if rpcErr != nil {
		return nil, rpcErr
	}

	blocks, err := s.chain.Before(ts, limit)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("read history: %v", err)}
	}
	return &MessagesResult{Count: len(blocks), Blocks: newBlockResults(blocks)}, nil
}

// pageLimit applies the default to an unset limit and caps it.
func pageLimit(limit, def int) (int, *Error) {
	switch {
	case limit == 0:
		return def, nil
	case limit < 0:
		return 0, &Error{Code: CodeInvalidParams, Message: "limit must be positive"}
	case limit > MaxPageLimit:
		return MaxPageLimit, nil
	}
	return limit, nil
}

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(_ *Request) (interface{}, *Error) {
	st := s.chain.State()
	return &ChainInfoResult{
		Sender:     s.chain.Sender(),
		Length:     st.Length,
		HeadHash:   st.Head.String(),
		Candidates: s.chain.Candidates(),
	}, nil
}

func (s *Server) handleChainGetBlock(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}
	hash, err := types.HexToHash(params.Hash)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}

	b, err := s.chain.Get(hash)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, &Error{Code: CodeNotFound, Message: "block not found"}
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return NewBlockResult(b), nil
}

func (s *Server) handleChainGetBlockByIndex(req *Request) (interface{}, *Error) {
	var params IndexParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	hash, err := s.chain.HashAt(params.Index)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no block at index %d", params.Index)}
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	b, err := s.chain.Get(hash)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return NewBlockResult(b), nil
}

func (s *Server) handleChainValidate(_ *Request) (interface{}, *Error) {
	res := &ValidateResult{Valid: true, Length: s.chain.State().Length}
	err := s.chain.Validate()
	if err == nil {
		return res, nil
	}

	var ce *block.ChainError
	if !errors.As(err, &ce) {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	res.Valid = false
	res.Kind = ce.Kind.String()
	res.Index = ce.Index
	res.Hash = ce.Hash.String()
	res.Error = ce.Error()
	return res, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Peers: []p2p.PeerInfo{}}, nil
	}

	peers := s.p2pNode.PeerList()
	connected := 0
	for _, p := range peers {
		if p.Connected {
			connected++
		}
	}
	return &PeerInfoResult{
		Count:     len(peers),
		Connected: connected,
		Peers:     peers,
	}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{Name: s.chain.Sender()}, nil
	}

	return &NodeInfoResult{
		ID:        s.p2pNode.ID(),
		Name:      s.p2pNode.Name(),
		Network:   s.p2pNode.Network(),
		Listen:    s.p2pNode.ListenAddr(),
		Advertise: s.p2pNode.AdvertiseAddr(),
		Peers:     s.p2pNode.PeerCount(),
	}, nil
}

func (s *Server) handleNetAddPeer(req *Request) (interface{}, *Error) {
	params, rpcErr := s.peerParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}

	addr, err := s.p2pNode.AddPeer(params.Address, p2p.SourceRPC)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	return &AddPeerResult{Address: addr}, nil
}

func (s *Server) handleNetRemovePeer(req *Request) (interface{}, *Error) {
	params, rpcErr := s.peerParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}

	addr, err := p2p.CanonicalAddr(params.Address)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	if _, ok := s.p2pNode.Registry().Get(addr); !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("unknown peer %s", addr)}
	}
	s.p2pNode.RemovePeer(addr)
	return &AddPeerResult{Address: addr}, nil
}

func (s *Server) peerParams(req *Request) (AddressParam, *Error) {
	var params AddressParam
	if s.p2pNode == nil {
		return params, &Error{Code: CodeUnavailable, Message: "p2p disabled"}
	}
	if err := parseParams(req, &params); err != nil {
		return params, err
	}
	if params.Address == "" {
		return params, &Error{Code: CodeInvalidParams, Message: "address is required"}
	}
	return params, nil
}
