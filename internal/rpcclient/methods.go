package rpcclient

import (
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/rpc"
)

// Send authors message on the node and returns the committed block.
func (c *Client) Send(message string) (*rpc.BlockResult, error) {
	var out rpc.BlockResult
	if err := c.Call("ledger_send", rpc.SendParam{Message: message}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns up to limit blocks ending offset blocks before the head,
// oldest first.
func (c *Client) History(offset, limit int) ([]*rpc.BlockResult, error) {
	var out rpc.MessagesResult
	if err := c.Call("ledger_getHistory", rpc.HistoryParam{Offset: offset, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

// Before returns up to limit blocks authored strictly before ts, oldest
// first.
func (c *Client) Before(ts time.Time, limit int) ([]*rpc.BlockResult, error) {
	params := rpc.BeforeParam{
		BeforeTimestamp: ts.UTC().Format(time.RFC3339Nano),
		Limit:           limit,
	}
	var out rpc.MessagesResult
	if err := c.Call("ledger_getBefore", params, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

// ChainInfo returns the node's chain summary.
func (c *Client) ChainInfo() (*rpc.ChainInfoResult, error) {
	var out rpc.ChainInfoResult
	if err := c.Call("chain_getInfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate runs the chain validator on the node.
func (c *Client) Validate() (*rpc.ValidateResult, error) {
	var out rpc.ValidateResult
	if err := c.Call("chain_validate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NodeInfo returns the node's network identity.
func (c *Client) NodeInfo() (*rpc.NodeInfoResult, error) {
	var out rpc.NodeInfoResult
	if err := c.Call("net_getNodeInfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Peers returns the node's peer registry.
func (c *Client) Peers() (*rpc.PeerInfoResult, error) {
	var out rpc.PeerInfoResult
	if err := c.Call("net_getPeerInfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddPeer registers addr with the node and returns its canonical form.
func (c *Client) AddPeer(addr string) (string, error) {
	var out rpc.AddPeerResult
	if err := c.Call("net_addPeer", rpc.AddressParam{Address: addr}, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// RemovePeer makes the node forget addr.
func (c *Client) RemovePeer(addr string) error {
	return c.Call("net_removePeer", rpc.AddressParam{Address: addr}, nil)
}
