package rpcclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/Klingon-tech/ledgerchat/internal/rpc"
	"github.com/gorilla/websocket"
)

// EventStream reads chain events pushed by a node.
type EventStream struct {
	conn *websocket.Conn
}

// EventsURL returns the websocket URL of the event stream served next to
// the RPC endpoint.
func (c *Client) EventsURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Events opens the node's event stream.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	wsURL, err := c.EventsURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial events: %w", err)
	}
	return &EventStream{conn: conn}, nil
}

// Next blocks until the next event arrives or the stream fails.
func (s *EventStream) Next() (*rpc.EventResult, error) {
	var ev rpc.EventResult
	if err := s.conn.ReadJSON(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Close closes the stream.
func (s *EventStream) Close() error {
	return s.conn.Close()
}
