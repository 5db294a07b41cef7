package wsrelay

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"treesync/internal/relay"
)

// Client dials relay channels to a ws:// URL. It implements relay.Dialer.
type Client struct {
	url      string
	settings Settings
	dialer   *websocket.Dialer
}

func NewClient(url string, settings Settings) *Client {
	return &Client{
		url:      url,
		settings: settings,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (c *Client) Dial(ctx context.Context) (relay.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}
	return newConn(ws, c.settings), nil
}
