// Package wsrelay carries relay frames over WebSocket connections. Each
// frame is one text message holding the protojson form of the frame.
package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"treesync/internal/metrics"
	"treesync/internal/protocol"
	"treesync/internal/relay"
)

type Settings struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 5 * time.Second,
		PingInterval: 15 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = def.WriteTimeout
	}
	if s.PingInterval <= 0 {
		s.PingInterval = def.PingInterval
	}
	return s
}

func (s Settings) readTimeout() time.Duration {
	return 2*s.PingInterval + s.WriteTimeout
}

type conn struct {
	ws       *websocket.Conn
	settings Settings

	writeMu sync.Mutex
	out     chan protocol.Frame

	done     chan struct{}
	doneOnce sync.Once
	mu       sync.Mutex
	err      error

	local     chan struct{}
	localOnce sync.Once
}

func newConn(ws *websocket.Conn, settings Settings) *conn {
	settings = settings.withDefaults()
	c := &conn{
		ws:       ws,
		settings: settings,
		out:      make(chan protocol.Frame),
		done:     make(chan struct{}),
		local:    make(chan struct{}),
	}

	_ = ws.SetReadDeadline(time.Now().Add(settings.readTimeout()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(settings.readTimeout()))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *conn) Send(ctx context.Context, f protocol.Frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %w", relay.ErrTransport, relay.ErrClosed)
	default:
	}

	data, err := protocol.MarshalFrameJSON(f)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}

	deadline := time.Now().Add(c.settings.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(deadline)
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		// a write deadline cannot be recovered from
		c.shutdown(fmt.Errorf("%w: %v", relay.ErrTransport, err))
		return fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}
	metrics.RelayFramesTotal.WithLabelValues("ws", "sent").Inc()
	return nil
}

func (c *conn) Recv() <-chan protocol.Frame { return c.out }
func (c *conn) Done() <-chan struct{}       { return c.done }

func (c *conn) Err() error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	default:
		return nil
	}
}

func (c *conn) Close() error {
	c.localOnce.Do(func() { close(c.local) })
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.settings.WriteTimeout))
	c.shutdown(relay.ErrClosed)
	return nil
}

func (c *conn) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) readLoop() {
	defer close(c.out)
	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(c.readErr(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		f, err := protocol.UnmarshalFrameJSON(message)
		if err != nil {
			slog.Warn("dropping malformed relay frame", "error", err)
			continue
		}
		metrics.RelayFramesTotal.WithLabelValues("ws", "received").Inc()

		select {
		case c.out <- f:
		case <-c.local:
			return
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout))
			if err != nil {
				c.shutdown(fmt.Errorf("%w: ping: %v", relay.ErrTransport, err))
				return
			}
		}
	}
}

func (c *conn) readErr(err error) error {
	select {
	case <-c.local:
		return relay.ErrClosed
	default:
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		return relay.ErrClosed
	}
	return fmt.Errorf("%w: %v", relay.ErrTransport, err)
}
