package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/askstream/pkg/answer"
)

const handshakeTimeout = 30 * time.Second

// Client implements answer.Transport over a websocket. The request is sent
// as the first text message; every message after that is one envelope frame
// ({"type": ..., "data": {...}}).
type Client struct {
	config *answer.Config
	dialer websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	live *answer.Dispatch
}

// New creates a websocket client for the configured endpoint (ws:// or wss://).
func New(config *answer.Config) *Client {
	return &Client{
		config: config,
		dialer: websocket.Dialer{
			HandshakeTimeout:  handshakeTimeout,
			EnableCompression: true,
		},
		logger: slog.Default().With("component", "ws"),
	}
}

// Open starts streaming the answer for req. See answer.Transport.
func (c *Client) Open(ctx context.Context, req answer.QueryRequest, h answer.Handler) answer.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	var (
		connMu sync.Mutex
		conn   *websocket.Conn
	)
	teardown := func() {
		cancel()
		connMu.Lock()
		defer connMu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
	}
	d := answer.NewDispatch(h, teardown)

	c.mu.Lock()
	if c.live != nil && !c.live.Closed() {
		c.mu.Unlock()
		go d.Fail(answer.ErrTransportBusy)
		return d.Close
	}
	c.live = d
	c.mu.Unlock()

	go func() {
		d.WatchIdle(c.config.IdleTimeout)

		header := http.Header{}
		if c.config.APIKey != "" {
			header.Set("Authorization", "Bearer "+c.config.APIKey)
		}
		for k, v := range c.config.Headers {
			header.Set(k, v)
		}

		dialed, _, err := c.dialer.DialContext(ctx, c.config.Endpoint, header)
		if err != nil {
			d.Fail(fmt.Errorf("connecting to answer endpoint: %w", err))
			return
		}
		connMu.Lock()
		conn = dialed
		connMu.Unlock()
		if d.Closed() {
			// Cancelled while dialing; teardown already ran without a conn.
			dialed.Close()
			return
		}

		if err := dialed.WriteJSON(req); err != nil {
			d.Fail(fmt.Errorf("sending query: %w", err))
			return
		}
		d.Touch()
		c.read(ctx, dialed, d)
	}()

	return d.Close
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn, d *answer.Dispatch) {
	for !d.Closed() {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if d.Closed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = errors.New("stream closed before completion")
			} else if ctx.Err() != nil {
				err = ctx.Err()
			}
			d.Fail(fmt.Errorf("reading stream: %w", err))
			return
		}
		d.Touch()
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := answer.DecodeFrame("", data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err, "frame", truncate(data))
			continue
		}
		if ev == nil {
			c.logger.Debug("ignoring unknown frame", "frame", truncate(data))
			continue
		}
		d.Deliver(ev)
	}
}

func truncate(data []byte) string {
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}

