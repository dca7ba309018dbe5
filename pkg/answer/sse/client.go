package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/user/askstream/pkg/answer"
)

const maxFrameBytes = 1 << 20

// Client implements answer.Transport over server-sent events. It owns at
// most one live stream at a time.
type Client struct {
	config     *answer.Config
	httpClient *http.Client
	logger     *slog.Logger

	mu   sync.Mutex
	live *answer.Dispatch
}

// New creates an SSE client for the configured endpoint. Streams are
// long-lived, so the HTTP client has no overall timeout; stalled streams are
// ended by the idle timeout instead.
func New(config *answer.Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return "answer stream " + r.URL.Path
				}),
			),
		},
		logger: slog.Default().With("component", "sse"),
	}
}

// Open starts streaming the answer for req. See answer.Transport.
func (c *Client) Open(ctx context.Context, req answer.QueryRequest, h answer.Handler) answer.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	d := answer.NewDispatch(h, cancel)

	c.mu.Lock()
	if c.live != nil && !c.live.Closed() {
		c.mu.Unlock()
		go d.Fail(answer.ErrTransportBusy)
		return d.Close
	}
	c.live = d
	c.mu.Unlock()

	go c.stream(ctx, req, d)
	return d.Close
}

func (c *Client) stream(ctx context.Context, req answer.QueryRequest, d *answer.Dispatch) {
	d.WatchIdle(c.config.IdleTimeout)

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		d.Fail(fmt.Errorf("creating request: %w", err))
		return
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		d.Fail(fmt.Errorf("connecting to answer endpoint: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		d.Fail(fmt.Errorf("answer endpoint error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
		return
	}
	d.Touch()

	err = readEvents(resp.Body, d.Touch, func(event string, data []byte) bool {
		ev, err := answer.DecodeFrame(event, data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "event", event, "error", err)
			return !d.Closed()
		}
		if ev == nil {
			c.logger.Debug("ignoring unknown frame", "event", event)
			return !d.Closed()
		}
		d.Deliver(ev)
		return !d.Closed()
	})

	if d.Closed() {
		return
	}
	if err == nil {
		err = errors.New("stream closed before completion")
	} else if ctx.Err() != nil {
		err = ctx.Err()
	}
	d.Fail(fmt.Errorf("reading stream: %w", err))
}

func (c *Client) newRequest(ctx context.Context, req answer.QueryRequest) (*http.Request, error) {
	u, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("query", req.Text)
	if req.ConversationID != "" {
		q.Set("conversation_id", req.ConversationID)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// readEvents parses the event-stream line protocol from r and calls emit for
// every dispatched event. It stops early when emit returns false. A clean
// EOF returns nil.
func readEvents(r io.Reader, touch func(), emit func(event string, data []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var (
		event   string
		data    bytes.Buffer
		pending bool
	)
	flush := func() bool {
		if !pending {
			return true
		}
		ok := emit(event, bytes.Clone(data.Bytes()))
		event, pending = "", false
		data.Reset()
		return ok
	}

	for scanner.Scan() {
		touch()
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			if !flush() {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
			pending = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			pending = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// Some producers close the stream without the final blank line.
	flush()
	return nil
}
