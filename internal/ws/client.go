package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Options configures one feed connection.
type Options struct {
	Name           string
	URL            string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	// PingText is written verbatim as a text frame on every ping tick.
	// Empty disables application level pings.
	PingText string
}

// Handler receives every inbound frame. It runs on the read goroutine and
// must not block.
type Handler func(data []byte)

type Client struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []any

	lastMessageMs atomic.Int64
	reconnects    atomic.Uint64
}

var errNotConnected = errors.New("ws not connected")

func New(opts Options, log *zap.Logger) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{opts: opts, log: log.With(zap.String("feed", opts.Name))}
}

// Connect dials and sends every recorded subscription.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(4 << 20)
	for _, sub := range c.subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			return err
		}
	}
	c.conn = conn
	return nil
}

// Subscribe records a subscription and sends it when connected. Recorded
// subscriptions are replayed after every reconnect.
func (c *Client) Subscribe(ctx context.Context, sub any) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// LastMessageAt reports when the last frame arrived.
func (c *Client) LastMessageAt() time.Time {
	ms := c.lastMessageMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (c *Client) Reconnects() uint64 {
	return c.reconnects.Load()
}

func (c *Client) Run(ctx context.Context, handler Handler) error {
	for {
		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ws connect failed", zap.Error(err))
			if !sleepCtx(ctx, c.opts.ReconnectDelay) {
				return ctx.Err()
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			c.resetConn()
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.resetConn()
		c.reconnects.Add(1)
		if !sleepCtx(ctx, c.opts.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

func (c *Client) readLoop(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.lastMessageMs.Store(time.Now().UnixMilli())
		if handler != nil {
			handler(data)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.opts.PingInterval <= 0 || c.opts.PingText == "" {
		return
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte(c.opts.PingText)); err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
