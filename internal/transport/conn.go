// Package transport owns the WebSocket connection to a remote terminal
// endpoint. It has no knowledge of message semantics.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/model"
)

// Config holds connection tuning.
type Config struct {
	// ConnectTimeout bounds a connect attempt. Zero waits as long as ctx allows.
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	// HandshakeTimeout bounds the HTTP upgrade once TCP is established.
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	// WriteWait is the time allowed to write a frame to the peer.
	WriteWait time.Duration `mapstructure:"writeWait"`
	// PongWait is the time allowed to read the next pong. Zero disables keepalive.
	PongWait time.Duration `mapstructure:"pongWait"`
	// PingPeriod must be less than PongWait.
	PingPeriod time.Duration `mapstructure:"pingPeriod"`
	// MaxMessageSize is the largest inbound message accepted.
	MaxMessageSize int64 `mapstructure:"maxMessageSize"`
	// SendBuffer is the number of outbound frames queued before Send blocks.
	SendBuffer int `mapstructure:"sendBuffer"`
	// Header is sent with the upgrade request (cookies, authorization).
	Header http.Header `mapstructure:"-"`
}

// DefaultConfig returns the connection settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       54 * time.Second,
		MaxMessageSize:   1 << 20,
		SendBuffer:       256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.PongWait > 0 && (c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait) {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	return c
}

// Message is one inbound WebSocket message.
type Message struct {
	Binary bool
	Data   []byte
}

// Dialer opens connections to terminal endpoints.
type Dialer struct {
	cfg    Config
	ws     *websocket.Dialer
	logger *logger.Logger
}

// NewDialer creates a Dialer. A nil logger uses logger.Default().
func NewDialer(cfg Config, log *logger.Logger) *Dialer {
	if log == nil {
		log = logger.Default()
	}
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: log.WithComponent("transport"),
	}
}

// Open connects to endpoint. It returns exactly once, with either a live
// connection or an error wrapping model.ErrConnectFailure or
// model.ErrConnectTimeout. There is no retry.
func (d *Dialer) Open(ctx context.Context, endpoint string) (*Conn, error) {
	dialCtx := ctx
	if d.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		defer cancel()
	}

	ws, resp, err := d.ws.DialContext(dialCtx, endpoint, d.cfg.Header)
	if err != nil {
		if d.cfg.ConnectTimeout > 0 && ctx.Err() == nil && deadlinePassed(dialCtx) {
			return nil, fmt.Errorf("%w after %s: %s", model.ErrConnectTimeout, d.cfg.ConnectTimeout, endpoint)
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %s: %w", model.ErrConnectFailure, endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", model.ErrConnectFailure, endpoint, err)
	}

	d.logger.Debug("connected", zap.String("endpoint", endpoint))
	return newConn(ws, d.cfg, d.logger.WithFields(zap.String("endpoint", endpoint))), nil
}

// deadlinePassed reports whether ctx expired. The net deadline used by the
// handshake can fire slightly before the context timer does.
func deadlinePassed(ctx context.Context) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	dl, ok := ctx.Deadline()
	return ok && !time.Now().Before(dl)
}

// Conn is one live connection. Sends are serialized by a single write pump
// in call order; Receive must be called from a single goroutine.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *logger.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	failure error
}

func newConn(ws *websocket.Conn, cfg Config, log *logger.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		cfg:    cfg,
		logger: log,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}

	ws.SetReadLimit(cfg.MaxMessageSize)
	if cfg.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
	}

	go c.writePump()
	return c
}

// Send enqueues one text frame. It returns model.ErrTransportClosed once the
// connection has been closed.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return model.ErrTransportClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return model.ErrTransportClosed
	}
}

// Receive blocks for the next inbound message. When the stream ends it
// returns an error wrapping model.ErrPeerClosed for a graceful close from
// the peer, model.ErrTransportClosed after a local Close, or the transport error.
func (c *Conn) Receive() (Message, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, c.readError(err)
	}
	return Message{Binary: mt == websocket.BinaryMessage, Data: data}, nil
}

func (c *Conn) readError(err error) error {
	select {
	case <-c.done:
		if failure := c.writeFailure(); failure != nil {
			return failure
		}
		return model.ErrTransportClosed
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.shutdown()
		return fmt.Errorf("%w: %w", model.ErrPeerClosed, err)
	}

	c.shutdown()
	return fmt.Errorf("read: %w", err)
}

// Close initiates a graceful shutdown: frames already queued are flushed,
// a close frame is sent and the socket is released. It is idempotent.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// Done is closed once the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// fail records the write-side error that ended the connection.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.mu.Unlock()
}

func (c *Conn) writeFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the send queue to the socket and keeps the connection
// alive with pings. It is the only writer and the only closer of the socket.
func (c *Conn) writePump() {
	var tick <-chan time.Time
	if c.cfg.PongWait > 0 {
		ticker := time.NewTicker(c.cfg.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	defer func() {
		c.shutdown()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Warn("write failed", zap.Error(err))
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-tick:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping failed", zap.Error(err))
				c.fail(fmt.Errorf("ping: %w", err))
				return
			}
		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.cfg.WriteWait)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("close frame not sent", zap.Error(err))
			}
			return
		}
	}
}

func (c *Conn) write(msg []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// flush writes frames that were queued before Close.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
