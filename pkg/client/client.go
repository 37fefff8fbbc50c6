// Package client is the embedding API for webterm: it connects a terminal
// widget to the terminal endpoint served alongside a web page.
package client

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/model"
	"github.com/jumpserver/webterm/internal/session"
	"github.com/jumpserver/webterm/internal/transport"
)

// Re-export types from internal packages for external use
type (
	Phase      = model.Phase
	Dimensions = model.Dimensions
	PeerError  = model.PeerError
)

const (
	PhaseConnecting = model.PhaseConnecting
	PhaseOpen       = model.PhaseOpen
	PhaseClosed     = model.PhaseClosed
	PhaseFailed     = model.PhaseFailed
)

var (
	ErrUnsupportedTransport = model.ErrUnsupportedTransport
	ErrConnectFailure       = model.ErrConnectFailure
	ErrConnectTimeout       = model.ErrConnectTimeout
	ErrProtocolDecode       = model.ErrProtocolDecode
	ErrPeerError            = model.ErrPeerError
	ErrNotOpen              = model.ErrNotOpen
	ErrSessionClosed        = model.ErrSessionClosed
	ErrInvalidDimensions    = model.ErrInvalidDimensions
)

// DefaultHistorySize is the History retained when Options.HistorySize is zero.
const DefaultHistorySize = 64 * 1024

// Terminal is the widget a Client drives.
type Terminal interface {
	Write(text string)
	Resize(d Dimensions)
}

// Options configures Connect.
type Options struct {
	// Page is the URL of the hosting page. The endpoint's scheme, host and
	// port are taken from it.
	Page string
	// Endpoint, when set, is dialed as-is and Page is ignored.
	Endpoint string
	// Path is the terminal resource path. Defaults to /terminal.
	Path string
	// Port, when non-zero, replaces the page's port.
	Port int
	// ForwardQuery copies the page's query string onto the endpoint.
	ForwardQuery bool

	Terminal Terminal
	// OnData receives everything rendered on the terminal.
	OnData    func(text string)
	OnConnect func()
	OnError   func(message string)
	OnClose   func()

	// Rows and Cols are the initial size, sent once the session opens.
	Rows, Cols int
	// NoInitialSize suppresses the resize frame sent on open.
	NoInitialSize bool
	// ConnectTimeout bounds the connect attempt. Zero waits indefinitely.
	ConnectTimeout time.Duration
	// Header is sent with the upgrade request.
	Header http.Header
	// HistorySize is the number of output bytes kept for History.
	// Defaults to DefaultHistorySize; negative disables History.
	HistorySize int

	Logger *zap.Logger
}

// Client is one terminal session.
type Client struct {
	s *session.Session
}

// Connect resolves the endpoint and starts connecting. It returns once the
// attempt has begun; OnConnect fires when the session opens. The session is
// closed when ctx is done. A page that cannot be mapped to an endpoint fails
// immediately: OnError is called and the error is returned.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	log := logger.Default()
	if opts.Logger != nil {
		log = logger.FromZap(opts.Logger)
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		var err error
		endpoint, err = transport.ResolveEndpoint(opts.Page, transport.EndpointOptions{
			Path:         opts.Path,
			Port:         opts.Port,
			ForwardQuery: opts.ForwardQuery,
		})
		if err != nil {
			if opts.OnError != nil {
				opts.OnError(model.UserMessage(err))
			}
			return nil, err
		}
	}

	history := opts.HistorySize
	if history == 0 {
		history = DefaultHistorySize
	}

	cfg := transport.DefaultConfig()
	cfg.ConnectTimeout = opts.ConnectTimeout
	cfg.Header = opts.Header

	s := session.New(session.Config{
		ID:        uuid.New().String(),
		Endpoint:  endpoint,
		Transport: session.WebSocket(transport.NewDialer(cfg, log)),
		Terminal:  wrapTerminal(opts.Terminal, opts.OnData),
		Hooks: session.Hooks{
			OnConnect: opts.OnConnect,
			OnError:   opts.OnError,
			OnClose:   opts.OnClose,
		},
		Dimensions:      model.Dimensions{Rows: opts.Rows, Cols: opts.Cols},
		SendInitialSize: !opts.NoInitialSize,
		HistorySize:     history,
		Logger:          log,
	})
	s.Start(ctx)
	return &Client{s: s}, nil
}

// ID returns the session ID.
func (c *Client) ID() string { return c.s.ID() }

// Endpoint returns the endpoint being dialed.
func (c *Client) Endpoint() string { return c.s.Endpoint() }

// Send sends keystrokes. It fails with ErrNotOpen before the session opens
// and ErrSessionClosed after it ends.
func (c *Client) Send(text string) error { return c.s.Input(text) }

// Resize announces a new terminal size to the peer.
func (c *Client) Resize(rows, cols int) error { return c.s.Resize(rows, cols) }

// Close ends the session. It is idempotent.
func (c *Client) Close() error { return c.s.Close() }

// Phase returns the current lifecycle phase.
func (c *Client) Phase() Phase { return c.s.Phase() }

// Dimensions returns the last known terminal size.
func (c *Client) Dimensions() Dimensions { return c.s.Dimensions() }

// Err returns the failure cause once the session has failed.
func (c *Client) Err() error { return c.s.Err() }

// History returns the most recent terminal output.
func (c *Client) History() string { return c.s.History() }

// Done is closed once the session has ended.
func (c *Client) Done() <-chan struct{} { return c.s.Done() }

// Wait blocks until the session ends and returns its failure cause, or nil
// if it closed.
func (c *Client) Wait(ctx context.Context) error { return c.s.Wait(ctx) }

type tee struct {
	next   Terminal
	onData func(string)
}

func wrapTerminal(t Terminal, onData func(string)) session.Terminal {
	if onData == nil {
		if t == nil {
			return nil
		}
		return t
	}
	return &tee{next: t, onData: onData}
}

func (t *tee) Write(text string) {
	if t.next != nil {
		t.next.Write(text)
	}
	t.onData(text)
}

func (t *tee) Resize(d Dimensions) {
	if t.next != nil {
		t.next.Resize(d)
	}
}

func (t *tee) RecordInput(text string) {
	if rec, ok := t.next.(session.InputRecorder); ok {
		rec.RecordInput(text)
	}
}
