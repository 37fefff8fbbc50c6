package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jumpserver/webterm/internal/buffer"
	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/model"
	"github.com/jumpserver/webterm/internal/protocol"
	"github.com/jumpserver/webterm/internal/transport"
)

const (
	closedNotice = "\r\n[connection closed]\r\n"

	// maxSurfacedPayload bounds how much of a malformed frame is shown to the user.
	maxSurfacedPayload = 256
)

// Terminal is the widget a session drives. A session never calls it
// concurrently. A Terminal may call back into the session, for example to
// send input from Write; such calls do not block on the widget.
type Terminal interface {
	Write(text string)
	Resize(d model.Dimensions)
}

// InputRecorder is implemented by terminals that want to observe keystrokes
// sent to the peer.
type InputRecorder interface {
	RecordInput(text string)
}

// Hooks are the named event outputs of a session. Nil hooks are skipped.
// They run on the session's dispatch goroutine, with no session lock held,
// and may call Input, Resize and Close.
type Hooks struct {
	OnConnect func()
	OnError   func(message string)
	OnClose   func()
}

// Conn is the connection a Transport hands to a session.
type Conn interface {
	Send(data []byte) error
	Receive() (transport.Message, error)
	Close() error
}

// Transport opens connections for sessions.
type Transport interface {
	Open(ctx context.Context, endpoint string) (Conn, error)
}

type wsTransport struct {
	dialer *transport.Dialer
}

// WebSocket adapts a transport.Dialer for use by sessions.
func WebSocket(d *transport.Dialer) Transport {
	return wsTransport{dialer: d}
}

func (t wsTransport) Open(ctx context.Context, endpoint string) (Conn, error) {
	conn, err := t.dialer.Open(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config describes one session.
type Config struct {
	ID        string
	Endpoint  string
	Transport Transport
	Terminal  Terminal
	Hooks     Hooks

	// Dimensions is the initial terminal size. Defaults to model.DefaultDimensions.
	Dimensions model.Dimensions
	// SendInitialSize sends a resize frame with Dimensions as soon as the session opens.
	SendInitialSize bool
	// HistorySize is the number of output bytes kept for History.
	HistorySize int

	Logger *logger.Logger
}

// Session is one logical terminal connection, from open to close or failure.
// It owns exactly one connection and never reconnects.
type Session struct {
	id        string
	endpoint  string
	transport Transport
	terminal  Terminal
	hooks     Hooks
	history   *buffer.Scrollback
	logger    *logger.Logger
	sendSize  bool

	mu     sync.Mutex
	phase  model.Phase
	dims   model.Dimensions
	conn   Conn
	err    error
	cancel context.CancelFunc

	// sendMu keeps outbound frames in call order.
	sendMu sync.Mutex
	widget *widget

	startOnce sync.Once
	done      chan struct{}
}

// New creates a session in the Connecting phase. Nothing happens until Start.
func New(cfg Config) *Session {
	if cfg.Dimensions == (model.Dimensions{}) {
		cfg.Dimensions = model.DefaultDimensions
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.Terminal == nil {
		cfg.Terminal = discard{}
	}
	return &Session{
		id:        cfg.ID,
		endpoint:  cfg.Endpoint,
		transport: cfg.Transport,
		terminal:  cfg.Terminal,
		hooks:     cfg.Hooks,
		history:   buffer.NewScrollback(cfg.HistorySize),
		logger:    cfg.Logger.WithSessionID(cfg.ID).WithFields(zap.String("endpoint", cfg.Endpoint)),
		sendSize:  cfg.SendInitialSize,
		phase:     model.PhaseConnecting,
		dims:      cfg.Dimensions,
		widget:    newWidget(),
		done:      make(chan struct{}),
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Endpoint returns the resolved endpoint URI.
func (s *Session) Endpoint() string { return s.endpoint }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() model.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Dimensions returns the last requested terminal size.
func (s *Session) Dimensions() model.Dimensions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims
}

// Err returns the cause of failure once the session is Failed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// History returns the most recent output received by the session.
func (s *Session) History() string {
	return s.history.String()
}

// Done is closed once the session has ended and every hook has run.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done. It returns the failure
// cause, or nil for a session that closed.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins connecting. The session is closed when ctx is done.
// Calling Start more than once has no effect.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		dialCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()

		stop := context.AfterFunc(ctx, func() { _ = s.Close() })
		go func() {
			defer stop()
			s.run(dialCtx)
		}()
	})
}

// Input sends text as one data frame. It is only valid while Open.
func (s *Session) Input(text string) error {
	conn, err := s.openConn()
	if err != nil {
		return err
	}

	frame, err := protocol.EncodeData(text)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}

	if err := s.send(conn, frame); err != nil {
		return err
	}

	if rec, ok := s.terminal.(InputRecorder); ok {
		s.widget.do(func() { rec.RecordInput(text) })
	}
	return nil
}

// Resize sends one resize frame and updates the local dimensions without
// waiting for the peer. It is only valid while Open.
func (s *Session) Resize(rows, cols int) error {
	d := model.Dimensions{Rows: rows, Cols: cols}
	if !d.Valid() {
		return fmt.Errorf("resize %s: %w", d, model.ErrInvalidDimensions)
	}

	conn, err := s.openConn()
	if err != nil {
		return err
	}

	frame, err := protocol.EncodeResize(d)
	if err != nil {
		return err
	}

	if err := s.send(conn, frame); err != nil {
		return err
	}

	s.mu.Lock()
	s.dims = d
	s.mu.Unlock()

	s.widget.do(func() { s.terminal.Resize(d) })
	return nil
}

func (s *Session) send(conn Conn, frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("%w: %w", model.ErrSessionClosed, err)
	}
	return nil
}

// Close tears the session down. A pending connect is abandoned and its
// result ignored. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.phase.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	s.phase = model.PhaseClosed
	conn, cancel := s.conn, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	// A session that never started has no dispatch goroutine to report the close.
	neverStarted := false
	s.startOnce.Do(func() { neverStarted = true })
	if neverStarted {
		s.notify(model.PhaseClosed, nil)
		close(s.done)
	}
	return nil
}

func (s *Session) openConn() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case model.PhaseOpen:
		return s.conn, nil
	case model.PhaseConnecting:
		return nil, model.ErrNotOpen
	default:
		return nil, model.ErrSessionClosed
	}
}

// run is the dispatch goroutine: it connects, then handles inbound frames
// one at a time until the session ends. It is the only place hooks run.
func (s *Session) run(ctx context.Context) {
	defer func() {
		s.widget.flush()
		close(s.done)
	}()

	var (
		conn Conn
		err  error
	)
	if s.Phase() == model.PhaseConnecting {
		conn, err = s.transport.Open(ctx, s.endpoint)
	}

	s.mu.Lock()
	switch {
	case s.phase != model.PhaseConnecting:
		// Closed while connecting: a late success must not open the session.
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.logger.Debug("connect abandoned")
		s.notify(model.PhaseClosed, nil)
		return
	case err != nil:
		s.mu.Unlock()
		s.end(model.PhaseFailed, err)
		return
	}
	s.conn = conn
	s.phase = model.PhaseOpen
	dims := s.dims
	s.mu.Unlock()

	s.logger.Info("session open")
	if s.sendSize {
		if err := s.Resize(dims.Rows, dims.Cols); err != nil {
			s.logger.Warn("initial resize not sent", zap.Error(err))
		}
	}
	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect()
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			s.transportEnded(err)
			return
		}
		if ended := s.dispatch(msg); ended {
			return
		}
	}
}

// dispatch handles one inbound message and reports whether the session ended.
func (s *Session) dispatch(msg transport.Message) bool {
	var (
		frame protocol.Frame
		err   error
	)
	if msg.Binary {
		frame = protocol.DecodeBinary(msg.Data)
	} else {
		frame, err = protocol.Decode(msg.Data)
	}
	if err != nil {
		s.end(model.PhaseFailed, fmt.Errorf("%w (payload %q)", err, truncate(msg.Data, maxSurfacedPayload)))
		return true
	}

	if s.Phase() != model.PhaseOpen {
		return false
	}

	switch frame.Kind {
	case protocol.KindData, protocol.KindText:
		s.history.WriteString(frame.Data)
		s.widget.do(func() { s.terminal.Write(frame.Data) })
	case protocol.KindResize:
		s.mu.Lock()
		s.dims = frame.Dimensions
		s.mu.Unlock()
		s.widget.do(func() { s.terminal.Resize(frame.Dimensions) })
	case protocol.KindError:
		s.end(model.PhaseFailed, &model.PeerError{Message: frame.Message})
		return true
	case protocol.KindEmpty:
		s.logger.Debug("ignoring empty frame")
	}
	return false
}

func (s *Session) transportEnded(err error) {
	if errors.Is(err, model.ErrPeerClosed) || errors.Is(err, model.ErrTransportClosed) {
		s.end(model.PhaseClosed, nil)
		return
	}
	s.end(model.PhaseFailed, err)
}

// end moves the session to a terminal phase unless it already is in one,
// releases the connection and reports whichever outcome actually happened.
func (s *Session) end(to model.Phase, cause error) {
	s.mu.Lock()
	if !s.phase.IsTerminal() {
		s.phase = to
		if to == model.PhaseFailed {
			s.err = cause
		}
	}
	phase, cause, conn := s.phase, s.err, s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.notify(phase, cause)
}

// notify surfaces the end of the session on the widget and the hooks. The
// notice is on the widget before the hook runs.
func (s *Session) notify(phase model.Phase, cause error) {
	if phase == model.PhaseFailed && cause != nil {
		msg := model.UserMessage(cause)
		s.logger.Warn("session failed", zap.Error(cause))
		s.widget.do(func() { s.terminal.Write("\r\n[error: " + msg + "]\r\n") })
		s.widget.flush()
		if s.hooks.OnError != nil {
			s.hooks.OnError(msg)
		}
		return
	}

	s.logger.Info("session closed")
	s.widget.do(func() { s.terminal.Write(closedNotice) })
	s.widget.flush()
	if s.hooks.OnClose != nil {
		s.hooks.OnClose()
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

type discard struct{}

func (discard) Write(string)            {}
func (discard) Resize(model.Dimensions) {}
