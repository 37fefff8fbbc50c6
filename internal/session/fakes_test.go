package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/model"
	"github.com/jumpserver/webterm/internal/transport"
)

// fakeConn is an in-memory Conn whose inbound side is driven by the test.
type fakeConn struct {
	inbound chan transport.Message
	ended   chan error
	closed  chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan transport.Message, 64),
		ended:   make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return model.ErrTransportClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, string(data))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive() (transport.Message, error) {
	// Queued frames are delivered before a queued end.
	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.inbound:
		return msg, nil
	case err := <-c.ended:
		return transport.Message{}, err
	case <-c.closed:
		return transport.Message{}, model.ErrTransportClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(text string) {
	c.inbound <- transport.Message{Data: []byte(text)}
}

func (c *fakeConn) pushBinary(data []byte) {
	c.inbound <- transport.Message{Binary: true, Data: data}
}

func transportMessage(data []byte) transport.Message {
	return transport.Message{Data: data}
}

// end makes the next Receive fail with err.
func (c *fakeConn) end(err error) {
	c.ended <- err
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// fakeTransport hands out a single fakeConn. When gate is set, Open blocks
// until gate is closed and ignores ctx, simulating a connect that completes late.
type fakeTransport struct {
	conn  *fakeConn
	err   error
	gate  chan struct{}
	opens atomic.Int32
}

func (t *fakeTransport) Open(ctx context.Context, endpoint string) (Conn, error) {
	t.opens.Add(1)
	if t.gate != nil {
		<-t.gate
	}
	if t.err != nil {
		return nil, t.err
	}
	return t.conn, nil
}

// screen is a Terminal that records every call.
type screen struct {
	mu      sync.Mutex
	out     strings.Builder
	resizes []model.Dimensions
	inputs  []string
}

func (s *screen) Write(text string) {
	s.mu.Lock()
	s.out.WriteString(text)
	s.mu.Unlock()
}

func (s *screen) Resize(d model.Dimensions) {
	s.mu.Lock()
	s.resizes = append(s.resizes, d)
	s.mu.Unlock()
}

func (s *screen) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}

func (s *screen) sizes() []model.Dimensions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Dimensions(nil), s.resizes...)
}

// recordingScreen also observes input.
type recordingScreen struct {
	screen
}

func (s *recordingScreen) RecordInput(text string) {
	s.mu.Lock()
	s.inputs = append(s.inputs, text)
	s.mu.Unlock()
}

// reentrantScreen calls onWrite after each write, from inside Write.
type reentrantScreen struct {
	recordingScreen
	onWrite func(text string)
}

func (s *reentrantScreen) Write(text string) {
	s.recordingScreen.Write(text)
	if s.onWrite != nil {
		s.onWrite(text)
	}
}

// events counts hook invocations.
type events struct {
	connects atomic.Int32
	closes   atomic.Int32

	mu     sync.Mutex
	errors []string

	connected chan struct{}
	once      sync.Once
}

func newEvents() *events {
	return &events{connected: make(chan struct{})}
}

func (e *events) hooks() Hooks {
	return Hooks{
		OnConnect: func() {
			e.connects.Add(1)
			e.once.Do(func() { close(e.connected) })
		},
		OnError: func(msg string) {
			e.mu.Lock()
			e.errors = append(e.errors, msg)
			e.mu.Unlock()
		},
		OnClose: func() { e.closes.Add(1) },
	}
}

func (e *events) errs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.errors...)
}

func waitConnected(t *testing.T, e *events) {
	t.Helper()
	select {
	case <-e.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not open")
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session still %s", s.Phase())
	}
}

func newTestSession(tr Transport, term Terminal, ev *events) *Session {
	return New(Config{
		ID:          "test",
		Endpoint:    "ws://example.test/terminal",
		Transport:   tr,
		Terminal:    term,
		Hooks:       ev.hooks(),
		HistorySize: 1024,
		Logger:      logger.Nop(),
	})
}

// openSession starts a session on a fresh fake connection and waits for it to open.
func openSession(t *testing.T) (*Session, *fakeConn, *screen, *events) {
	t.Helper()
	conn := newFakeConn()
	term := &screen{}
	ev := newEvents()
	s := newTestSession(&fakeTransport{conn: conn}, term, ev)
	s.Start(context.Background())
	waitConnected(t, ev)
	t.Cleanup(func() { _ = s.Close() })
	return s, conn, term, ev
}
