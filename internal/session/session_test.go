package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/model"
	"github.com/jumpserver/webterm/internal/protocol"
)

const tick = 10 * time.Millisecond

func TestSession_ConnectingRejectsInput(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{conn: newFakeConn(), gate: gate}
	s := newTestSession(tr, &screen{}, newEvents())
	s.Start(context.Background())
	defer func() {
		close(gate)
		_ = s.Close()
	}()

	assert.Equal(t, model.PhaseConnecting, s.Phase())
	assert.ErrorIs(t, s.Input("ls\n"), model.ErrNotOpen)
	assert.ErrorIs(t, s.Resize(24, 80), model.ErrNotOpen)
	assert.Empty(t, tr.conn.frames())
}

func TestSession_OpenRendersOutput(t *testing.T) {
	s, conn, term, ev := openSession(t)

	assert.Equal(t, model.PhaseOpen, s.Phase())
	assert.EqualValues(t, 1, ev.connects.Load())

	conn.push(`{"data":"hello "}`)
	conn.push(`plain `)
	conn.pushBinary([]byte("bytes"))
	conn.push(`{"data":""}`)
	conn.push(`{"unknown":1}`)

	assert.Eventually(t, func() bool { return term.text() == "hello plain bytes" }, time.Second, tick)
	assert.Equal(t, "hello plain bytes", s.History())
	assert.Equal(t, model.PhaseOpen, s.Phase())
}

func TestSession_Input(t *testing.T) {
	s, conn, _, _ := openSession(t)

	require.NoError(t, s.Input("ls\n"))
	require.NoError(t, s.Input("pwd\n"))

	assert.Equal(t, []string{`{"data":"ls\n"}`, `{"data":"pwd\n"}`}, conn.frames())
}

func TestSession_InputRecorded(t *testing.T) {
	conn := newFakeConn()
	term := &recordingScreen{}
	ev := newEvents()
	s := newTestSession(&fakeTransport{conn: conn}, term, ev)
	s.Start(context.Background())
	defer s.Close()
	waitConnected(t, ev)

	require.NoError(t, s.Input("whoami\n"))

	term.mu.Lock()
	defer term.mu.Unlock()
	assert.Equal(t, []string{"whoami\n"}, term.inputs)
}

func TestSession_Resize(t *testing.T) {
	s, conn, term, _ := openSession(t)

	require.NoError(t, s.Resize(40, 120))

	assert.Equal(t, []string{`{"resize":{"rows":40,"cols":120}}`}, conn.frames())
	assert.Equal(t, model.Dimensions{Rows: 40, Cols: 120}, s.Dimensions())
	assert.Equal(t, []model.Dimensions{{Rows: 40, Cols: 120}}, term.sizes())
}

func TestSession_ResizeInvalid(t *testing.T) {
	s, conn, _, _ := openSession(t)

	for _, d := range []model.Dimensions{{Rows: 0, Cols: 80}, {Rows: 24, Cols: 0}, {Rows: -1, Cols: -1}} {
		err := s.Resize(d.Rows, d.Cols)
		assert.ErrorIs(t, err, model.ErrInvalidDimensions, "resize %s", d)
	}
	assert.Empty(t, conn.frames())
	assert.Equal(t, model.DefaultDimensions, s.Dimensions())
	assert.Equal(t, model.PhaseOpen, s.Phase())
}

func TestSession_InitialSize(t *testing.T) {
	conn := newFakeConn()
	ev := newEvents()
	s := New(Config{
		Endpoint:        "ws://example.test/terminal",
		Transport:       &fakeTransport{conn: conn},
		Hooks:           ev.hooks(),
		Dimensions:      model.Dimensions{Rows: 50, Cols: 132},
		SendInitialSize: true,
	})
	s.Start(context.Background())
	defer s.Close()
	waitConnected(t, ev)

	require.NoError(t, s.Input("x"))
	assert.Equal(t, []string{`{"resize":{"rows":50,"cols":132}}`, `{"data":"x"}`}, conn.frames())
}

func TestSession_InboundResize(t *testing.T) {
	s, conn, term, _ := openSession(t)

	conn.push(`{"resize":{"rows":30,"cols":100}}`)

	want := model.Dimensions{Rows: 30, Cols: 100}
	assert.Eventually(t, func() bool { return s.Dimensions() == want }, time.Second, tick)
	assert.Equal(t, []model.Dimensions{want}, term.sizes())
}

func TestSession_PeerErrorFrame(t *testing.T) {
	s, conn, term, ev := openSession(t)

	conn.push(`{"error":"permission denied"}`)
	waitDone(t, s)

	assert.Equal(t, model.PhaseFailed, s.Phase())
	assert.ErrorIs(t, s.Err(), model.ErrPeerError)
	assert.Equal(t, []string{"permission denied"}, ev.errs())
	assert.Contains(t, term.text(), "permission denied")
	assert.Zero(t, ev.closes.Load())
	assert.True(t, conn.isClosed())

	assert.ErrorIs(t, s.Input("ls\n"), model.ErrSessionClosed)
	assert.ErrorIs(t, s.Resize(24, 80), model.ErrSessionClosed)
	assert.Empty(t, conn.frames())
}

func TestSession_DecodeFailure(t *testing.T) {
	s, conn, _, ev := openSession(t)

	conn.push(`{"resize":{"rows":"many"}}`)
	waitDone(t, s)

	assert.Equal(t, model.PhaseFailed, s.Phase())
	assert.ErrorIs(t, s.Err(), model.ErrProtocolDecode)
	require.Len(t, ev.errs(), 1)
	assert.Contains(t, ev.errs()[0], "many")
}

func TestSession_InvalidUTF8(t *testing.T) {
	s, conn, _, ev := openSession(t)

	conn.push("\xff\xfe")
	waitDone(t, s)

	assert.ErrorIs(t, s.Err(), model.ErrProtocolDecode)
	assert.Len(t, ev.errs(), 1)
}

func TestSession_PeerClosed(t *testing.T) {
	s, conn, term, ev := openSession(t)

	conn.push(`{"data":"bye"}`)
	conn.end(fmt.Errorf("%w: close 1000", model.ErrPeerClosed))
	waitDone(t, s)

	assert.Equal(t, model.PhaseClosed, s.Phase())
	assert.NoError(t, s.Err())
	assert.EqualValues(t, 1, ev.closes.Load())
	assert.Empty(t, ev.errs())
	assert.Contains(t, term.text(), "bye")
	assert.Contains(t, term.text(), closedNotice)
}

func TestSession_TransportError(t *testing.T) {
	s, conn, _, ev := openSession(t)

	conn.end(errors.New("read: connection reset by peer"))
	waitDone(t, s)

	assert.Equal(t, model.PhaseFailed, s.Phase())
	assert.Equal(t, []string{"read: connection reset by peer"}, ev.errs())
	assert.Zero(t, ev.closes.Load())
}

func TestSession_ConnectFailure(t *testing.T) {
	tr := &fakeTransport{err: fmt.Errorf("%w: dial refused", model.ErrConnectFailure)}
	ev := newEvents()
	s := newTestSession(tr, &screen{}, ev)
	s.Start(context.Background())
	waitDone(t, s)

	assert.Equal(t, model.PhaseFailed, s.Phase())
	assert.ErrorIs(t, s.Err(), model.ErrConnectFailure)
	assert.Len(t, ev.errs(), 1)
	assert.Zero(t, ev.connects.Load())
	assert.EqualValues(t, 1, tr.opens.Load())
	assert.ErrorIs(t, s.Input("x"), model.ErrSessionClosed)
}

func TestSession_CloseWhileConnecting(t *testing.T) {
	gate := make(chan struct{})
	conn := newFakeConn()
	ev := newEvents()
	s := newTestSession(&fakeTransport{conn: conn, gate: gate}, &screen{}, ev)
	s.Start(context.Background())

	require.NoError(t, s.Close())
	assert.Equal(t, model.PhaseClosed, s.Phase())

	// The connect completes after the session was closed.
	close(gate)
	waitDone(t, s)

	assert.Equal(t, model.PhaseClosed, s.Phase())
	assert.Zero(t, ev.connects.Load())
	assert.EqualValues(t, 1, ev.closes.Load())
	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, s.Input("x"), model.ErrSessionClosed)
}

func TestSession_CloseIdempotent(t *testing.T) {
	s, conn, term, ev := openSession(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	waitDone(t, s)
	require.NoError(t, s.Close())

	assert.Equal(t, model.PhaseClosed, s.Phase())
	assert.EqualValues(t, 1, ev.closes.Load())
	assert.Empty(t, ev.errs())
	assert.True(t, conn.isClosed())
	assert.Contains(t, term.text(), closedNotice)
}

func TestSession_CloseBeforeStart(t *testing.T) {
	tr := &fakeTransport{conn: newFakeConn()}
	ev := newEvents()
	s := newTestSession(tr, &screen{}, ev)

	require.NoError(t, s.Close())
	waitDone(t, s)
	s.Start(context.Background())

	assert.Equal(t, model.PhaseClosed, s.Phase())
	assert.EqualValues(t, 1, ev.closes.Load())
	assert.Zero(t, tr.opens.Load())
}

func TestSession_ContextCancel(t *testing.T) {
	conn := newFakeConn()
	ev := newEvents()
	s := newTestSession(&fakeTransport{conn: conn}, &screen{}, ev)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitConnected(t, ev)

	cancel()
	waitDone(t, s)

	assert.Equal(t, model.PhaseClosed, s.Phase())
	assert.EqualValues(t, 1, ev.closes.Load())
}

func TestSession_FailureAfterCloseIsIgnored(t *testing.T) {
	s, conn, _, ev := openSession(t)

	require.NoError(t, s.Close())
	waitDone(t, s)
	// Further peer frames cannot reach a closed session.
	conn.push(`{"error":"late"}`)

	assert.Equal(t, model.PhaseClosed, s.Phase())
	assert.Empty(t, ev.errs())
}

func TestSession_Wait(t *testing.T) {
	s, conn, _, _ := openSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	conn.push(`{"error":"gone"}`)
	assert.ErrorIs(t, s.Wait(context.Background()), model.ErrPeerError)
}

func TestSession_InputFromWrite(t *testing.T) {
	conn := newFakeConn()
	term := &reentrantScreen{}
	ev := newEvents()
	s := newTestSession(&fakeTransport{conn: conn}, term, ev)

	var once sync.Once
	errs := make(chan error, 2)
	term.onWrite = func(string) {
		once.Do(func() {
			errs <- s.Input("yes\n")
			errs <- s.Resize(10, 20)
		})
	}
	s.Start(context.Background())
	defer s.Close()
	waitConnected(t, ev)

	conn.push(`{"data":"continue? "}`)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("call from Write did not return: phase %s", s.Phase())
		}
	}

	assert.Equal(t, []string{`{"data":"yes\n"}`, `{"resize":{"rows":10,"cols":20}}`}, conn.frames())

	conn.end(model.ErrPeerClosed)
	waitDone(t, s)

	term.mu.Lock()
	defer term.mu.Unlock()
	assert.Equal(t, []string{"yes\n"}, term.inputs)
	assert.Equal(t, []model.Dimensions{{Rows: 10, Cols: 20}}, term.resizes)
	assert.Equal(t, "continue? "+closedNotice, term.out.String())
	assert.EqualValues(t, 1, ev.closes.Load())
}

// Every hook and the widget may call back into the session without
// stalling it, and each end hook still fires exactly once.
func TestSession_CallbacksReenter(t *testing.T) {
	actions := []struct {
		name  string
		call  func(s *Session) error
		frame string
	}{
		{"input", func(s *Session) error { return s.Input("y\n") }, `{"data":"y\n"}`},
		{"resize", func(s *Session) error { return s.Resize(33, 99) }, `{"resize":{"rows":33,"cols":99}}`},
		{"close", func(s *Session) error { return s.Close() }, ""},
	}
	// whileOpen hooks run before the session has ended.
	callbacks := []struct {
		name      string
		whileOpen bool
	}{
		{"OnConnect", true},
		{"Write", true},
		{"OnError", false},
		{"OnClose", false},
	}

	for _, cb := range callbacks {
		for _, act := range actions {
			t.Run(cb.name+"/"+act.name, func(t *testing.T) {
				conn := newFakeConn()
				term := &reentrantScreen{}
				var (
					s                       *Session
					once                    sync.Once
					calls                   atomic.Int32
					connects, fails, closes atomic.Int32
					callErr                 error
				)
				fire := func(name string) {
					if name != cb.name {
						return
					}
					once.Do(func() {
						calls.Add(1)
						callErr = act.call(s)
					})
				}
				term.onWrite = func(string) { fire("Write") }
				s = New(Config{
					Endpoint:  "ws://example.test/terminal",
					Transport: &fakeTransport{conn: conn},
					Terminal:  term,
					Hooks: Hooks{
						OnConnect: func() { connects.Add(1); fire("OnConnect") },
						OnError:   func(string) { fails.Add(1); fire("OnError") },
						OnClose:   func() { closes.Add(1); fire("OnClose") },
					},
					Logger: logger.Nop(),
				})
				s.Start(context.Background())
				defer s.Close()

				if cb.name == "OnError" {
					conn.push(`{"error":"denied"}`)
				} else {
					conn.push(`{"data":"prompt"}`)
				}
				if cb.whileOpen {
					require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, tick)
				}
				conn.end(model.ErrPeerClosed)
				waitDone(t, s)

				assert.EqualValues(t, 1, calls.Load())
				assert.EqualValues(t, 1, connects.Load())
				assert.EqualValues(t, 1, fails.Load()+closes.Load())
				if cb.name == "OnError" {
					assert.EqualValues(t, 1, fails.Load())
				}

				switch {
				case act.frame == "":
					assert.NoError(t, callErr)
					assert.True(t, conn.isClosed())
				case cb.whileOpen:
					assert.NoError(t, callErr)
					assert.Contains(t, conn.frames(), act.frame)
				default:
					assert.ErrorIs(t, callErr, model.ErrSessionClosed)
				}
			})
		}
	}
}

// Inputs reach the peer as one data frame each, in call order.
func TestSession_InputOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("inputs are framed in order", prop.ForAll(
		func(inputs []string) bool {
			conn := newFakeConn()
			ev := newEvents()
			s := newTestSession(&fakeTransport{conn: conn}, &screen{}, ev)
			s.Start(context.Background())
			defer s.Close()
			<-ev.connected

			for _, in := range inputs {
				if err := s.Input(in); err != nil {
					return false
				}
			}

			frames := conn.frames()
			if len(frames) != len(inputs) {
				return false
			}
			for i, raw := range frames {
				f, err := protocol.Decode([]byte(raw))
				if err != nil {
					return false
				}
				if inputs[i] == "" {
					if f.Kind != protocol.KindEmpty {
						return false
					}
					continue
				}
				if f.Kind != protocol.KindData || f.Data != inputs[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Output is rendered in arrival order with nothing dropped.
func TestSession_OutputOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("output chunks render in order", prop.ForAll(
		func(chunks []string) bool {
			conn := newFakeConn()
			term := &screen{}
			ev := newEvents()
			s := newTestSession(&fakeTransport{conn: conn}, term, ev)
			s.Start(context.Background())
			<-ev.connected

			want := ""
			for _, c := range chunks {
				frame, _ := protocol.EncodeData(c)
				conn.inbound <- transportMessage(frame)
				want += c
			}
			conn.end(model.ErrPeerClosed)
			<-s.Done()

			return term.text() == want+closedNotice
		},
		gen.SliceOfN(20, gen.AlphaString()),
	))

	properties.TestingRun(t)
}
