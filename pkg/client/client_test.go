package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/mockpeer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recorder struct {
	mu       sync.Mutex
	out      strings.Builder
	connects int
	closes   int
	errs     []string
	open     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{open: make(chan struct{})}
}

func (r *recorder) options(page string) Options {
	return Options{
		Page: page,
		OnData: func(text string) {
			r.mu.Lock()
			r.out.WriteString(text)
			r.mu.Unlock()
		},
		OnConnect: func() {
			r.mu.Lock()
			r.connects++
			r.mu.Unlock()
			close(r.open)
		},
		OnError: func(message string) {
			r.mu.Lock()
			r.errs = append(r.errs, message)
			r.mu.Unlock()
		},
		OnClose: func() {
			r.mu.Lock()
			r.closes++
			r.mu.Unlock()
		},
		Rows:   30,
		Cols:   100,
		Logger: zap.NewNop(),
	}
}

func (r *recorder) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.String()
}

func startPeer(t *testing.T, cfg mockpeer.Config) string {
	t.Helper()
	srv := httptest.NewServer(mockpeer.New(cfg, logger.Nop()).Router())
	t.Cleanup(srv.Close)
	return srv.URL + "/console/"
}

func connect(t *testing.T, opts Options, r *recorder) *Client {
	t.Helper()
	c, err := Connect(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	select {
	case <-r.open:
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not open: phase %s, err %v", c.Phase(), c.Err())
	}
	return c
}

func wait(t *testing.T, c *Client) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestClient_RoundTrip(t *testing.T) {
	page := startPeer(t, mockpeer.DefaultConfig())
	r := newRecorder()
	c := connect(t, r.options(page), r)

	assert.Equal(t, PhaseOpen, c.Phase())
	assert.True(t, strings.HasPrefix(c.Endpoint(), "ws://"))
	assert.True(t, strings.HasSuffix(c.Endpoint(), "/terminal"))

	require.Eventually(t, func() bool { return strings.Contains(r.output(), "$ ") }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Send("echo hello\r"))
	require.Eventually(t, func() bool { return strings.Contains(c.History(), "hello\r\n$ ") }, 5*time.Second, 10*time.Millisecond)

	// The initial size reached the peer before any input.
	require.NoError(t, c.Send("size\r"))
	require.Eventually(t, func() bool { return strings.Contains(r.output(), "30 100") }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Resize(40, 120))
	assert.Equal(t, Dimensions{Rows: 40, Cols: 120}, c.Dimensions())
	require.NoError(t, c.Send("size\r"))
	require.Eventually(t, func() bool { return strings.Contains(r.output(), "40 120") }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Send("exit\r"))
	assert.NoError(t, wait(t, c))
	assert.Equal(t, PhaseClosed, c.Phase())

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 1, r.connects)
	assert.Equal(t, 1, r.closes)
	assert.Empty(t, r.errs)
	assert.Contains(t, r.out.String(), "logout")
}

func TestClient_PeerError(t *testing.T) {
	cfg := mockpeer.DefaultConfig()
	cfg.ErrorMessage = "target host unreachable"
	page := startPeer(t, cfg)
	r := newRecorder()
	c := connect(t, r.options(page), r)

	require.NoError(t, c.Send(cfg.ErrorTrigger+"\r"))
	err := wait(t, c)

	assert.ErrorIs(t, err, ErrPeerError)
	assert.Equal(t, PhaseFailed, c.Phase())
	assert.ErrorIs(t, c.Send("x"), ErrSessionClosed)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []string{"target host unreachable"}, r.errs)
	assert.Zero(t, r.closes)
	assert.Contains(t, r.out.String(), "[error: target host unreachable]")
}

func TestClient_PlainTextOutput(t *testing.T) {
	cfg := mockpeer.DefaultConfig()
	cfg.PlainOutput = true
	page := startPeer(t, cfg)
	r := newRecorder()
	c := connect(t, r.options(page), r)

	require.Eventually(t, func() bool { return strings.Contains(c.History(), cfg.Banner) }, 5*time.Second, 10*time.Millisecond)
}

func TestClient_LocalClose(t *testing.T) {
	page := startPeer(t, mockpeer.DefaultConfig())
	r := newRecorder()
	c := connect(t, r.options(page), r)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.NoError(t, wait(t, c))
	assert.Equal(t, PhaseClosed, c.Phase())
	assert.ErrorIs(t, c.Send("x"), ErrSessionClosed)
}

func TestClient_ConnectRefused(t *testing.T) {
	srv := httptest.NewServer(nil)
	page := srv.URL
	srv.Close()

	r := newRecorder()
	c, err := Connect(context.Background(), r.options(page))
	require.NoError(t, err)

	err = wait(t, c)
	assert.ErrorIs(t, err, ErrConnectFailure)
	assert.Equal(t, PhaseFailed, c.Phase())

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Zero(t, r.connects)
	assert.Len(t, r.errs, 1)
}

func TestClient_UnsupportedPage(t *testing.T) {
	r := newRecorder()
	c, err := Connect(context.Background(), r.options("ftp://example.com/console"))

	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrUnsupportedTransport)
	assert.Len(t, r.errs, 1)
}

func TestClient_ContextCancel(t *testing.T) {
	page := startPeer(t, mockpeer.DefaultConfig())
	r := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	c, err := Connect(ctx, r.options(page))
	require.NoError(t, err)
	<-r.open

	cancel()
	assert.NoError(t, wait(t, c))
	assert.Equal(t, PhaseClosed, c.Phase())
}

func TestClient_SendFromOnData(t *testing.T) {
	page := startPeer(t, mockpeer.DefaultConfig())
	r := newRecorder()

	var (
		client  atomic.Pointer[Client]
		replied sync.Once
		sendErr = make(chan error, 2)
	)
	opts := r.options(page)
	record := opts.OnData
	opts.OnData = func(text string) {
		record(text)
		c := client.Load()
		if c == nil || !strings.Contains(text, "$ ") {
			return
		}
		replied.Do(func() {
			sendErr <- c.Resize(40, 120)
			sendErr <- c.Send("size\r")
		})
	}

	c := connect(t, opts, r)
	client.Store(c)
	// Ask for a fresh prompt in case the first one arrived before Store.
	require.NoError(t, c.Send("\r"))

	for i := 0; i < 2; i++ {
		select {
		case err := <-sendErr:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("call from OnData did not return: phase %s", c.Phase())
		}
	}
	require.Eventually(t, func() bool { return strings.Contains(r.output(), "40 120") }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Dimensions{Rows: 40, Cols: 120}, c.Dimensions())

	require.NoError(t, c.Send("exit\r"))
	assert.NoError(t, wait(t, c))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 1, r.closes)
	assert.Empty(t, r.errs)
}

func TestClient_CloseFromOnConnect(t *testing.T) {
	page := startPeer(t, mockpeer.DefaultConfig())
	r := newRecorder()

	var client atomic.Pointer[Client]
	ready := make(chan struct{})
	opts := r.options(page)
	onConnect := opts.OnConnect
	opts.OnConnect = func() {
		onConnect()
		<-ready
		_ = client.Load().Close()
	}

	c, err := Connect(context.Background(), opts)
	require.NoError(t, err)
	client.Store(c)
	close(ready)

	assert.NoError(t, wait(t, c))
	assert.Equal(t, PhaseClosed, c.Phase())

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 1, r.connects)
	assert.Equal(t, 1, r.closes)
}
