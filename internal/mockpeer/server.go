// Package mockpeer serves the terminal wire protocol for development and
// integration tests. It echoes keystrokes and answers a few line commands;
// it never runs a shell.
package mockpeer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/transport"
)

// Config holds mock peer settings.
type Config struct {
	// Listen is the address Run binds to.
	Listen string `mapstructure:"listen"`
	// Path is the terminal resource path. Defaults to transport.DefaultPath.
	Path string `mapstructure:"path"`
	// Prompt is printed after every line.
	Prompt string `mapstructure:"prompt"`
	// Banner is sent as soon as a client connects.
	Banner string `mapstructure:"banner"`
	// ErrorTrigger is the input line answered with an error frame.
	ErrorTrigger string `mapstructure:"errorTrigger"`
	// ErrorMessage is the text of that error frame.
	ErrorMessage string `mapstructure:"errorMessage"`
	// ExitCommand is the input line that makes the peer close the connection.
	ExitCommand string `mapstructure:"exitCommand"`
	// PlainOutput sends output as bare text frames instead of data envelopes.
	PlainOutput bool `mapstructure:"plainOutput"`

	WriteWait      time.Duration `mapstructure:"writeWait"`
	PongWait       time.Duration `mapstructure:"pongWait"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
}

// DefaultConfig returns the settings used by `webterm mock-peer`.
func DefaultConfig() Config {
	return Config{
		Listen:         "127.0.0.1:8080",
		Path:           transport.DefaultPath,
		Prompt:         "$ ",
		Banner:         "Connected to webterm mock peer.\r\n",
		ErrorTrigger:   "fail",
		ErrorMessage:   "mock peer failure",
		ExitCommand:    "exit",
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 8192,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Server is the mock terminal endpoint.
type Server struct {
	cfg      Config
	logger   *logger.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*peerConn]struct{}
}

// New creates a Server.
func New(cfg Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("mock-peer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[*peerConn]struct{}),
	}
}

// Router returns the HTTP handler serving the terminal endpoint and /health.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": s.ActiveConnections(),
		})
	})
	r.GET(s.cfg.Path, s.Terminal)
	return r
}

// Terminal handles GET <path> by upgrading to a WebSocket terminal.
func (s *Server) Terminal(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	pc := newPeerConn(ws, s.cfg, s.logger.WithFields(zap.String("remote", c.Request.RemoteAddr)))
	s.track(pc)
	defer s.untrack(pc)

	pc.serve()
}

// ActiveConnections returns the number of connected clients.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Run serves on cfg.Listen until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then closes every connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mock peer listening", zap.String("addr", ln.Addr().String()), zap.String("path", s.cfg.Path))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) track(pc *peerConn) {
	s.mu.Lock()
	s.conns[pc] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(pc *peerConn) {
	s.mu.Lock()
	delete(s.conns, pc)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		pc.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
