package mockpeer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/model"
	"github.com/jumpserver/webterm/internal/protocol"
)

// peerConn is one connected client. serve runs the read side on the handler
// goroutine; writePump is the only writer.
type peerConn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *logger.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	closeMsg []byte

	line strings.Builder
	dims model.Dimensions
}

func newPeerConn(ws *websocket.Conn, cfg Config, log *logger.Logger) *peerConn {
	return &peerConn{
		ws:       ws,
		cfg:      cfg,
		logger:   log,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		closeMsg: websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		dims:     model.DefaultDimensions,
	}
}

func (p *peerConn) serve() {
	go p.writePump()
	defer p.shutdown()

	p.ws.SetReadLimit(p.cfg.MaxMessageSize)
	_ = p.ws.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
	})

	p.logger.Info("client connected")
	if p.cfg.Banner != "" || p.cfg.Prompt != "" {
		p.output(p.cfg.Banner + p.cfg.Prompt)
	}

	for {
		mt, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				p.logger.Warn("read failed", zap.Error(err))
			}
			p.logger.Info("client disconnected")
			return
		}

		_ = p.ws.SetReadDeadline(time.Now().Add(p.cfg.PongWait))

		if mt == websocket.BinaryMessage {
			p.input(string(data))
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			p.logger.Warn("malformed frame", zap.Error(err))
			p.sendError(fmt.Sprintf("malformed frame: %v", err))
			continue
		}

		switch frame.Kind {
		case protocol.KindData, protocol.KindText:
			p.input(frame.Data)
		case protocol.KindResize:
			p.dims = frame.Dimensions
			p.logger.Debug("resize", zap.Int("rows", frame.Dimensions.Rows), zap.Int("cols", frame.Dimensions.Cols))
			if ack, err := protocol.EncodeResize(frame.Dimensions); err == nil {
				p.enqueue(ack)
			}
		case protocol.KindError:
			p.logger.Warn("client reported error", zap.String("message", frame.Message))
		}

		if p.isClosing() {
			return
		}
	}
}

// input applies keystrokes to the line editor.
func (p *peerConn) input(text string) {
	for _, r := range text {
		if p.isClosing() {
			return
		}
		switch r {
		case '\r', '\n':
			line := p.line.String()
			p.line.Reset()
			p.output("\r\n")
			p.run(strings.TrimSpace(line))
		case '\x7f', '\b':
			line := []rune(p.line.String())
			if len(line) == 0 {
				continue
			}
			p.line.Reset()
			p.line.WriteString(string(line[:len(line)-1]))
			p.output("\b \b")
		case '\x03':
			p.line.Reset()
			p.output("^C\r\n" + p.cfg.Prompt)
		default:
			p.line.WriteRune(r)
			p.output(string(r))
		}
	}
}

// run answers one entered line.
func (p *peerConn) run(line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch {
	case line == "":
		p.output(p.cfg.Prompt)
	case line == p.cfg.ExitCommand:
		p.output("logout\r\n")
		p.closeWith(websocket.CloseNormalClosure, "")
	case line == p.cfg.ErrorTrigger:
		p.sendError(p.cfg.ErrorMessage)
	case cmd == "echo":
		p.output(arg + "\r\n" + p.cfg.Prompt)
	case line == "size":
		p.output(fmt.Sprintf("%d %d\r\n", p.dims.Rows, p.dims.Cols) + p.cfg.Prompt)
	default:
		p.output(cmd + ": command not found\r\n" + p.cfg.Prompt)
	}
}

func (p *peerConn) output(text string) {
	if p.cfg.PlainOutput {
		p.enqueue([]byte(text))
		return
	}
	frame, err := protocol.EncodeData(text)
	if err != nil {
		p.logger.Warn("encode output", zap.Error(err))
		return
	}
	p.enqueue(frame)
}

func (p *peerConn) sendError(message string) {
	frame, err := protocol.EncodeError(message)
	if err != nil {
		return
	}
	p.enqueue(frame)
}

func (p *peerConn) enqueue(frame []byte) {
	select {
	case p.send <- frame:
	case <-p.done:
	}
}

func (p *peerConn) isClosing() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// closeWith flushes pending output and closes the connection with code.
func (p *peerConn) closeWith(code int, text string) {
	p.mu.Lock()
	p.closeMsg = websocket.FormatCloseMessage(code, text)
	p.mu.Unlock()
	p.shutdown()
}

func (p *peerConn) shutdown() {
	p.once.Do(func() { close(p.done) })
}

func (p *peerConn) writePump() {
	ticker := time.NewTicker((p.cfg.PongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()

	for {
		select {
		case frame := <-p.send:
			if err := p.write(frame); err != nil {
				p.logger.Debug("write failed", zap.Error(err))
				p.shutdown()
				return
			}
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.shutdown()
				return
			}
		case <-p.done:
			p.flush()
			p.mu.Lock()
			msg := p.closeMsg
			p.mu.Unlock()
			err := p.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(p.cfg.WriteWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				p.logger.Debug("close frame not sent", zap.Error(err))
			}
			return
		}
	}
}

// flush writes output queued before the close.
func (p *peerConn) flush() {
	for {
		select {
		case frame := <-p.send:
			if err := p.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *peerConn) write(frame []byte) error {
	_ = p.ws.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
	return p.ws.WriteMessage(websocket.TextMessage, frame)
}
