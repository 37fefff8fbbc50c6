// Package console connects a session to the local terminal: it renders
// output, forwards keystrokes and reports window size changes.
package console

import (
	"context"
	"errors"
	"io"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/model"
)

// ErrDetached is returned by Pump when the detach key is typed.
var ErrDetached = errors.New("detached")

// DefaultDetachKey is Ctrl-].
const DefaultDetachKey byte = 0x1d

type fder interface {
	Fd() uintptr
}

// Console is a session.Terminal backed by the process's terminal.
type Console struct {
	in     io.Reader
	out    io.Writer
	logger *logger.Logger

	// DetachKey ends Pump with ErrDetached. Zero disables it.
	DetachKey byte

	mu      sync.Mutex
	restore func()
}

// New creates a Console reading keystrokes from in and writing output to out.
func New(in io.Reader, out io.Writer, log *logger.Logger) *Console {
	if log == nil {
		log = logger.Default()
	}
	return &Console{
		in:        in,
		out:       out,
		logger:    log.WithComponent("console"),
		DetachKey: DefaultDetachKey,
	}
}

// Write renders session output.
func (c *Console) Write(text string) {
	if _, err := io.WriteString(c.out, text); err != nil {
		c.logger.Debug("write failed", zap.Error(err))
	}
}

// Resize is called when the peer announces a size. The local window is
// owned by the user, so it is only logged.
func (c *Console) Resize(d model.Dimensions) {
	c.logger.Debug("peer resize", zap.String("size", d.String()))
}

// MakeRaw puts the input terminal in raw mode. It is a no-op when input is
// not a terminal.
func (c *Console) MakeRaw() error {
	fd, ok := terminalFd(c.in)
	if !ok {
		return nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.restore = func() { _ = term.Restore(fd, state) }
	c.mu.Unlock()
	return nil
}

// Restore undoes MakeRaw. It is safe to call more than once.
func (c *Console) Restore() {
	c.mu.Lock()
	restore := c.restore
	c.restore = nil
	c.mu.Unlock()
	if restore != nil {
		restore()
	}
}

// Size returns the output terminal's size, or model.DefaultDimensions when
// output is not a terminal.
func (c *Console) Size() model.Dimensions {
	fd, ok := terminalFd(c.out)
	if !ok {
		return model.DefaultDimensions
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return model.DefaultDimensions
	}
	return model.Dimensions{Rows: rows, Cols: cols}
}

// IsTerminal reports whether input is an interactive terminal.
func (c *Console) IsTerminal() bool {
	_, ok := terminalFd(c.in)
	return ok
}

// Pump forwards keystrokes to send until input ends, ctx is done, send
// fails or the detach key is typed. Multi-byte characters split across reads
// are held back until complete.
func (c *Console) Pump(ctx context.Context, send func(text string) error) error {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := c.in.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if len(pending) > 0 {
				if serr := send(string(pending)); serr != nil {
					return serr
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case chunk := <-chunks:
			pending = append(pending, chunk...)
			if c.DetachKey != 0 {
				for i, b := range pending {
					if b == c.DetachKey {
						if i > 0 {
							if err := send(string(pending[:i])); err != nil {
								return err
							}
						}
						return ErrDetached
					}
				}
			}
			n := completePrefix(pending)
			if n == 0 {
				continue
			}
			if err := send(string(pending[:n])); err != nil {
				return err
			}
			pending = append(pending[:0], pending[n:]...)
		}
	}
}

// completePrefix returns the length of b without a trailing partial rune.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func terminalFd(v any) (int, bool) {
	f, ok := v.(fder)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}
