//go:build !windows
// +build !windows

package console

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/jumpserver/webterm/internal/model"
)

// WatchResize calls fn with the new size whenever the window changes, until
// ctx is done. Unchanged sizes are not reported.
func (c *Console) WatchResize(ctx context.Context, fn func(model.Dimensions)) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, unix.SIGWINCH)
	defer signal.Stop(sigCh)

	last := c.Size()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			if d := c.Size(); d != last {
				last = d
				fn(d)
			}
		}
	}
}
