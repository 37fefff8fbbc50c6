//go:build windows
// +build windows

package console

import (
	"context"
	"time"

	"github.com/jumpserver/webterm/internal/model"
)

// pollInterval is how often the console size is sampled; Windows consoles
// have no resize signal.
const pollInterval = 250 * time.Millisecond

// WatchResize calls fn with the new size whenever the window changes, until
// ctx is done. Unchanged sizes are not reported.
func (c *Console) WatchResize(ctx context.Context, fn func(model.Dimensions)) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	last := c.Size()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d := c.Size(); d != last {
				last = d
				fn(d)
			}
		}
	}
}
