package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// PlayOptions controls replay timing.
type PlayOptions struct {
	// Speed multiplies playback speed. Values <= 0 mean 1.
	Speed float64
	// MaxIdle caps the pause between two events. Zero keeps the recorded pauses.
	MaxIdle time.Duration
}

// Play replays the output events of the cast read from r into w with the
// recorded timing. It returns ctx.Err() if ctx is done first.
func Play(ctx context.Context, r io.Reader, w io.Writer, opts PlayOptions) error {
	dec, err := NewDecoder(r)
	if err != nil {
		return err
	}

	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	var last float64
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		delay := time.Duration((ev.Time - last) * float64(time.Second))
		last = ev.Time
		if delay < 0 {
			delay = 0
		}
		if opts.MaxIdle > 0 && delay > opts.MaxIdle {
			delay = opts.MaxIdle
		}
		delay = time.Duration(float64(delay) / speed)

		if delay > 0 {
			timer.Reset(delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if ev.Type != EventOutput {
			continue
		}
		if _, err := io.WriteString(w, ev.Data); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}
