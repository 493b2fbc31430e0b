package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/memoirvoice/pkg/audio"
)

// capture guards a single audio.Source so that at most one capture runs per
// session. It is owned by the session goroutine.
type capture struct {
	src    audio.Source
	frames <-chan audio.AudioFrame
	active bool
}

// start begins capture. Starting an active capture is a no-op.
func (c *capture) start(ctx context.Context) error {
	if c.active {
		return nil
	}
	frames, err := c.src.Start(ctx)
	if err != nil {
		if errors.Is(err, audio.ErrSourceActive) {
			return nil
		}
		return fmt.Errorf("session: start capture: %w", err)
	}
	c.frames = frames
	c.active = true
	return nil
}

// stop releases the device. The frame channel is abandoned; sources close it
// themselves.
func (c *capture) stop() error {
	if !c.active {
		return nil
	}
	c.active = false
	c.frames = nil
	return c.src.Stop()
}

// ended records that the source closed its channel on its own.
func (c *capture) ended() {
	c.active = false
	c.frames = nil
}
