package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

// uplinkQueue is how many captured frames may wait for the dialog channel
// before new ones are dropped.
const uplinkQueue = 32

// uplink forwards captured audio to the dialog channel from its own
// goroutine. The session goroutine only ever hands frames over without
// waiting, so a stalled channel cannot hold up events, timers or End.
type uplink struct {
	frames  chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func startUplink(ctx context.Context, h realtime.SessionHandle, log *slog.Logger) *uplink {
	ctx, cancel := context.WithCancel(ctx)
	u := &uplink{
		frames: make(chan []byte, uplinkQueue),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go u.run(ctx, h, log)
	return u
}

func (u *uplink) run(ctx context.Context, h realtime.SessionHandle, log *slog.Logger) {
	defer close(u.done)
	for pcm := range u.frames {
		err := h.SendAudio(ctx, pcm)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, realtime.ErrClosed):
			return
		default:
			log.Warn("send audio failed", "err", err)
		}
	}
}

// send queues pcm without blocking. It reports false when the queue is full
// or the uplink has stopped.
func (u *uplink) send(pcm []byte) bool {
	if u.stopped {
		return false
	}
	select {
	case u.frames <- pcm:
		return true
	default:
		return false
	}
}

// stop lets queued frames go out until ctx is done or timeout passes, then
// abandons the rest and waits for the goroutine to exit. Must be called from
// the goroutine that calls send.
func (u *uplink) stop(ctx context.Context, timeout time.Duration) {
	if u.stopped {
		return
	}
	u.stopped = true
	close(u.frames)

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-u.done:
	case <-t.C:
	case <-ctx.Done():
	}
	u.cancel()
	<-u.done
}
