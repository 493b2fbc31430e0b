// Package malgo implements microphone capture and speaker playback on top of
// miniaudio via github.com/gen2brain/malgo.
//
// [Context] owns the miniaudio context. [Capture] is an [audio.Source] that
// frames the device callback into [audio.FrameSamples]-sized frames.
// [Speaker] pulls from a [Renderer] (normally a [playback.Timeline]) on every
// device period, which makes the device clock the playback clock.
package malgo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/memoirvoice/pkg/audio"
)

var _ audio.Source = (*Capture)(nil)

// Context wraps an initialised miniaudio context.
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises miniaudio with realtime thread priority.
func NewContext() (*Context, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, func(msg string) {
		slog.Debug("malgo", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, deviceErr("init context", err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the context. Devices created from it must be closed first.
func (c *Context) Close() error {
	err := c.ctx.Uninit()
	c.ctx.Free()
	return err
}

// deviceErr classifies a miniaudio error as either a permission problem or a
// generic unavailable device.
func deviceErr(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("malgo: %s: %w: %w", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("malgo: %s: %w: %w", op, audio.ErrDeviceUnavailable, err)
}

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithBuffer sets the frame channel capacity. Default: 32 frames (~8 s).
func WithBuffer(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithDropHandler registers fn to be called whenever a frame is dropped
// because the consumer fell behind.
func WithDropHandler(fn func()) CaptureOption {
	return func(c *Capture) { c.onDrop = fn }
}

// Capture records mono PCM16 at [audio.CaptureSampleRate] from the default
// input device.
type Capture struct {
	mctx   *Context
	buffer int
	onDrop func()

	dropped atomic.Uint64

	mu     sync.Mutex
	device *malgo.Device
	out    chan audio.AudioFrame
	cancel context.CancelFunc
}

// NewCapture returns an idle Capture bound to ctx.
func NewCapture(ctx *Context, opts ...CaptureOption) *Capture {
	c := &Capture{mctx: ctx, buffer: 32}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dropped returns the number of frames dropped since creation.
func (c *Capture) Dropped() uint64 { return c.dropped.Load() }

// Start implements [audio.Source].
func (c *Capture) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		return nil, audio.ErrSourceActive
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = audio.CaptureSampleRate
	cfg.PeriodSizeInMilliseconds = 20

	out := make(chan audio.AudioFrame, c.buffer)
	framer := audio.NewFramer(audio.CaptureSampleRate, audio.FrameSamples)
	emit := func(f audio.AudioFrame) {
		select {
		case out <- f:
		default:
			n := c.dropped.Add(1)
			if n == 1 || n%50 == 0 {
				slog.Warn("malgo: capture consumer lagging, dropping frame", "dropped", n)
			}
			if c.onDrop != nil {
				c.onDrop()
			}
		}
	}

	dev, err := malgo.InitDevice(c.mctx.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			framer.Write(input, emit)
		},
	})
	if err != nil {
		return nil, deviceErr("init capture", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, deviceErr("start capture", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.device, c.out, c.cancel = dev, out, cancel
	go func() {
		<-runCtx.Done()
		c.release(dev)
	}()
	return out, nil
}

// Stop implements [audio.Source]. Idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	cancel, dev := c.cancel, c.device
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.release(dev)
	return nil
}

func (c *Capture) release(dev *malgo.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dev == nil || c.device != dev {
		return
	}
	// Uninit waits for the callback thread, so no send races the close below.
	_ = c.device.Stop()
	c.device.Uninit()
	close(c.out)
	c.device, c.out, c.cancel = nil, nil, nil
}

// Renderer produces the next block of output samples.
type Renderer interface {
	Render(dst []float32)
}

// Speaker plays mono PCM16 rendered on demand by a [Renderer].
type Speaker struct {
	device *malgo.Device
	once   sync.Once
}

// NewSpeaker opens the default output device at sampleRate and starts
// pulling from r.
func NewSpeaker(ctx *Context, sampleRate int, r Renderer) (*Speaker, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	var scratch []float32
	dev, err := malgo.InitDevice(ctx.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frames uint32) {
			n := int(frames)
			if cap(scratch) < n {
				scratch = make([]float32, n)
			}
			buf := scratch[:n]
			r.Render(buf)
			audio.PutFloat32AsPCM16(output, buf)
		},
	})
	if err != nil {
		return nil, deviceErr("init playback", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, deviceErr("start playback", err)
	}
	return &Speaker{device: dev}, nil
}

// Close stops the device. Idempotent.
func (s *Speaker) Close() error {
	s.once.Do(func() {
		_ = s.device.Stop()
		s.device.Uninit()
	})
	return nil
}
