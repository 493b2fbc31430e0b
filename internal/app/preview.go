package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/memoirvoice/pkg/audio/playback"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

// DefaultPreviewDrain bounds the wait for preview audio to finish playing.
const DefaultPreviewDrain = 30 * time.Second

// Preview plays the greeting of the persona for voice on out. It returns once
// the synthesized audio has been played, drain has elapsed, or ctx is done.
// An empty text speaks the persona's own greeting.
func Preview(ctx context.Context, p realtime.Previewer, out playback.Output, voice realtime.Voice, text string, drain time.Duration) error {
	if p == nil {
		return errors.New("app: preview: no previewer configured")
	}
	rec, err := realtime.LookupRecorder(voice)
	if err != nil {
		return err
	}
	if text == "" {
		text = rec.Greeting
	}
	if drain <= 0 {
		drain = DefaultPreviewDrain
	}

	// Preview chunks arrive back to back, a fade would click between them.
	player := playback.New(out, playback.WithFade(false))
	defer player.Close()

	chunks, err := p.Preview(ctx, rec.Speaker, text)
	if err != nil {
		return fmt.Errorf("app: preview: %w", err)
	}

	var n int
	for pcm := range chunks {
		if _, err := player.Enqueue(pcm); err != nil {
			if errors.Is(err, playback.ErrDecode) {
				slog.Debug("preview chunk skipped", "err", err)
				continue
			}
			return fmt.Errorf("app: preview: %w", err)
		}
		n++
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Info("preview received", "voice", rec.Voice, "chunks", n)

	dctx, cancel := context.WithTimeout(ctx, drain)
	defer cancel()
	if err := player.Drain(dctx); err != nil {
		return fmt.Errorf("app: preview drain: %w", err)
	}
	return nil
}
