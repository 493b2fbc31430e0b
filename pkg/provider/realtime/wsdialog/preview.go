package wsdialog

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
)

// PreviewURL returns the preview endpoint URL for speaker and text.
func (p *Provider) PreviewURL(speaker, text string) string {
	q := url.Values{}
	q.Set("speaker", speaker)
	q.Set("text", text)
	return p.baseURL + previewPath + "?" + q.Encode()
}

// Preview synthesizes text with the given speaker voice. Audio chunks arrive
// on the returned channel, which is closed after the service sends "done",
// the connection ends, or ctx is cancelled.
func (p *Provider) Preview(ctx context.Context, speaker, text string) (<-chan []byte, error) {
	if speaker == "" {
		return nil, fmt.Errorf("wsdialog: preview: speaker is required")
	}
	conn, err := p.dial(ctx, p.PreviewURL(speaker, text))
	if err != nil {
		return nil, fmt.Errorf("wsdialog: preview dial: %w", err)
	}

	ch := make(chan []byte, messageBuffer)
	go func() {
		defer close(ch)
		defer conn.Close(websocket.StatusNormalClosure, "preview done")

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					p.log.Debug("wsdialog: preview ended", "err", err)
				}
				return
			}
			w, err := decodeWire(data)
			if err != nil {
				p.log.Debug("wsdialog: preview: dropping message", "err", err)
				continue
			}
			switch w.Type {
			case "audio":
				pcm, err := decodeAudio(w.Data)
				if err != nil {
					if p.onDecodeError != nil {
						p.onDecodeError(err)
					}
					continue
				}
				select {
				case ch <- pcm:
				case <-ctx.Done():
					return
				}
			case "done":
				return
			}
		}
	}()
	return ch, nil
}
