// Package remote implements [stt.Recognizer] against the memoir backend's
// recognition endpoint.
//
// Each segment is wrapped in a 16-bit mono WAV container and uploaded as the
// multipart field "file" (filename "audio.wav") to POST {base}/asr/recognize.
// The response body is {"text": "..."}.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/memoirvoice/pkg/audio"
	"github.com/MrWong99/memoirvoice/pkg/provider/stt"
)

const (
	recognizePath  = "/asr/recognize"
	defaultTimeout = 30 * time.Second
)

var _ stt.Recognizer = (*Recognizer)(nil)

// HTTPError is returned for non-2xx responses. Detail carries the server's
// "detail" message when the body had one.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("stt remote: HTTP %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("stt remote: HTTP %d", e.Status)
}

// Option configures a [Recognizer].
type Option func(*Recognizer)

// WithHTTPClient replaces the default client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Recognizer) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) Option {
	return func(r *Recognizer) { r.token = token }
}

// WithRequestDecorator registers fn to be applied to every outgoing request,
// e.g. to add tracing headers.
func WithRequestDecorator(fn func(*http.Request)) Option {
	return func(r *Recognizer) { r.decorate = fn }
}

// Recognizer uploads segments to a remote recognition service.
type Recognizer struct {
	baseURL    string
	token      string
	httpClient *http.Client
	decorate   func(*http.Request)
}

// New returns a Recognizer posting to baseURL + "/asr/recognize". baseURL must
// be non-empty.
func New(baseURL string, opts ...Option) (*Recognizer, error) {
	if baseURL == "" {
		return nil, errors.New("stt remote: baseURL must not be empty")
	}
	r := &Recognizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Recognize implements [stt.Recognizer].
func (r *Recognizer) Recognize(ctx context.Context, seg stt.Segment) (string, error) {
	rate := seg.SampleRate
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	wav := audio.EncodeWAV(seg.PCM, rate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("stt remote: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("stt remote: write wav data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("stt remote: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+recognizePath, &body)
	if err != nil {
		return "", fmt.Errorf("stt remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if r.decorate != nil {
		r.decorate(req)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt remote: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("stt remote: read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &e)
		return "", &HTTPError{Status: resp.StatusCode, Detail: e.Detail}
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("stt remote: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
