package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/memoirvoice/internal/app"
	"github.com/MrWong99/memoirvoice/internal/config"
	"github.com/MrWong99/memoirvoice/internal/session"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
	rtmock "github.com/MrWong99/memoirvoice/pkg/provider/realtime/mock"
)

// sessionBody mirrors the JSON of GET /v1/session.
type sessionBody struct {
	Info struct {
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
	} `json:"info"`
	Snapshot struct {
		ID             string `json:"id"`
		State          string `json:"state"`
		BargeIn        string `json:"barge_in"`
		ConversationID string `json:"conversation_id"`
	} `json:"snapshot"`
}

func newAPIServer(t *testing.T) (*app.App, *rtmock.Provider, *httptest.Server) {
	t.Helper()
	providers, p := streamingProviders()
	a, err := app.New(t.Context(), testConfig(config.ModeStreaming), providers)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return a, p, srv
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

// ── Session routes ──────────────────────────────────────────────────────────

func TestAPI_GetSession(t *testing.T) {
	t.Parallel()

	a, _, srv := newAPIServer(t)

	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/v1/session", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status before start = %d, want 404", resp.StatusCode)
	}

	if err := a.Sessions().Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/session", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", resp.StatusCode, body)
	}
	var got sessionBody
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Info.Mode != "streaming" {
		t.Errorf("mode = %q, want streaming", got.Info.Mode)
	}
	if got.Snapshot.ID != got.Info.SessionID {
		t.Errorf("snapshot id %q != session id %q", got.Snapshot.ID, got.Info.SessionID)
	}
	if got.Snapshot.State != "awaiting_connection" {
		t.Errorf("state = %q, want awaiting_connection", got.Snapshot.State)
	}
	if got.Snapshot.ConversationID != "conv-1" {
		t.Errorf("conversation_id = %q, want conv-1", got.Snapshot.ConversationID)
	}
}

func TestAPI_EndSession(t *testing.T) {
	t.Parallel()

	a, p, srv := newAPIServer(t)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/v1/session/end", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status before start = %d, want 404", resp.StatusCode)
	}

	if err := a.Sessions().Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/v1/session/end?immediate=maybe", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad immediate status = %d, want 400", resp.StatusCode)
	}

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/v1/session/end?immediate=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", resp.StatusCode, body)
	}
	var got sessionBody
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Snapshot.State != "ended" {
		t.Errorf("state = %q, want ended", got.Snapshot.State)
	}
	if p.Session.StopCallCount != 1 {
		t.Errorf("stop sent %d times, want 1", p.Session.StopCallCount)
	}

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/v1/session/end", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second end status = %d, want 409", resp.StatusCode)
	}
}

func TestAPI_BargeIn(t *testing.T) {
	t.Parallel()

	a, _, srv := newAPIServer(t)
	if err := a.Sessions().Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"unknown policy", `{"policy":"sometimes"}`, http.StatusBadRequest},
		{"always", `{"policy":"always"}`, http.StatusOK},
	}
	for _, tt := range tests {
		resp, body := doRequest(t, http.MethodPut, srv.URL+"/v1/session/barge-in", tt.body)
		if resp.StatusCode != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d; body %s", tt.name, resp.StatusCode, tt.wantStatus, body)
		}
	}

	snap, _, _ := a.Sessions().Snapshot()
	if snap.BargeIn != "always" {
		t.Errorf("BargeIn = %q, want always", snap.BargeIn)
	}
}

// ── Events ──────────────────────────────────────────────────────────────────

func TestAPI_EventsStream(t *testing.T) {
	t.Parallel()

	a, p, srv := newAPIServer(t)
	if err := a.Sessions().Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.CloseNow()

	var first map[string]any
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read first snapshot: %v", err)
	}
	if first["state"] != "awaiting_connection" {
		t.Errorf("first state = %v, want awaiting_connection", first["state"])
	}

	p.Session.Emit(realtime.StatusMessage(realtime.StatusConnected, ""))
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = a.Sessions().End(context.Background(), session.EndOptions{Immediate: true})
	}()

	var states []any
	for {
		var snap map[string]any
		if err := wsjson.Read(ctx, conn, &snap); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("read: %v (states %v)", err, states)
			}
			break
		}
		states = append(states, snap["state"])
	}
	if len(states) == 0 || states[len(states)-1] != "ended" {
		t.Errorf("states = %v, want last state ended", states)
	}
}

// ── Misc routes ─────────────────────────────────────────────────────────────

func TestAPI_Voices(t *testing.T) {
	t.Parallel()

	_, _, srv := newAPIServer(t)
	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/voices", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var voices []struct {
		Voice string `json:"voice"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &voices); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(voices) != 2 || voices[0].Voice != "female" || voices[1].Voice != "male" {
		t.Errorf("voices = %+v, want female then male", voices)
	}
}

func TestAPI_Health(t *testing.T) {
	t.Parallel()

	a, _, srv := newAPIServer(t)

	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/readyz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz without session = %d, want 503", resp.StatusCode)
	}

	if err := a.Sessions().Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	resp, body := doRequest(t, http.MethodGet, srv.URL+"/readyz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz with session = %d, want 200; body %s", resp.StatusCode, body)
	}
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()

	_, _, srv := newAPIServer(t)
	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
}
