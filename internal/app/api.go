package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/memoirvoice/internal/dialog"
	"github.com/MrWong99/memoirvoice/internal/health"
	"github.com/MrWong99/memoirvoice/internal/observe"
	"github.com/MrWong99/memoirvoice/internal/session"
	"github.com/MrWong99/memoirvoice/pkg/provider/realtime"
)

// sessionView is the body of GET /v1/session.
type sessionView struct {
	Info     SessionInfo      `json:"info"`
	Snapshot session.Snapshot `json:"snapshot"`
}

type voiceView struct {
	Voice       realtime.Voice `json:"voice"`
	Name        string         `json:"name"`
	PreviewName string         `json:"preview_name"`
}

type bargeInRequest struct {
	Policy dialog.BargeIn `json:"policy"`
}

type errorBody struct {
	Error string `json:"error"`
}

// routes builds the control API. Every route runs behind the observability
// middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/session", a.handleGetSession)
	mux.HandleFunc("POST /v1/session/end", a.handleEndSession)
	mux.HandleFunc("PUT /v1/session/barge-in", a.handleBargeIn)
	mux.HandleFunc("GET /v1/session/events", a.handleEvents)
	mux.HandleFunc("GET /v1/voices", handleVoices)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	health.New(a.checkers()...).Register(mux)

	return observe.Middleware(a.metrics, a.log)(mux)
}

func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if a.providers.Backend != nil {
		cs = append(cs, health.PingChecker("backend", a.providers.Backend))
	}
	for _, cb := range a.providers.Breakers {
		cs = append(cs, health.BreakerChecker(cb))
	}
	cs = append(cs, health.Checker{
		Name: "session",
		Check: func(context.Context) error {
			if _, _, ok := a.sessions.Snapshot(); !ok {
				return ErrNoSession
			}
			if err := a.sessions.Err(); err != nil {
				return err
			}
			return nil
		},
	})
	return cs
}

func (a *App) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	snap, info, ok := a.sessions.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Info: info, Snapshot: snap})
}

func (a *App) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var opts session.EndOptions
	if v := r.URL.Query().Get("immediate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("immediate must be a boolean"))
			return
		}
		opts.Immediate = b
	}

	err := a.sessions.End(r.Context(), opts)
	switch {
	case errors.Is(err, ErrNoSession), errors.Is(err, session.ErrNotStarted):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, session.ErrEnded):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		// The session has ended; the error comes from its end sequence.
		observe.Logger(r.Context()).Warn("session ended with error", "err", err)
	}
	snap, info, _ := a.sessions.Snapshot()
	writeJSON(w, http.StatusOK, sessionView{Info: info, Snapshot: snap})
}

func (a *App) handleBargeIn(w http.ResponseWriter, r *http.Request) {
	var req bargeInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !req.Policy.IsValid() {
		writeError(w, http.StatusBadRequest, errors.New("policy must be listening_only or always"))
		return
	}
	if err := a.sessions.SetBargeIn(r.Context(), req.Policy); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleEvents streams session snapshots over a WebSocket. The current
// snapshot is sent first; the stream ends when the session ends.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch, cancel := a.sessions.Subscribe()
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("event stream accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())

	if snap, _, ok := a.sessions.Snapshot(); ok {
		if err := wsjson.Write(ctx, conn, snap); err != nil {
			return
		}
	}

	done := a.sessions.Done()
	for {
		select {
		case snap := <-ch:
			if err := wsjson.Write(ctx, conn, snap); err != nil {
				return
			}
			if snap.State == dialog.Ended {
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
		case <-done:
			// Deliver snapshots published before the end.
			for {
				select {
				case snap := <-ch:
					if err := wsjson.Write(ctx, conn, snap); err != nil {
						return
					}
				default:
					conn.Close(websocket.StatusNormalClosure, "session ended")
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func handleVoices(w http.ResponseWriter, _ *http.Request) {
	rs := realtime.Voices()
	out := make([]voiceView, 0, len(rs))
	for _, r := range rs {
		out = append(out, voiceView{Voice: r.Voice, Name: r.Name, PreviewName: r.PreviewName})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
