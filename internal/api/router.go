package api

import (
	"encoding/json"
	"fmt"
	"hlswall/internal/logger"
	"hlswall/internal/resource"
	"hlswall/internal/session"
	"image"
	"image/png"
	"net/http"
)

// Sessions publishes the manager's session snapshot.
type Sessions interface {
	Snapshot() []session.Info
}

// Frames returns the last frame shown by a session.
type Frames interface {
	Snapshot(id string) (*image.RGBA, bool)
}

type API struct {
	sessions Sessions
	frames   Frames
	pool     func() resource.Stats
	logger   logger.Logger
}

// New builds the status API. metrics may be nil to leave /metrics out.
func New(sessions Sessions, frames Frames, pool func() resource.Stats, metrics http.Handler, log logger.Logger) http.Handler {
	api := &API{
		sessions: sessions,
		frames:   frames,
		pool:     pool,
		logger:   log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", api.handleHealth)
	mux.HandleFunc("GET /sessions", api.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/frame.png", api.handleFrame)
	mux.HandleFunc("GET /pool", api.handlePool)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return mux
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warnf("Failed to write response: %v", err)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, map[string]string{"status": "ok"})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, a.sessions.Snapshot())
}

func (a *API) handlePool(w http.ResponseWriter, r *http.Request) {
	if a.pool == nil {
		http.Error(w, "Pool statistics unavailable", http.StatusNotFound)
		return
	}
	a.writeJSON(w, a.pool())
}

func (a *API) handleFrame(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	img, found := a.frames.Snapshot(id)
	if !found {
		http.Error(w, fmt.Sprintf("No frame for session %s", id), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		a.logger.Warnf("Failed to encode frame of session %s: %v", id, err)
	}
}
