package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coverage-agent/internal/codec"
	"github.com/coral-mesh/coverage-agent/internal/coverage"
	"github.com/coral-mesh/coverage-agent/internal/metrics"
	"github.com/coral-mesh/coverage-agent/internal/sender"
	"github.com/coral-mesh/coverage-agent/pkg/version"
)

// SessionResponse acknowledges a lifecycle call.
type SessionResponse struct {
	SessionID string `json:"sessionId"`
	TestID    string `json:"testId"`
	State     string `json:"state"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Sender  *sender.Status `json:"sender,omitempty"`
}

type handlers struct {
	recorder Recorder
	status   func() sender.Status
	meta     codec.Meta
	logger   zerolog.Logger
}

func (h *handlers) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions/{session}/tests/{test}/start", h.start)
	mux.HandleFunc("POST /v1/sessions/{session}/tests/{test}/stop", h.stop)
	mux.HandleFunc("POST /v1/sessions/{session}/tests/{test}/cancel", h.cancel)
	mux.HandleFunc("GET /v1/sessions", h.sessions)
	mux.HandleFunc("GET /v1/coverage/unreleased", h.unreleased)
}

func keyFromPath(r *http.Request) coverage.ContextKey {
	return coverage.NewKey(r.PathValue("session"), r.PathValue("test"))
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	key := keyFromPath(r)
	if key.IsAmbient() {
		http.Error(w, "the ambient context cannot be started", http.StatusBadRequest)
		return
	}
	h.recorder.StartRecording(key)
	h.writeJSON(w, http.StatusOK, SessionResponse{SessionID: key.SessionID, TestID: key.TestID, State: "recording"})
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	key := keyFromPath(r)
	if key.IsAmbient() {
		http.Error(w, "the ambient context cannot be stopped", http.StatusBadRequest)
		return
	}
	records := h.recorder.StopRecording(key)
	h.writeJSON(w, http.StatusOK, codec.NewPayload(h.meta, records))
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	key := keyFromPath(r)
	if !h.recorder.Cancel(key) {
		http.Error(w, "no such test context", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, SessionResponse{SessionID: key.SessionID, TestID: key.TestID, State: "cancelled"})
}

func (h *handlers) sessions(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.recorder.ActiveSessions())
}

func (h *handlers) unreleased(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, codec.NewPayload(h.meta, h.recorder.Unreleased()))
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Version: version.Version}
	if h.status != nil {
		st := h.status()
		resp.Sender = &st
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) metrics() http.Handler {
	return metrics.Handler()
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to write response")
	}
}
