package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fjellstad/voxd/internal/capture"
	"github.com/fjellstad/voxd/internal/store"
)

// CaptureHandler exposes the capture session lifecycle to the UI layer.
type CaptureHandler struct {
	session *capture.Session
	logger  *slog.Logger
}

func NewCaptureHandler(session *capture.Session, logger *slog.Logger) *CaptureHandler {
	return &CaptureHandler{session: session, logger: logger}
}

type startRequest struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
}

func (h *CaptureHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	id, err := h.session.Start(r.Context(), req.ProjectID, req.Title)
	if err != nil {
		if errors.Is(err, capture.ErrSessionActive) {
			writeError(w, http.StatusConflict, "a capture session is already active")
			return
		}
		h.logger.Error("start capture failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"recording_id": id})
}

func (h *CaptureHandler) Stop(w http.ResponseWriter, r *http.Request) {
	result, err := h.session.Stop(r.Context())
	if err != nil {
		if errors.Is(err, capture.ErrNoSession) {
			writeError(w, http.StatusConflict, "no active capture session")
			return
		}
		if errors.Is(err, store.ErrNoAudio) {
			// The session ended but produced nothing usable.
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":        "no audio data captured",
				"recording_id": result.RecordingID,
			})
			return
		}
		h.logger.Error("stop capture failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *CaptureHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Pause(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *CaptureHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Resume(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording"})
}

type visibilityRequest struct {
	Hidden bool `json:"hidden"`
}

// Visibility receives app backgrounding/foregrounding signals from the
// platform layer.
func (h *CaptureHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	h.session.OnVisibilityChange(r.Context(), req.Hidden)
	writeJSON(w, http.StatusOK, map[string]bool{"hidden": req.Hidden})
}

type connectivityRequest struct {
	Online bool `json:"online"`
}

// Connectivity receives network state changes from the platform layer.
func (h *CaptureHandler) Connectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	h.session.OnConnectivityChange(r.Context(), req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online})
}
