package handler

import (
	"log/slog"
	"net/http"

	"github.com/fjellstad/voxd/internal/model"
	"github.com/fjellstad/voxd/internal/queue"
	"github.com/fjellstad/voxd/internal/store"
)

// RecordingsHandler exposes queue state and recording management to the UI
// layer.
type RecordingsHandler struct {
	store  *store.RecordingStore
	queue  *queue.Manager
	logger *slog.Logger
}

func NewRecordingsHandler(st *store.RecordingStore, q *queue.Manager, logger *slog.Logger) *RecordingsHandler {
	return &RecordingsHandler{store: st, queue: q, logger: logger}
}

// ListPending returns every resident recording. A row existing at all means
// the audio has not yet been confirmed delivered.
func (h *RecordingsHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.GetAll(r.Context())
	if err != nil {
		h.logger.Error("list recordings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}
	if recs == nil {
		recs = []model.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// QueueStatus returns queue counters.
func (h *RecordingsHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Status(r.Context())
	if err != nil {
		h.logger.Error("queue status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read queue status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RetryFailed re-enqueues failed recordings still within the retry budget.
func (h *RecordingsHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.RetryFailed(r.Context())
	if err != nil {
		h.logger.Error("retry failed recordings", "error", err)
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// PurgeUnrecoverable deletes recordings beyond automatic repair.
func (h *RecordingsHandler) PurgeUnrecoverable(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.PurgeUnrecoverable(r.Context())
	if err != nil {
		h.logger.Error("purge unrecoverable failed", "error", err)
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

// StorageHealth reports local storage pressure.
func (h *RecordingsHandler) StorageHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.store.CheckStorageHealth(r.Context())
	if err != nil {
		h.logger.Error("storage health check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "health check failed")
		return
	}
	writeJSON(w, http.StatusOK, health)
}
