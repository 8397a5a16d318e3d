package syncer

import (
	"encoding/json"
	"net/http"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/internal"
)

// Handler is the net/http face of the sync manager.
type Handler struct {
	Manager *Manager
	// Pool bounds how many entities a single batch call reconciles
	// concurrently.
	Pool *internal.WorkerPool
}

// Sync serves POST /sync: one entity per call.
func (h *Handler) Sync(w http.ResponseWriter, req *http.Request) {
	identity := internal.IdentityFromContext(req.Context())
	var body Request
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		internal.WriteError(w, req, internal.NewHandlerError(internal.ErrValidation, err))
		return
	}
	resp, err := h.Manager.ProcessSync(req.Context(), identity, &body)
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	writeJSON(w, resp)
}

// SyncBatch serves POST /sync/batch: many entities, independent outcomes.
func (h *Handler) SyncBatch(w http.ResponseWriter, req *http.Request) {
	identity := internal.IdentityFromContext(req.Context())
	var body BatchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		internal.WriteError(w, req, internal.NewHandlerError(internal.ErrValidation, err))
		return
	}
	resp, err := h.Manager.ProcessBatch(req.Context(), identity, &body, h.Pool)
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Err(err).Msg("failed to encode sync response")
	}
}
