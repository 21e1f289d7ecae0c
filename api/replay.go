package api

import (
	"net/http"

	"github.com/xraph/chainhook/id"
)

func (h *Handler) replayDelivery(w http.ResponseWriter, r *http.Request) {
	logID, err := id.ParseDeliveryLogID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery log ID")
		return
	}

	log, err := h.replayer.Replay(r.Context(), logID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, log)
}
