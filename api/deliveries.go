package api

import (
	"net/http"

	"github.com/xraph/chainhook/ledger"
)

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathSubscriptionID(w, r)
	if !ok {
		return
	}

	// Deleted or unknown subscriptions have no visible history.
	if _, err := h.subs.Get(r.Context(), subID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	opts := ledger.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  pageLimit(r),
	}

	logs, err := h.ledger.Get(r.Context(), subID, opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*ledger.DeliveryLog{}
	}

	writeJSON(w, http.StatusOK, logs)
}
