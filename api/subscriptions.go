package api

import (
	"net/http"

	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/subscription"
)

func pathSubscriptionID(w http.ResponseWriter, r *http.Request) (id.ID, bool) {
	subID, err := id.ParseSubscriptionID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return id.Nil, false
	}
	return subID, true
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	opts := subscription.ListOpts{
		CreatedBy: queryParam(r, "created_by"),
		Offset:    queryInt(r, "offset", 0),
		Limit:     pageLimit(r),
	}

	subs, err := h.subs.List(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if subs == nil {
		subs = []*subscription.Subscription{}
	}

	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathSubscriptionID(w, r)
	if !ok {
		return
	}

	sub, err := h.subs.Get(r.Context(), subID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) activateSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) deactivateSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	subID, ok := pathSubscriptionID(w, r)
	if !ok {
		return
	}

	if err := h.subs.SetActive(r.Context(), subID, active); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rotateSecret(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathSubscriptionID(w, r)
	if !ok {
		return
	}

	secret, err := h.subs.RotateSecret(r.Context(), subID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	subID, ok := pathSubscriptionID(w, r)
	if !ok {
		return
	}

	caller := r.Header.Get(CallerHeader)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, CallerHeader+" header is required")
		return
	}

	if err := h.subs.Delete(r.Context(), subID, caller); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
