package http

import "net/http"

type cleanupRequest struct {
	TTLHours *int `json:"ttl_hours"`
}

func (h *Handler) handleMaintenanceCleanup(w http.ResponseWriter, r *http.Request) {
	if !h.devMode {
		writeError(w, r, http.StatusForbidden, "dev_mode_required",
			"maintenance routes are only available in dev mode", nil)
		return
	}
	var req cleanupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Cleanup.RunOnce(r.Context(), req.TTLHours)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.policySnapshot(w, r)
	if !ok {
		return
	}
	doc := snap.Doc
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"idempotency_policy": map[string]any{
			"enabled":                   doc.Idempotency.IsEnabled(),
			"header":                    doc.Idempotency.Header(),
			"materialization_ttl_hours": doc.IdempotencyTTL.TTL(),
		},
	})
}
