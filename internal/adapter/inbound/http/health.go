package http

import "net/http"

// handleHealthz is the liveness probe: the process is up.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleHealth is the readiness probe: the backing store answers a ping.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Store.Ping(r.Context()); err != nil {
		LoggerFromContext(r.Context()).Warn("health ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "db": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "db": "up"})
}

// handleReadyz is the strict readiness probe: schema and extensions are in
// place. Without a configured prober it degrades to the store ping.
func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil {
		if err := h.svc.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, &ReadyReport{Ready: false})
			return
		}
		writeJSON(w, http.StatusOK, &ReadyReport{Ready: true})
		return
	}

	rep, err := h.ready(r.Context())
	if err != nil {
		LoggerFromContext(r.Context()).Warn("readiness probe failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, &ReadyReport{Ready: false})
		return
	}
	status := http.StatusOK
	if !rep.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}
