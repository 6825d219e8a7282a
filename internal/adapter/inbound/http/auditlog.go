package http

import (
	"net/http"

	"github.com/actiongate/actiongate/internal/domain/action"
	"github.com/actiongate/actiongate/internal/domain/audit"
)

// auditView flattens one audit row for the read endpoints: the envelope is
// lifted out of the payload under "audit" so consumers need not know the
// storage key.
func auditView(rec action.Record) map[string]any {
	payload := make(map[string]any, len(rec.Payload))
	var env any
	for k, v := range rec.Payload {
		if k == audit.EnvelopeKey {
			env = v
			continue
		}
		payload[k] = v
	}
	view := map[string]any{
		"action_id":   rec.ActionID,
		"case_id":     rec.CaseID,
		"channel":     rec.Channel,
		"action_type": rec.ActionType,
		"payload":     payload,
		"result":      rec.Result,
		"created_at":  rec.CreatedAt,
	}
	if env != nil {
		view["audit"] = env
	}
	return view
}

func auditViews(rows []action.Record) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, rec := range rows {
		out = append(out, auditView(rec))
	}
	return out
}

func (h *Handler) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50, 200)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.svc.Store.ListRecentActions(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": auditViews(rows), "count": len(rows)})
}

func (h *Handler) handleAuditByCase(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")
	limit, err := parseLimit(r, 200, 500)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.svc.Store.ListActionsByCase(r.Context(), caseID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "actions": auditViews(rows), "count": len(rows)})
}
