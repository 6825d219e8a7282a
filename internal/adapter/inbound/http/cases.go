package http

import (
	"net/http"

	"github.com/actiongate/actiongate/internal/domain/action"
)

func (h *Handler) handleListCases(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50, 500)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cases, err := h.svc.Store.ListCases(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if cases == nil {
		cases = []action.Case{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases, "count": len(cases)})
}

func (h *Handler) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Store.GetCase(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// caseExists loads the case for sub-resource listings so a bad id is a 404
// rather than an empty list.
func (h *Handler) caseExists(w http.ResponseWriter, r *http.Request, caseID string) bool {
	if _, err := h.svc.Store.GetCase(r.Context(), caseID); err != nil {
		h.fail(w, r, err)
		return false
	}
	return true
}

func (h *Handler) handleCaseRecommendations(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")
	limit, err := parseLimit(r, 50, 500)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.caseExists(w, r, caseID) {
		return
	}
	recs, err := h.svc.Store.ListRecommendationsByCase(r.Context(), caseID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []action.Recommendation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "recommendations": recs})
}

func (h *Handler) handleCaseActions(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")
	limit, err := parseLimit(r, 200, 500)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.caseExists(w, r, caseID) {
		return
	}
	rows, err := h.svc.Store.ListActionsByCase(r.Context(), caseID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []action.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "actions": rows})
}

func (h *Handler) handleCasePendingActions(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")
	limit, err := parseLimit(r, 100, 500)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.caseExists(w, r, caseID) {
		return
	}
	rows, err := h.svc.Pending.List(r.Context(), action.PendingFilter{
		CaseID: caseID,
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []action.PendingAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "pending_actions": rows})
}
