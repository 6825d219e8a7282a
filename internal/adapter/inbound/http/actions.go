package http

import (
	"net/http"

	"github.com/actiongate/actiongate/internal/domain/action"
	"github.com/actiongate/actiongate/internal/domain/audit"
	"github.com/actiongate/actiongate/internal/domain/rbac"
	"github.com/actiongate/actiongate/internal/service"
)

type executeActionRequest struct {
	CaseID     string         `json:"case_id"`
	Channel    string         `json:"channel"`
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload"`
	DryRun     bool           `json:"dry_run"`
}

// handleExecuteAction is the public admission endpoint: RBAC, global
// idempotency, envelope, then the execution pipeline.
func (h *Handler) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req executeActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CaseID == "" || req.ActionType == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error",
			"case_id and action_type are required", nil)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	dryRun := req.DryRun || parseBool(r, "dry_run", false)

	snap, ok := h.policySnapshot(w, r)
	if !ok {
		return
	}
	doc := snap.Doc

	act := h.actorFor(r, doc, channelFor(r, req.Channel))
	channel := act.Channel

	caseRow, err := h.svc.Store.GetCase(r.Context(), req.CaseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	risk := float64(caseRow.RiskScore)

	cacheKey := rbac.CacheKey(snap.Revision, rbac.VerbExecute, channel, act.Role, req.ActionType, req.Payload, &risk)
	dec, hit := h.decisions.Get(cacheKey)
	if !hit {
		dec = rbac.CanExecute(doc, channel, req.ActionType, req.Payload, act.Role, &risk)
		h.decisions.Put(cacheKey, dec)
	}
	if !dec.Allowed {
		h.fail(w, r, &service.ForbiddenError{Reason: dec.Reason})
		return
	}

	requestID := RequestIDFromContext(r.Context())
	env := audit.Build(doc, act, r, "", "", "", requestID)

	idemKey := ""
	reqHash := ""
	if !dryRun && doc.Idempotency.IsEnabled() {
		idemKey = r.Header.Get(doc.Idempotency.Header())
	}
	if idemKey != "" {
		reqHash, err = service.RequestHash(map[string]any{
			"case_id":     req.CaseID,
			"channel":     channel,
			"action_type": req.ActionType,
			"payload":     req.Payload,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}

		replayed, stored, conflict, err := h.svc.Idempotency.CheckOrReplay(r.Context(), idemKey, reqHash)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if conflict != "" {
			h.svc.Audit.Append(r.Context(), &action.Record{
				CaseID:     req.CaseID,
				Channel:    "system",
				ActionType: audit.ActionIdempotencyConflict,
				Payload: audit.WithEnvelope(map[string]any{
					"endpoint":              "/actions/execute",
					"idempotency_key":       idemKey,
					"received_request_hash": reqHash,
				}, env),
				Result: "blocked: " + conflict,
			})
			h.fail(w, r, &service.ConflictError{Reason: conflict})
			return
		}
		if replayed {
			h.metrics.IdempotencyReplays.Inc()
			writeJSON(w, http.StatusOK, stored)
			return
		}
	}

	res, err := h.svc.Executor.Execute(r.Context(), service.ExecuteInput{
		CaseID:     req.CaseID,
		Channel:    channel,
		ActionType: req.ActionType,
		Payload:    audit.WithEnvelope(req.Payload, env),
		DryRun:     dryRun,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	body := toMap(res)
	if idemKey != "" {
		h.svc.Idempotency.Store(r.Context(), idemKey, reqHash, body)
	}
	writeJSON(w, http.StatusOK, body)
}
