package http

import (
	"net/http"

	"github.com/actiongate/actiongate/internal/domain/action"
	"github.com/actiongate/actiongate/internal/domain/audit"
	"github.com/actiongate/actiongate/internal/service"
)

func (h *Handler) handleListPendingActions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100, 500)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	rows, err := h.svc.Pending.List(r.Context(), action.PendingFilter{
		CaseID: q.Get("case_id"),
		CardID: q.Get("card_id"),
		Status: q.Get("status"),
		Limit:  limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []action.PendingAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending_actions": rows, "count": len(rows)})
}

func (h *Handler) handleGetPendingAction(w http.ResponseWriter, r *http.Request) {
	pa, err := h.svc.Pending.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

type materializeRequest struct {
	CardID     string `json:"card_id"`
	Objective  string `json:"objective"`
	Channel    string `json:"channel"`
	DryRun     bool   `json:"dry_run"`
	Execute    bool   `json:"execute"`
	MaxExecute int    `json:"max_execute"`
}

func (h *Handler) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	var req materializeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CardID == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error",
			"card_id is required", nil)
		return
	}

	snap, ok := h.policySnapshot(w, r)
	if !ok {
		return
	}
	doc := snap.Doc
	act := h.actorFor(r, doc, channelFor(r, req.Channel))
	env := audit.Build(doc, act, r, "", "", "", RequestIDFromContext(r.Context()))

	res, err := h.svc.Materializer.Materialize(r.Context(), service.MaterializeInput{
		CardID:         req.CardID,
		Objective:      req.Objective,
		DryRun:         req.DryRun,
		Execute:        req.Execute,
		MaxExecute:     req.MaxExecute,
		Channel:        act.Channel,
		Actor:          act,
		Envelope:       env,
		IdempotencyKey: r.Header.Get(doc.Idempotency.Header()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.IdempotentReplay && h.metrics != nil {
		h.metrics.IdempotencyReplays.Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

type decideRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
	Channel  string `json:"channel"`
}

func (h *Handler) handleDecidePendingAction(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	snap, ok := h.policySnapshot(w, r)
	if !ok {
		return
	}
	doc := snap.Doc
	act := h.actorFor(r, doc, channelFor(r, req.Channel))
	env := audit.Build(doc, act, r, "", "", "", RequestIDFromContext(r.Context()))

	pa, err := h.svc.Pending.Decide(r.Context(), service.DecideInput{
		PendingID:      r.PathValue("id"),
		Decision:       req.Decision,
		Note:           req.Note,
		Channel:        act.Channel,
		Actor:          act,
		Envelope:       env,
		IdempotencyKey: r.Header.Get(doc.Idempotency.Header()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

type executePendingRequest struct {
	DryRun  *bool  `json:"dry_run"`
	Channel string `json:"channel"`
}

func (h *Handler) handleExecutePendingAction(w http.ResponseWriter, r *http.Request) {
	var req executePendingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// Executing a pending action previews unless the caller opts in.
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	} else if r.URL.Query().Has("dry_run") {
		dryRun = parseBool(r, "dry_run", true)
	}

	snap, ok := h.policySnapshot(w, r)
	if !ok {
		return
	}
	doc := snap.Doc
	act := h.actorFor(r, doc, channelFor(r, req.Channel))
	env := audit.Build(doc, act, r, "", "", "", RequestIDFromContext(r.Context()))

	res, err := h.svc.Pending.Execute(r.Context(), service.ExecutePendingInput{
		PendingID:      r.PathValue("id"),
		DryRun:         dryRun,
		Channel:        act.Channel,
		Actor:          act,
		Envelope:       env,
		IdempotencyKey: r.Header.Get(doc.Idempotency.Header()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Idempotent && h.metrics != nil {
		h.metrics.IdempotencyReplays.Inc()
	}
	writeJSON(w, http.StatusOK, res)
}
