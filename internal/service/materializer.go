package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/actiongate/actiongate/internal/adapter/outbound/generator"
	"github.com/actiongate/actiongate/internal/canonjson"
	"github.com/actiongate/actiongate/internal/domain/action"
	"github.com/actiongate/actiongate/internal/domain/actor"
	"github.com/actiongate/actiongate/internal/domain/approval"
	"github.com/actiongate/actiongate/internal/domain/audit"
	"github.com/actiongate/actiongate/internal/domain/policy"
)

const endpointMaterialize = "/pending_actions/materialize"

// Materializer turns generator output into reviewable rows: scored
// recommendations plus pending actions awaiting approval. Runs are
// idempotent on (endpoint, subject, card_id, idempotency_key) until the
// materialization TTL expires; a re-run supersedes the card's open pending
// actions from earlier runs.
type Materializer struct {
	store     action.Store
	policies  *PolicyStore
	gen       generator.Generator
	executor  *Executor
	audit     *AuditWriter
	logger    *slog.Logger
	connector string
}

// NewMaterializer creates the service. connectorName is the execution
// target recorded for proposals that are not local database updates.
func NewMaterializer(store action.Store, policies *PolicyStore, gen generator.Generator, executor *Executor, auditw *AuditWriter, logger *slog.Logger, connectorName string) *Materializer {
	return &Materializer{
		store:     store,
		policies:  policies,
		gen:       gen,
		executor:  executor,
		audit:     auditw,
		logger:    logger,
		connector: connectorName,
	}
}

// MaterializeInput is one materialization request.
type MaterializeInput struct {
	CardID         string
	Objective      string
	DryRun         bool
	Execute        bool
	MaxExecute     int
	Channel        string
	Actor          actor.Actor
	Envelope       audit.Envelope
	IdempotencyKey string
}

// MaterializedEntities are the rows a run produced (or replayed).
type MaterializedEntities struct {
	Recommendations []action.Recommendation `json:"recommendations"`
	PendingActions  []action.PendingAction  `json:"pending_actions"`
}

// MaterializeResult is the materialization response shape.
type MaterializeResult struct {
	OK                bool                 `json:"ok"`
	MaterializationID string               `json:"materialization_id"`
	IdempotencyKey    string               `json:"idempotency_key,omitempty"`
	IdempotentReplay  bool                 `json:"idempotent_replay,omitempty"`
	Message           string               `json:"message,omitempty"`
	Recommendation    map[string]any       `json:"recommendation,omitempty"`
	Proposals         []generator.Proposal `json:"proposals"`
	Materialized      MaterializedEntities `json:"materialized"`
	Validations       []map[string]any     `json:"validations"`
	Executions        []map[string]any     `json:"executions"`
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func proposalScores(actionType string, caseRisk int) (service, cost, risk, decision int) {
	service, cost = 70, 65
	if actionType == "ExpediteShipment" {
		service, cost = 80, 55
	}
	return service, cost, clampScore(caseRisk), 75
}

// Materialize runs the generator for a card and persists the result.
func (m *Materializer) Materialize(ctx context.Context, in MaterializeInput) (*MaterializeResult, error) {
	snap, err := m.policies.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	doc := snap.Doc
	subject := subjectOf(in.Actor)

	card, err := m.store.GetCard(ctx, in.CardID)
	if err != nil {
		return nil, err
	}
	if card.CaseID == "" {
		return nil, &InvalidError{Reason: "card is missing case_id binding (cannot materialize)"}
	}
	caseRow, err := m.store.GetCase(ctx, card.CaseID)
	if err != nil && !errors.Is(err, action.ErrNotFound) {
		return nil, fmt.Errorf("load case: %w", err)
	}

	gen, err := m.gen.Generate(ctx, generator.Context{Card: card, Case: caseRow}, in.Objective)
	if err != nil {
		return nil, fmt.Errorf("generate proposals: %w", err)
	}

	batchID := uuid.NewString()
	idemKey := in.IdempotencyKey
	if idemKey == "" {
		idemKey = batchID
	}
	reqHash, err := canonjson.Hash(map[string]any{
		"card_id":     in.CardID,
		"objective":   in.Objective,
		"dry_run":     in.DryRun,
		"execute":     in.Execute,
		"max_execute": in.MaxExecute,
	})
	if err != nil {
		return nil, fmt.Errorf("hash materialize request: %w", err)
	}

	existing, err := m.store.GetMaterialization(ctx, endpointMaterialize, subject, card.CardID, idemKey)
	if err != nil && !errors.Is(err, action.ErrNotFound) {
		return nil, fmt.Errorf("materialization lookup: %w", err)
	}
	if existing != nil {
		if existing.RequestHash != reqHash {
			env := in.Envelope
			env.MaterializationID = existing.MaterializationID
			payload := audit.WithEnvelope(map[string]any{
				"endpoint":                    endpointMaterialize,
				"subject":                     subject,
				"card_id":                     card.CardID,
				"idempotency_key":             idemKey,
				"existing_materialization_id": existing.MaterializationID,
				"expected_request_hash":       existing.RequestHash,
				"received_request_hash":       reqHash,
			}, env)
			m.audit.Append(ctx, &action.Record{
				CaseID:     card.CaseID,
				Channel:    "system",
				ActionType: audit.ActionIdempotencyConflict,
				Payload:    payload,
				Result:     "blocked: Idempotency-Key reuse with different payload",
			})
			return nil, &ConflictError{Reason: "Idempotency-Key reuse with different payload (request_hash mismatch)"}
		}
		if !existing.ExpiresAt.IsZero() && !existing.ExpiresAt.After(time.Now().UTC()) {
			// Expired: allow key reuse by dropping the stale record.
			if err := m.store.DeleteMaterialization(ctx, existing.MaterializationID); err != nil {
				return nil, fmt.Errorf("delete expired materialization: %w", err)
			}
			existing = nil
		}
	}

	if existing != nil {
		return m.replay(ctx, existing, gen)
	}

	now := time.Now().UTC()
	mat := &action.Materialization{
		MaterializationID: batchID,
		Endpoint:          endpointMaterialize,
		Subject:           subject,
		CardID:            card.CardID,
		CaseID:            card.CaseID,
		IdempotencyKey:    idemKey,
		RequestHash:       reqHash,
		Objective:         in.Objective,
		Source:            m.gen.Name(),
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(doc.IdempotencyTTL.TTL()) * time.Hour),
	}

	baseRisk := 70
	baseConf := 0.7
	if caseRow != nil {
		if caseRow.RiskScore != 0 {
			baseRisk = caseRow.RiskScore
		}
		if caseRow.Confidence != 0 {
			baseConf = caseRow.Confidence
		}
	}

	var supersededIDs []string
	var recs []action.Recommendation
	var pendings []action.PendingAction

	txErr := m.store.WithTx(ctx, func(tx action.Store) error {
		if err := tx.CreateMaterialization(ctx, mat); err != nil {
			if errors.Is(err, action.ErrDuplicateKey) {
				return &ConflictError{Reason: "concurrent materialization for the same idempotency key"}
			}
			return fmt.Errorf("create materialization: %w", err)
		}

		ids, err := tx.SupersedePendingActions(ctx, card.CardID, doc.Materialization.Supersedable(), batchID, now)
		if err != nil {
			return fmt.Errorf("supersede pending actions: %w", err)
		}
		supersededIDs = ids

		for i, p := range gen.Proposals {
			rank := i + 1

			payload := make(map[string]any, len(p.Payload)+4)
			for k, v := range p.Payload {
				payload[k] = v
			}
			payload["_narrative"] = gen.Recommendation
			payload["_rationale"] = p.Rationale
			payload["_confidence"] = baseConf
			payload["_source"] = m.gen.Name()

			service, cost, risk, decision := proposalScores(p.ActionType, baseRisk)
			rec := action.Recommendation{
				CaseID:            card.CaseID,
				MaterializationID: batchID,
				Rank:              rank,
				ActionType:        p.ActionType,
				ActionPayload:     payload,
				ServiceScore:      service,
				CostScore:         cost,
				RiskScore:         risk,
				DecisionScore:     decision,
			}
			if err := tx.CreateRecommendation(ctx, &rec); err != nil {
				return fmt.Errorf("create recommendation: %w", err)
			}
			recs = append(recs, rec)

			target := m.connector
			if p.ActionType == "UpdateCardStatus" {
				target = approval.TargetLocalDB
			}
			pa := action.PendingAction{
				CaseID:            card.CaseID,
				CardID:            card.CardID,
				MaterializationID: batchID,
				Status:            policy.PendingStatusPending,
				ApprovalRequired:  approval.Required(doc, p.ActionType, p.Payload, target),
				ActionType:        p.ActionType,
				ActionPayload:     p.Payload,
				Rationale:         p.Rationale,
				Rank:              rank,
			}
			if err := tx.CreatePendingAction(ctx, &pa); err != nil {
				return fmt.Errorf("create pending action: %w", err)
			}
			pendings = append(pendings, pa)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	if len(supersededIDs) > 0 {
		if len(supersededIDs) > 50 {
			supersededIDs = supersededIDs[:50]
		}
		m.audit.Append(ctx, &action.Record{
			CaseID:     card.CaseID,
			Channel:    "system",
			ActionType: audit.ActionSupersedePendingActions,
			Payload: map[string]any{
				"card_id":                card.CardID,
				"materialization_id":     batchID,
				"superseded_pending_ids": supersededIDs,
			},
			Result: fmt.Sprintf("ok: canceled %d pending actions", len(supersededIDs)),
		})
	}

	// Dry-run validations give reviewers a guardrail preview per proposal.
	validations := make([]map[string]any, 0, len(gen.Proposals))
	for _, p := range gen.Proposals {
		res, err := m.executor.Execute(ctx, ExecuteInput{
			CaseID:     card.CaseID,
			Channel:    in.Channel,
			ActionType: p.ActionType,
			Payload:    p.Payload,
			DryRun:     true,
		})
		if err != nil {
			return nil, err
		}
		validations = append(validations, map[string]any{"proposal": p, "validation": res})
	}

	executions := make([]map[string]any, 0)
	if in.Execute && !in.DryRun {
		toExec := gen.Proposals
		if in.MaxExecute >= 0 && in.MaxExecute < len(toExec) {
			toExec = toExec[:in.MaxExecute]
		}
		for _, p := range toExec {
			env := in.Envelope
			env.MaterializationID = batchID
			payload := make(map[string]any, len(p.Payload)+1)
			for k, v := range p.Payload {
				payload[k] = v
			}
			payload["materialization_id"] = batchID
			payload = audit.WithEnvelope(payload, env)

			res, err := m.executor.Execute(ctx, ExecuteInput{
				CaseID:     card.CaseID,
				Channel:    in.Channel,
				ActionType: p.ActionType,
				Payload:    payload,
				DryRun:     false,
			})
			if err != nil {
				return nil, err
			}
			executions = append(executions, map[string]any{"proposal": p, "execution": res})
		}
	}

	return &MaterializeResult{
		OK:                true,
		MaterializationID: batchID,
		IdempotencyKey:    idemKey,
		Message:           gen.Message,
		Recommendation:    gen.Recommendation,
		Proposals:         gen.Proposals,
		Materialized:      MaterializedEntities{Recommendations: recs, PendingActions: pendings},
		Validations:       validations,
		Executions:        executions,
	}, nil
}

// replay returns the previously materialized entities for an unexpired key,
// re-running dry-run validations for preview.
func (m *Materializer) replay(ctx context.Context, existing *action.Materialization, gen *generator.Result) (*MaterializeResult, error) {
	recs, err := m.store.ListRecommendationsByMaterialization(ctx, existing.MaterializationID)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	pendings, err := m.store.ListPendingActions(ctx, action.PendingFilter{CaseID: existing.CaseID})
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	mine := pendings[:0:0]
	for _, pa := range pendings {
		if pa.MaterializationID == existing.MaterializationID {
			mine = append(mine, pa)
		}
	}

	validations := make([]map[string]any, 0, len(mine))
	for _, pa := range mine {
		res, err := m.executor.Execute(ctx, ExecuteInput{
			CaseID:     pa.CaseID,
			Channel:    "ui",
			ActionType: pa.ActionType,
			Payload:    pa.ActionPayload,
			DryRun:     true,
		})
		if err != nil {
			return nil, err
		}
		validations = append(validations, map[string]any{"pending_id": pa.PendingID, "ok": res.OK, "result": res})
	}

	return &MaterializeResult{
		OK:                true,
		MaterializationID: existing.MaterializationID,
		IdempotencyKey:    existing.IdempotencyKey,
		IdempotentReplay:  true,
		Message:           gen.Message,
		Recommendation:    gen.Recommendation,
		Proposals:         gen.Proposals,
		Materialized:      MaterializedEntities{Recommendations: recs, PendingActions: mine},
		Validations:       validations,
		Executions:        []map[string]any{},
	}, nil
}
