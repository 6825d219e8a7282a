package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/actiongate/actiongate/internal/canonjson"
	"github.com/actiongate/actiongate/internal/domain/action"
	"github.com/actiongate/actiongate/internal/domain/actor"
	"github.com/actiongate/actiongate/internal/domain/audit"
	"github.com/actiongate/actiongate/internal/domain/rbac"
)

// Scoped idempotency endpoint discriminators.
const (
	endpointDecision = "/pending_actions/decision"
	endpointExecute  = "/pending_actions/execute"
)

// PendingLifecycle drives pending actions through decide and execute. All
// row mutations run inside a store transaction with the pending row locked;
// audit rows are appended best-effort after the transactional outcome is
// known, including on violations.
type PendingLifecycle struct {
	store    action.Store
	policies *PolicyStore
	executor *Executor
	audit    *AuditWriter
	logger   *slog.Logger
}

// NewPendingLifecycle creates the service.
func NewPendingLifecycle(store action.Store, policies *PolicyStore, executor *Executor, auditw *AuditWriter, logger *slog.Logger) *PendingLifecycle {
	return &PendingLifecycle{store: store, policies: policies, executor: executor, audit: auditw, logger: logger}
}

// DecideInput is one approve/reject request.
type DecideInput struct {
	PendingID      string
	Decision       string
	Note           string
	Channel        string
	Actor          actor.Actor
	Envelope       audit.Envelope
	IdempotencyKey string
}

// ExecutePendingInput is one pending-action execute request.
type ExecutePendingInput struct {
	PendingID      string
	DryRun         bool
	Channel        string
	Actor          actor.Actor
	Envelope       audit.Envelope
	IdempotencyKey string
}

// ExecutePendingResult is the execute response shape.
type ExecutePendingResult struct {
	PendingID        string         `json:"pending_id"`
	DryRun           bool           `json:"dry_run"`
	Idempotent       bool           `json:"idempotent,omitempty"`
	Status           string         `json:"status,omitempty"`
	Transition       string         `json:"transition,omitempty"`
	WouldTransition  string         `json:"would_transition,omitempty"`
	ExecutedActionID string         `json:"executed_action_id,omitempty"`
	ExecutionResult  string         `json:"execution_result,omitempty"`
	Execution        *ExecuteResult `json:"execution,omitempty"`
}

func subjectOf(act actor.Actor) string {
	if act.Sub != "" {
		return act.Sub
	}
	if act.Email != "" {
		return act.Email
	}
	return "anonymous"
}

func (s *PendingLifecycle) caseRisk(ctx context.Context, store action.Store, caseID string) *float64 {
	c, err := store.GetCase(ctx, caseID)
	if err != nil {
		return nil
	}
	risk := float64(c.RiskScore)
	return &risk
}

func (s *PendingLifecycle) auditViolation(ctx context.Context, pa *action.PendingAction, env audit.Envelope, channel, from, to, reason string) {
	payload := audit.WithEnvelope(map[string]any{
		"pending_id":  pa.PendingID,
		"from_status": from,
		"to_status":   to,
		"reason":      reason,
	}, env)
	s.audit.Append(ctx, &action.Record{
		CaseID:     pa.CaseID,
		Channel:    channel,
		ActionType: audit.ActionPendingActionTransitionViolation,
		Payload:    payload,
		Result:     "blocked: " + reason,
	})
}

func (s *PendingLifecycle) auditIdemConflict(ctx context.Context, pa *action.PendingAction, env audit.Envelope, endpoint, subject, rawKey, expected, received string) {
	payload := audit.WithEnvelope(map[string]any{
		"endpoint":              endpoint,
		"subject":               subject,
		"card_id":               pa.CardID,
		"pending_id":            pa.PendingID,
		"idempotency_key":       rawKey,
		"expected_request_hash": expected,
		"received_request_hash": received,
	}, env)
	s.audit.Append(ctx, &action.Record{
		CaseID:     pa.CaseID,
		Channel:    "system",
		ActionType: audit.ActionIdempotencyConflict,
		Payload:    payload,
		Result:     "blocked: Idempotency-Key reuse with different payload",
	})
}

// Decide approves or rejects a pending action. A scoped Idempotency-Key
// makes the decision replayable; replaying with a different body conflicts.
func (s *PendingLifecycle) Decide(ctx context.Context, in DecideInput) (*action.PendingAction, error) {
	decision := strings.ToLower(strings.TrimSpace(in.Decision))
	if decision != "approve" && decision != "reject" {
		return nil, &InvalidError{Reason: "decision must be approve or reject"}
	}
	newStatus := "approved"
	if decision == "reject" {
		newStatus = "rejected"
	}

	snap, err := s.policies.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	doc := snap.Doc
	subject := subjectOf(in.Actor)

	reqHash, err := canonjson.Hash(map[string]any{
		"decision": decision,
		"note":     in.Note,
		"channel":  in.Channel,
	})
	if err != nil {
		return nil, fmt.Errorf("hash decision body: %w", err)
	}

	var out *action.PendingAction
	var replayed bool
	var violation func(context.Context)

	txErr := s.store.WithTx(ctx, func(tx action.Store) error {
		pa, err := tx.GetPendingActionForUpdate(ctx, in.PendingID)
		if err != nil {
			return err
		}

		scoped := ""
		if in.IdempotencyKey != "" {
			scoped = ScopedIdempotencyKey(endpointDecision, subject, pa.CardID, in.IdempotencyKey)
		}

		if scoped != "" && pa.DecisionIdempotencyKey == scoped {
			if pa.DecisionRequestHash != "" && pa.DecisionRequestHash != reqHash {
				expected := pa.DecisionRequestHash
				paCopy := *pa
				violation = func(c context.Context) {
					s.auditIdemConflict(c, &paCopy, in.Envelope, endpointDecision, subject, in.IdempotencyKey, expected, reqHash)
				}
				return &ConflictError{Reason: "Idempotency-Key reuse with different payload (request_hash mismatch)"}
			}
			if pa.Status == "approved" || pa.Status == "rejected" {
				out = pa
				replayed = true
				return nil
			}
		}

		risk := s.caseRisk(ctx, tx, pa.CaseID)
		dec := rbac.CanApprove(doc, in.Channel, pa.ActionType, pa.ActionPayload, in.Actor.Role, risk)
		if !dec.Allowed {
			paCopy := *pa
			from := pa.Status
			violation = func(c context.Context) {
				s.auditViolation(c, &paCopy, in.Envelope, in.Channel, from, "(decision)", "rbac: "+dec.Reason)
			}
			return &ForbiddenError{Reason: dec.Reason}
		}

		if !doc.PendingAction.TransitionAllowed(pa.Status, newStatus) {
			paCopy := *pa
			from := pa.Status
			violation = func(c context.Context) {
				s.auditViolation(c, &paCopy, in.Envelope, in.Channel, from, newStatus,
					fmt.Sprintf("illegal transition %s -> %s", from, newStatus))
			}
			return &ConflictError{Reason: fmt.Sprintf("illegal pending_action transition: %s -> %s", pa.Status, newStatus)}
		}

		now := time.Now().UTC()
		pa.Status = newStatus
		pa.ApprovedBy = subject
		if newStatus == "approved" {
			pa.ApprovedAt = &now
		} else {
			pa.ApprovedAt = nil
		}
		if scoped != "" && pa.DecisionIdempotencyKey == "" {
			pa.DecisionIdempotencyKey = scoped
		}
		if pa.DecisionRequestHash == "" {
			pa.DecisionRequestHash = reqHash
		}
		if in.Note != "" {
			pa.ExecutionResult = in.Note
		}
		pa.UpdatedAt = now

		if err := tx.UpdatePendingAction(ctx, pa); err != nil {
			return fmt.Errorf("update pending action: %w", err)
		}
		out = pa
		return nil
	})

	if violation != nil {
		violation(ctx)
	}
	if txErr != nil {
		return nil, txErr
	}

	if out != nil && !replayed {
		payload := audit.WithEnvelope(map[string]any{
			"pending_id":             in.PendingID,
			"decision":               decision,
			"note":                   in.Note,
			"idempotency_key_scoped": out.DecisionIdempotencyKey,
		}, in.Envelope)
		s.audit.Append(ctx, &action.Record{
			CaseID:     out.CaseID,
			Channel:    in.Channel,
			ActionType: audit.ActionDecidePendingAction,
			Payload:    payload,
			Result:     "ok: " + newStatus,
		})
	}

	return out, nil
}

// Execute runs an approved (or approval-free) pending action. dry_run
// validates and previews without writing anything.
func (s *PendingLifecycle) Execute(ctx context.Context, in ExecutePendingInput) (*ExecutePendingResult, error) {
	snap, err := s.policies.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	doc := snap.Doc
	subject := subjectOf(in.Actor)

	reqHash, err := canonjson.Hash(map[string]any{
		"pending_id": in.PendingID,
		"dry_run":    in.DryRun,
		"channel":    in.Channel,
	})
	if err != nil {
		return nil, fmt.Errorf("hash execute body: %w", err)
	}

	var result *ExecutePendingResult
	var violation func(context.Context)

	txErr := s.store.WithTx(ctx, func(tx action.Store) error {
		pa, err := tx.GetPendingActionForUpdate(ctx, in.PendingID)
		if err != nil {
			return err
		}
		from := pa.Status

		scoped := ""
		if in.IdempotencyKey != "" {
			scoped = ScopedIdempotencyKey(endpointExecute, subject, pa.CardID, in.IdempotencyKey)
		}

		if scoped != "" && pa.ExecutionIdempotencyKey == scoped {
			if pa.ExecutionRequestHash != "" && pa.ExecutionRequestHash != reqHash {
				expected := pa.ExecutionRequestHash
				paCopy := *pa
				violation = func(c context.Context) {
					s.auditIdemConflict(c, &paCopy, in.Envelope, endpointExecute, subject, in.IdempotencyKey, expected, reqHash)
				}
				return &ConflictError{Reason: "Idempotency-Key reuse with different payload (request_hash mismatch)"}
			}
			if pa.Status == "executed" || pa.Status == "blocked" {
				result = &ExecutePendingResult{
					PendingID:        pa.PendingID,
					DryRun:           false,
					Idempotent:       true,
					Status:           pa.Status,
					ExecutedActionID: pa.ExecutedActionID,
					ExecutionResult:  pa.ExecutionResult,
				}
				return nil
			}
		}

		risk := s.caseRisk(ctx, tx, pa.CaseID)
		dec := rbac.CanExecute(doc, in.Channel, pa.ActionType, pa.ActionPayload, in.Actor.Role, risk)
		if !dec.Allowed {
			if !in.DryRun {
				paCopy := *pa
				violation = func(c context.Context) {
					s.auditViolation(c, &paCopy, in.Envelope, in.Channel, from, "(execute)", "rbac: "+dec.Reason)
				}
			}
			return &ForbiddenError{Reason: dec.Reason}
		}

		if pa.ApprovalRequired && pa.Status != "approved" {
			if !in.DryRun {
				paCopy := *pa
				violation = func(c context.Context) {
					s.auditViolation(c, &paCopy, in.Envelope, in.Channel, from, "executed", "execution attempted without approval")
				}
			}
			return &ConflictError{Reason: "pending action requires approval before execution"}
		}

		env := in.Envelope
		env.MaterializationID = pa.MaterializationID
		payload := make(map[string]any, len(pa.ActionPayload)+2)
		for k, v := range pa.ActionPayload {
			payload[k] = v
		}
		payload["materialization_id"] = pa.MaterializationID
		payload = audit.WithEnvelope(payload, env)

		res, err := s.executor.Execute(ctx, ExecuteInput{
			CaseID:     pa.CaseID,
			Channel:    in.Channel,
			ActionType: pa.ActionType,
			Payload:    payload,
			DryRun:     in.DryRun,
		})
		if err != nil {
			return err
		}

		toStatus := "blocked"
		if res.OK {
			toStatus = "executed"
		}

		if !doc.PendingAction.TransitionAllowed(from, toStatus) {
			if !in.DryRun {
				paCopy := *pa
				violation = func(c context.Context) {
					s.auditViolation(c, &paCopy, in.Envelope, in.Channel, from, toStatus,
						fmt.Sprintf("illegal transition %s -> %s", from, toStatus))
				}
			}
			return &ConflictError{Reason: fmt.Sprintf("illegal pending_action transition: %s -> %s", from, toStatus)}
		}

		if in.DryRun {
			result = &ExecutePendingResult{
				PendingID:       pa.PendingID,
				DryRun:          true,
				WouldTransition: fmt.Sprintf("%s->%s", from, toStatus),
				Execution:       res,
			}
			return nil
		}

		now := time.Now().UTC()
		pa.Status = toStatus
		pa.ExecutionResult = res.Message
		if res.OK {
			pa.ExecutedActionID = res.ActionID
		}
		if scoped != "" && pa.ExecutionIdempotencyKey == "" {
			pa.ExecutionIdempotencyKey = scoped
		}
		if pa.ExecutionRequestHash == "" {
			pa.ExecutionRequestHash = reqHash
		}
		pa.UpdatedAt = now

		if err := tx.UpdatePendingAction(ctx, pa); err != nil {
			return fmt.Errorf("update pending action: %w", err)
		}

		result = &ExecutePendingResult{
			PendingID:  pa.PendingID,
			DryRun:     false,
			Transition: fmt.Sprintf("%s->%s", from, toStatus),
			Execution:  res,
		}
		return nil
	})

	if violation != nil {
		violation(ctx)
	}
	if txErr != nil {
		return nil, txErr
	}
	return result, nil
}

// Get returns one pending action.
func (s *PendingLifecycle) Get(ctx context.Context, pendingID string) (*action.PendingAction, error) {
	return s.store.GetPendingAction(ctx, pendingID)
}

// List returns pending actions matching the filter.
func (s *PendingLifecycle) List(ctx context.Context, f action.PendingFilter) ([]action.PendingAction, error) {
	return s.store.ListPendingActions(ctx, f)
}
