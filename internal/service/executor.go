package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/actiongate/actiongate/internal/adapter/outbound/connector"
	"github.com/actiongate/actiongate/internal/domain/action"
	"github.com/actiongate/actiongate/internal/domain/actor"
	"github.com/actiongate/actiongate/internal/domain/audit"
	"github.com/actiongate/actiongate/internal/domain/policy"
)

// DefaultConnectorTimeout bounds a single external dispatch.
const DefaultConnectorTimeout = 10 * time.Second

// ExecuteInput describes one admitted action to run.
type ExecuteInput struct {
	CaseID     string
	Channel    string
	ActionType string
	// Payload is the action payload. HTTP callers attach the _audit
	// envelope; Execute stamps a fallback one when it is missing.
	Payload map[string]any
	DryRun  bool
}

// ExecuteResult is the outcome of one execution attempt. Blocked results
// are successful admissions that guardrails stopped; they are not errors.
type ExecuteResult struct {
	OK           bool           `json:"ok"`
	DryRun       bool           `json:"dry_run,omitempty"`
	Blocked      bool           `json:"blocked,omitempty"`
	Message      string         `json:"message"`
	ActionID     string         `json:"action_id,omitempty"`
	Connector    string         `json:"connector,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	WouldExecute map[string]any `json:"would_execute,omitempty"`
}

// Executor is the single place where the system changes the world: it
// checks guardrails, writes the audit row, and performs the local update or
// connector dispatch.
type Executor struct {
	store    action.Store
	policies *PolicyStore
	conn     connector.Connector
	audit    *AuditWriter
	logger   *slog.Logger
	timeout  time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithConnectorTimeout overrides the external dispatch timeout.
func WithConnectorTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(store action.Store, policies *PolicyStore, conn connector.Connector, audit *AuditWriter, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    store,
		policies: policies,
		conn:     conn,
		audit:    audit,
		logger:   logger,
		timeout:  DefaultConnectorTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringField(payload map[string]any, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

// ensureEnvelope stamps a fallback envelope on payloads that arrive without
// one, so audit rows from direct Executor callers still carry actor and
// request context. The actor comes from payload._actor when the caller
// supplied it; the request records the internal execution path.
func ensureEnvelope(doc *policy.Document, in *ExecuteInput) {
	if _, ok := in.Payload[audit.EnvelopeKey]; ok {
		return
	}
	var act actor.Actor
	if raw, ok := in.Payload["_actor"]; ok {
		if blob, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(blob, &act)
		}
	}
	if act.Channel == "" {
		act.Channel = in.Channel
	}
	env := audit.Build(doc, act, nil, "internal", "internal:execute_action", "", "")
	in.Payload = audit.WithEnvelope(in.Payload, env)
}

// guardrails returns (passed, message). Messages are business outcomes,
// surfaced verbatim in the audit trail and API responses.
func (e *Executor) guardrails(ctx context.Context, doc *policy.Document, in ExecuteInput) (bool, string) {
	if qty, present := in.Payload["qty"]; present && qty != nil {
		f, ok := toFloat(qty)
		if !ok {
			return false, "blocked: qty must be numeric"
		}
		if f < 0 {
			return false, "blocked: qty must be >= 0"
		}
	}

	if in.ActionType != "UpdateCardStatus" {
		return true, "ok"
	}

	cardID := stringField(in.Payload, "card_id")
	newStatus := stringField(in.Payload, "new_status")
	if cardID == "" {
		return false, "blocked: payload.card_id is required"
	}
	valid := false
	for _, st := range policy.AllowedCardStatuses {
		if newStatus == st {
			valid = true
			break
		}
	}
	if !valid {
		return false, "blocked: payload.new_status must be one of todo|in_progress|blocked|resolved"
	}

	card, err := e.store.GetCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, action.ErrNotFound) {
			return false, fmt.Sprintf("blocked: card not found: %s", cardID)
		}
		return false, fmt.Sprintf("blocked: card lookup failed: %v", err)
	}
	if card.CaseID != "" && card.CaseID != in.CaseID {
		return false, "blocked: card.case_id must match request.case_id"
	}

	current := card.Status
	if current == "" {
		current = policy.CardStatusTodo
	}
	if newStatus == current {
		return true, "ok" // idempotent
	}
	if !doc.CardStatus.TransitionAllowed(current, newStatus) {
		return false, fmt.Sprintf("blocked: illegal card status transition %s -> %s", current, newStatus)
	}

	sla := doc.CardStatus.SLAGuardrails
	if newStatus == policy.CardStatusBlocked && sla.BlockedNeedsReason() && stringField(in.Payload, "blocked_reason") == "" {
		return false, "blocked: blocked_reason is required when new_status='blocked'"
	}
	if newStatus == policy.CardStatusResolved {
		if sla.ResolvedNeedsTimestamp() && stringField(in.Payload, "resolved_at") == "" {
			return false, "blocked: resolved_at is required when new_status='resolved' (ISO 8601)"
		}

		gate := doc.CardStatus.ApprovalGate.Resolve
		if gate.RequireChannel != "" && in.Channel != gate.RequireChannel {
			return false, fmt.Sprintf("blocked: resolving a card requires channel='%s'", gate.RequireChannel)
		}
		if gate.RequireHighRiskCase {
			c, err := e.store.GetCase(ctx, in.CaseID)
			if err != nil {
				if errors.Is(err, action.ErrNotFound) {
					return false, "blocked: case not found"
				}
				return false, fmt.Sprintf("blocked: case lookup failed: %v", err)
			}
			if c.RiskScore < gate.HighRiskThreshold {
				return false, fmt.Sprintf("blocked: resolving a card requires a high-risk case (risk_score >= %d)", gate.HighRiskThreshold)
			}
		}
	}

	return true, "ok"
}

// Execute runs the pipeline: guardrails, audit row, local update or
// connector dispatch. Dry runs never write.
func (e *Executor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	snap, err := e.policies.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	doc := snap.Doc

	passed, msg := e.guardrails(ctx, doc, in)

	if in.DryRun {
		if !passed {
			return &ExecuteResult{OK: false, DryRun: true, Blocked: true, Message: msg}, nil
		}
		res := &ExecuteResult{OK: true, DryRun: true, Message: "ok (dry_run)"}
		if in.ActionType == "UpdateCardStatus" {
			res.WouldExecute = map[string]any{
				"connector": "local_db",
				"update": map[string]any{
					"card_id":    stringField(in.Payload, "card_id"),
					"new_status": stringField(in.Payload, "new_status"),
				},
			}
		} else {
			res.WouldExecute = map[string]any{
				"connector":   e.conn.Name(),
				"action_type": in.ActionType,
			}
		}
		return res, nil
	}

	ensureEnvelope(doc, &in)

	if !passed {
		actionID := e.audit.Append(ctx, &action.Record{
			CaseID:     in.CaseID,
			Channel:    in.Channel,
			ActionType: in.ActionType,
			Payload:    in.Payload,
			Result:     msg,
		})
		return &ExecuteResult{OK: false, Blocked: true, Message: msg, ActionID: actionID}, nil
	}

	if in.ActionType == "UpdateCardStatus" {
		return e.executeCardUpdate(ctx, in)
	}
	return e.executeConnector(ctx, in)
}

func (e *Executor) executeCardUpdate(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	cardID := stringField(in.Payload, "card_id")
	newStatus := stringField(in.Payload, "new_status")
	blockedReason := stringField(in.Payload, "blocked_reason")

	var resolvedAt *time.Time
	if raw := stringField(in.Payload, "resolved_at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			msg := "blocked: resolved_at must be an ISO 8601 timestamp"
			actionID := e.audit.Append(ctx, &action.Record{
				CaseID: in.CaseID, Channel: in.Channel, ActionType: in.ActionType,
				Payload: in.Payload, Result: msg,
			})
			return &ExecuteResult{OK: false, Blocked: true, Message: msg, ActionID: actionID}, nil
		}
		resolvedAt = &t
	}

	card, err := e.store.UpdateCardStatus(ctx, cardID, newStatus, blockedReason, resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("update card status: %w", err)
	}

	msg := fmt.Sprintf("card status updated -> %s", newStatus)
	actionID := e.audit.Append(ctx, &action.Record{
		CaseID:     in.CaseID,
		Channel:    in.Channel,
		ActionType: in.ActionType,
		Payload:    in.Payload,
		Result:     "ok: " + msg,
	})

	data := map[string]any{
		"card_id": card.CardID,
		"status":  card.Status,
	}
	if card.BlockedReason != "" {
		data["blocked_reason"] = card.BlockedReason
	}
	if card.ResolvedAt != nil {
		data["resolved_at"] = card.ResolvedAt.UTC().Format(time.RFC3339)
	}

	return &ExecuteResult{
		OK:        true,
		Message:   msg,
		ActionID:  actionID,
		Connector: "local_db",
		Data:      data,
	}, nil
}

func (e *Executor) executeConnector(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	dispatchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.conn.Execute(dispatchCtx, in.ActionType, in.Payload)
	if err != nil {
		// Timeouts and transport failures degrade to a blocked result so
		// the attempt still lands in the audit trail.
		res = &connector.Result{
			OK:      false,
			Message: fmt.Sprintf("blocked: connector %s failed: %v", e.conn.Name(), err),
		}
	}

	actionID := e.audit.Append(ctx, &action.Record{
		CaseID:     in.CaseID,
		Channel:    in.Channel,
		ActionType: in.ActionType,
		Payload:    in.Payload,
		Result:     res.Message,
	})

	return &ExecuteResult{
		OK:        res.OK,
		Message:   res.Message,
		ActionID:  actionID,
		Connector: e.conn.Name(),
		Data:      res.Data,
	}, nil
}
