package service

import (
	"context"
	"errors"
	"testing"

	"github.com/actiongate/actiongate/internal/adapter/outbound/connector"
	"github.com/actiongate/actiongate/internal/adapter/outbound/memory"
	"github.com/actiongate/actiongate/internal/domain/action"
	"github.com/actiongate/actiongate/internal/domain/actor"
	"github.com/actiongate/actiongate/internal/domain/audit"
)

func newTestLifecycle(t *testing.T) (*PendingLifecycle, *memory.Store) {
	t.Helper()
	store := memory.New()
	ps := newTestPolicyStore(t)
	aw := NewAuditWriter(store, discardLogger(), nil)
	ex := NewExecutor(store, ps, connector.ForName("mock"), aw, discardLogger())
	return NewPendingLifecycle(store, ps, ex, aw, discardLogger()), store
}

func seedPending(t *testing.T, store *memory.Store, risk int, actionType string, payload map[string]any, approvalRequired bool) *action.PendingAction {
	t.Helper()
	ctx := context.Background()
	c := &action.Case{ResourceID: "RES-1", RiskScore: risk, Status: "AT_RISK"}
	if err := store.CreateCase(ctx, c); err != nil {
		t.Fatal(err)
	}
	card := &action.KanbanCard{CaseID: c.CaseID, Status: "in_progress"}
	if err := store.CreateCard(ctx, card); err != nil {
		t.Fatal(err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	pa := &action.PendingAction{
		CaseID: c.CaseID, CardID: card.CardID, Status: "pending",
		ApprovalRequired: approvalRequired, ActionType: actionType, ActionPayload: payload,
	}
	if err := store.CreatePendingAction(ctx, pa); err != nil {
		t.Fatal(err)
	}
	return pa
}

func approver() actor.Actor {
	return actor.Actor{Sub: "approver-1", Role: "approver", Channel: "ops_console"}
}

func admin() actor.Actor {
	return actor.Actor{Sub: "admin-1", Role: "admin", Channel: "ops_console"}
}

func auditRows(t *testing.T, store *memory.Store, actionType string) []action.Record {
	t.Helper()
	rows, err := store.ListRecentActions(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	var out []action.Record
	for _, r := range rows {
		if actionType == "" || r.ActionType == actionType {
			out = append(out, r)
		}
	}
	return out
}

func TestDecideApprove(t *testing.T) {
	lc, store := newTestLifecycle(t)
	pa := seedPending(t, store, 50, "ExpediteShipment", nil, true)

	out, err := lc.Decide(context.Background(), DecideInput{
		PendingID: pa.PendingID, Decision: "approve", Channel: "ops_console", Actor: approver(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != "approved" || out.ApprovedBy != "approver-1" || out.ApprovedAt == nil {
		t.Errorf("decision outcome: %+v", out)
	}
	if got := auditRows(t, store, audit.ActionDecidePendingAction); len(got) != 1 || got[0].Result != "ok: approved" {
		t.Errorf("decision audit rows: %+v", got)
	}
}

func TestDecideRejectClearsApprovedAt(t *testing.T) {
	lc, store := newTestLifecycle(t)
	pa := seedPending(t, store, 50, "ExpediteShipment", nil, true)

	out, err := lc.Decide(context.Background(), DecideInput{
		PendingID: pa.PendingID, Decision: "REJECT", Note: "not now", Channel: "ops_console", Actor: approver(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != "rejected" || out.ApprovedAt != nil {
		t.Errorf("reject outcome: %+v", out)
	}
	if out.ExecutionResult != "not now" {
		t.Errorf("note must be recorded: %q", out.ExecutionResult)
	}
}

func TestDecideInvalidDecision(t *testing.T) {
	lc, store := newTestLifecycle(t)
	pa := seedPending(t, store, 50, "ExpediteShipment", nil, true)

	_, err := lc.Decide(context.Background(), DecideInput{PendingID: pa.PendingID, Decision: "maybe", Actor: approver()})
	var ierr *InvalidError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InvalidError, got %v", err)
	}
}

func TestDecideUnknownPending(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	_, err := lc.Decide(context.Background(), DecideInput{PendingID: "missing", Decision: "approve", Actor: approver()})
	if !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecideForbiddenRoleIsAudited(t *testing.T) {
	lc, store := newTestLifecycle(t)
	pa := seedPending(t, store, 50, "ExpediteShipment", nil, true)

	_, err := lc.Decide(context.Background(), DecideInput{
		PendingID: pa.PendingID, Decision: "approve", Channel: "ops_console",
		Actor: actor.Actor{Sub: "op-1", Role: "operator"},
	})
	var ferr *ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if got := auditRows(t, store, audit.ActionPendingActionTransitionViolation); len(got) != 1 {
		t.Errorf("violation audit rows: %+v", got)
	}

	// The row itself is untouched.
	cur, _ := store.GetPendingAction(context.Background(), pa.PendingID)
	if cur.Status != "pending" {
		t.Errorf("status must stay pending, got %s", cur.Status)
	}
}

func TestDecideIllegalTransitionConflict(t *testing.T) {
	lc, store := newTestLifecycle(t)
	pa := seedPending(t, store, 50, "ExpediteShipment", nil, true)
	pa.Status = "executed"
	if err := store.UpdatePendingAction(context.Background(), pa); err != nil {
		t.Fatal(err)
	}

	_, err := lc.Decide(context.Background(), DecideInput{
		PendingID: pa.PendingID, Decision: "approve", Channel: "ops_console", Actor: approver(),
	})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if got := auditRows(t, store, audit.ActionPendingActionTransitionViolation); len(got) != 1 {
		t.Errorf("violation audit rows: %+v", got)
	}
}

func TestDecideIdempotencyReplayAndConflict(t *testing.T) {
	lc, store := newTestLifecycle(t)
	pa := seedPending(t, store, 50, "ExpediteShipment", nil, true)
	ctx := context.Background()

	in := DecideInput{
		PendingID: pa.PendingID, Decision: "approve", Note: "go",
		Channel: "ops_console", Actor: approver(), IdempotencyKey: "k-1",
	}
	first, err := lc.Decide(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if first.DecisionIdempotencyKey == "" || first.DecisionRequestHash == "" {
		t.Fatalf("idempotency fields must be stamped: %+v", first)
	}

	// Same key, same body: replay without a second decision audit row.
	second, err := lc.Decide(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != "approved" {
		t.Errorf("replay status: %s", second.Status)
	}
	if got := auditRows(t, store, audit.ActionDecidePendingAction); len(got) != 1 {
		t.Errorf("replay must not re-audit, rows = %d", len(got))
	}

	// Same key, different body: conflict plus an IdempotencyConflict row.
	in.Note = "different"
	_, err = lc.Decide(ctx, in)
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if got := auditRows(t, store, audit.ActionIdempotencyConflict); len(got) != 1 {
		t.Errorf("conflict audit rows: %+v", got)
	}
}

func TestExecuteRequiresApprovalFirst(t *testing.T) {
	lc, store := newTestLifecycle(t)
	pa := seedPending(t, store, 50, "ExpediteShipment", nil, true)

	_, err := lc.Execute(context.Background(), ExecutePendingInput{
		PendingID: pa.PendingID, Channel: "ops_console", Actor: admin(),
	})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if got := auditRows(t, store, audit.ActionPendingActionTransitionViolation); len(got) != 1 {
		t.Errorf("violation audit rows: %+v", got)
	}
}

func TestExecuteFromPendingIsIllegal(t *testing.T) {
	// The canonical table has no pending->executed edge; even approval-free
	// actions pass through approve first.
	lc, store := newTestLifecycle(t)
	pa := seedPending(t, store, 50, "ExpediteShipment", nil, false)

	_, err := lc.Execute(context.Background(), ExecutePendingInput{
		PendingID: pa.PendingID, Channel: "ops_console", Actor: admin(),
	})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestExecuteDryRunDoesNotTransition(t *testing.T) {
	lc, store := newTestLifecycle(t)
	pa := seedPending(t, store, 50, "ExpediteShipment", nil, false)
	ctx := context.Background()

	if _, err := lc.Decide(ctx, DecideInput{
		PendingID: pa.PendingID, Decision: "approve", Channel: "ops_console", Actor: approver(),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := lc.Execute(ctx, ExecutePendingInput{
		PendingID: pa.PendingID, DryRun: true, Channel: "ops_console", Actor: admin(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.DryRun || res.WouldTransition != "approved->executed" {
		t.Errorf("dry run result: %+v", res)
	}
	cur, _ := store.GetPendingAction(ctx, pa.PendingID)
	if cur.Status != "approved" {
		t.Errorf("dry run must not transition, got %s", cur.Status)
	}
}

func TestExecuteApprovedFlow(t *testing.T) {
	lc, store := newTestLifecycle(t)
	pa := seedPending(t, store, 50, "ExpediteShipment", map[string]any{"priority": "high"}, true)
	ctx := context.Background()

	if _, err := lc.Decide(ctx, DecideInput{
		PendingID: pa.PendingID, Decision: "approve", Channel: "ops_console", Actor: approver(),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := lc.Execute(ctx, ExecutePendingInput{
		PendingID: pa.PendingID, Channel: "ops_console", Actor: admin(), IdempotencyKey: "x-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transition != "approved->executed" || res.Execution == nil || !res.Execution.OK {
		t.Fatalf("execute result: %+v", res)
	}

	cur, _ := store.GetPendingAction(ctx, pa.PendingID)
	if cur.Status != "executed" || cur.ExecutedActionID == "" || cur.ExecutionResult == "" {
		t.Errorf("executed row: %+v", cur)
	}

	// Replay with the same key returns the terminal state without rerunning.
	before := len(auditRows(t, store, ""))
	replay, err := lc.Execute(ctx, ExecutePendingInput{
		PendingID: pa.PendingID, Channel: "ops_console", Actor: admin(), IdempotencyKey: "x-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !replay.Idempotent || replay.Status != "executed" || replay.ExecutedActionID != cur.ExecutedActionID {
		t.Errorf("replay result: %+v", replay)
	}
	if after := len(auditRows(t, store, "")); after != before {
		t.Error("replay must not write new audit rows")
	}
}

func TestExecuteForbiddenRole(t *testing.T) {
	lc, store := newTestLifecycle(t)
	// Operators may execute UpdateCardStatus/RequestInfo, not purchases.
	pa := seedPending(t, store, 50, "TriggerPurchase", nil, false)

	_, err := lc.Execute(context.Background(), ExecutePendingInput{
		PendingID: pa.PendingID, Channel: "ops_console",
		Actor: actor.Actor{Sub: "op-1", Role: "operator"},
	})
	var ferr *ForbiddenError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}
