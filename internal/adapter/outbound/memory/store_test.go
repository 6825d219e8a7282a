package memory

import (
	"context"
	"testing"
	"time"

	"github.com/actiongate/actiongate/internal/domain/action"
)

func TestCardLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	card := &action.KanbanCard{CaseID: "case-1", Status: "todo"}
	if err := s.CreateCard(ctx, card); err != nil {
		t.Fatal(err)
	}
	if card.CardID == "" {
		t.Fatal("card id must be assigned")
	}

	resolvedAt := time.Now().UTC()
	updated, err := s.UpdateCardStatus(ctx, card.CardID, "resolved", "ignored", &resolvedAt)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != "resolved" || updated.ResolvedAt == nil {
		t.Errorf("resolved update wrong: %+v", updated)
	}
	if updated.BlockedReason != "" {
		t.Error("blocked reason must be cleared outside blocked status")
	}

	if _, err := s.UpdateCardStatus(ctx, "missing", "todo", "", nil); err != action.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	pa := &action.PendingAction{CaseID: "c", Status: "pending", ActionPayload: map[string]any{"k": "v"}}
	if err := s.CreatePendingAction(ctx, pa); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPendingAction(ctx, pa.PendingID)
	if err != nil {
		t.Fatal(err)
	}
	got.ActionPayload["k"] = "mutated"
	again, _ := s.GetPendingAction(ctx, pa.PendingID)
	if again.ActionPayload["k"] != "v" {
		t.Error("stored payload must not alias returned maps")
	}
}

func TestSupersedePendingActions(t *testing.T) {
	s := New()
	ctx := context.Background()
	mk := func(cardID, status string) *action.PendingAction {
		pa := &action.PendingAction{CaseID: "c", CardID: cardID, Status: status}
		if err := s.CreatePendingAction(ctx, pa); err != nil {
			t.Fatal(err)
		}
		return pa
	}
	p1 := mk("card-1", "pending")
	p2 := mk("card-1", "approved")
	p3 := mk("card-1", "executed")
	p4 := mk("card-2", "pending")

	canceled, err := s.SupersedePendingActions(ctx, "card-1", []string{"pending", "approved"}, "mat-9", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(canceled) != 2 {
		t.Fatalf("canceled = %v", canceled)
	}
	for _, id := range []string{p1.PendingID, p2.PendingID} {
		pa, _ := s.GetPendingAction(ctx, id)
		if pa.Status != "canceled" || pa.SupersededByMaterializationID != "mat-9" || pa.SupersededAt == nil {
			t.Errorf("supersede fields wrong: %+v", pa)
		}
		if pa.CanceledReason != "superseded" {
			t.Errorf("canceled reason = %q", pa.CanceledReason)
		}
	}
	for _, id := range []string{p3.PendingID, p4.PendingID} {
		pa, _ := s.GetPendingAction(ctx, id)
		if pa.Status == "canceled" {
			t.Errorf("%s must be untouched", id)
		}
	}
}

func TestMaterializationUniqueAndTTL(t *testing.T) {
	s := New()
	ctx := context.Background()
	m := &action.Materialization{
		Endpoint: "/pending_actions/materialize", Subject: "u-1", CardID: "card-1",
		IdempotencyKey: "k-1", RequestHash: "h", CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := s.CreateMaterialization(ctx, m); err != nil {
		t.Fatal(err)
	}
	dup := &action.Materialization{Endpoint: m.Endpoint, Subject: m.Subject, CardID: m.CardID, IdempotencyKey: m.IdempotencyKey}
	if err := s.CreateMaterialization(ctx, dup); err != action.ErrDuplicateKey {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	got, err := s.GetMaterialization(ctx, m.Endpoint, m.Subject, m.CardID, m.IdempotencyKey)
	if err != nil || got.MaterializationID != m.MaterializationID {
		t.Fatalf("lookup failed: %v %v", got, err)
	}

	n, err := s.DeleteExpiredMaterializations(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired deletion, got %d %v", n, err)
	}
	if _, err := s.GetMaterialization(ctx, m.Endpoint, m.Subject, m.CardID, m.IdempotencyKey); err != action.ErrNotFound {
		t.Error("expired materialization must be gone")
	}
}

func TestIdempotencyPutRace(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := &action.IdempotencyRecord{Key: "k", RequestHash: "h", Response: map[string]any{"ok": true}}
	if err := s.PutIdempotency(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.PutIdempotency(ctx, rec); err != action.ErrDuplicateKey {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
	got, err := s.GetIdempotency(ctx, "k")
	if err != nil || got.RequestHash != "h" {
		t.Fatalf("lookup: %v %v", got, err)
	}
}

func TestListPendingActionsFilterAndOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()
	for i, st := range []string{"pending", "approved", "pending"} {
		pa := &action.PendingAction{
			CaseID: "c-1", CardID: "card-1", Status: st, Rank: i,
			CreatedAt: base, UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreatePendingAction(ctx, pa); err != nil {
			t.Fatal(err)
		}
	}
	out, err := s.ListPendingActions(ctx, action.PendingFilter{CaseID: "c-1", Status: "pending", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d", len(out))
	}
	if !out[0].UpdatedAt.After(out[1].UpdatedAt) {
		t.Error("listing must be newest first")
	}
}

func TestAuditAppendOnlyOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, res := range []string{"first", "second", "third"} {
		if err := s.AppendAction(ctx, &action.Record{CaseID: "c", ActionType: "T", Result: res}); err != nil {
			t.Fatal(err)
		}
	}
	out, err := s.ListRecentActions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Result != "third" {
		t.Errorf("recent ordering wrong: %+v", out)
	}
	byCase, _ := s.ListActionsByCase(ctx, "c", 0)
	if len(byCase) != 3 {
		t.Errorf("by case = %d", len(byCase))
	}
}
