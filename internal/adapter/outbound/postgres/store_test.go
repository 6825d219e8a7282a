package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/actiongate/actiongate/internal/domain/action"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

func TestGetCaseNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT case_id, resource_id, risk_score, confidence, status, root_signals, updated_at FROM agent_cases WHERE case_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"case_id"}))

	_, err := s.GetCase(context.Background(), "missing")
	if !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetCaseScansJSONB(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"case_id", "resource_id", "risk_score", "confidence", "status", "root_signals", "updated_at"}).
		AddRow("case-1", "RES-1", 85, 0.9, "AT_RISK", []byte(`{"signal":"late_shipment"}`), now)
	mock.ExpectQuery("SELECT case_id, resource_id").WithArgs("case-1").WillReturnRows(rows)

	c, err := s.GetCase(context.Background(), "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.RiskScore != 85 || c.RootSignals["signal"] != "late_shipment" {
		t.Errorf("scanned case: %+v", c)
	}
}

func TestUpdateCardStatusClearsStaleFields(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"card_id", "case_id", "status", "blocked_reason", "resolved_at", "last_activity_at"}).
		AddRow("card-1", "case-1", "in_progress", nil, nil, now)
	mock.ExpectQuery("UPDATE kanban_cards").
		WithArgs("card-1", "in_progress", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	card, err := s.UpdateCardStatus(context.Background(), "card-1", "in_progress", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if card.Status != "in_progress" || card.BlockedReason != "" || card.ResolvedAt != nil {
		t.Errorf("updated card: %+v", card)
	}
}

func TestUpdateCardStatusUnknownCard(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE kanban_cards").
		WithArgs("nope", "blocked", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"card_id"}))

	_, err := s.UpdateCardStatus(context.Background(), "nope", "blocked", "reason", nil)
	if !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func pendingRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"pending_id", "case_id", "card_id", "materialization_id", "status", "approval_required",
		"action_type", "action_payload", "rationale", "rank", "approved_by", "approved_at",
		"executed_action_id", "execution_result",
		"decision_idempotency_key", "decision_request_hash",
		"execution_idempotency_key", "execution_request_hash",
		"superseded_by_materialization_id", "superseded_at", "canceled_reason",
		"created_at", "updated_at",
	})
}

func TestGetPendingActionScansNullables(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := pendingRows().AddRow(
		"pa-1", "case-1", "card-1", "mat-1", "approved", true,
		"ExpediteShipment", []byte(`{"priority":"high"}`), "reduce lead time", 1, "approver-1", now,
		nil, nil,
		"deckey", "dechash",
		nil, nil,
		nil, nil, nil,
		now, now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM pending_actions WHERE pending_id = $1")).
		WithArgs("pa-1").WillReturnRows(rows)

	pa, err := s.GetPendingAction(context.Background(), "pa-1")
	if err != nil {
		t.Fatal(err)
	}
	if pa.Status != "approved" || pa.ApprovedBy != "approver-1" || pa.ApprovedAt == nil {
		t.Errorf("scanned pending: %+v", pa)
	}
	if pa.ActionPayload["priority"] != "high" || pa.DecisionIdempotencyKey != "deckey" {
		t.Errorf("scanned pending: %+v", pa)
	}
	if pa.ExecutedActionID != "" || pa.SupersededAt != nil {
		t.Errorf("null columns must map to zero values: %+v", pa)
	}
}

func TestGetPendingActionForUpdateOutsideTx(t *testing.T) {
	// Without a transaction the lock clause is dropped.
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE pending_id = $1")).
		WithArgs("pa-1").
		WillReturnRows(pendingRows())

	_, err := s.GetPendingActionForUpdate(context.Background(), "pa-1")
	if !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithTxLocksPendingRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE pending_id = .+ FOR UPDATE").
		WithArgs("pa-1").
		WillReturnRows(pendingRows().AddRow(
			"pa-1", "case-1", "card-1", nil, "pending", false,
			"RequestInfo", []byte(`{}`), nil, 1, nil, nil,
			nil, nil, nil, nil, nil, nil, nil, nil, nil,
			now, now,
		))
	mock.ExpectExec("UPDATE pending_actions SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx action.Store) error {
		pa, err := tx.GetPendingActionForUpdate(context.Background(), "pa-1")
		if err != nil {
			return err
		}
		pa.Status = "approved"
		return tx.UpdatePendingAction(context.Background(), pa)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("boom")
	err := s.WithTx(context.Background(), func(action.Store) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}

func TestUpdatePendingActionNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE pending_actions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdatePendingAction(context.Background(), &action.PendingAction{PendingID: "missing"})
	if !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSupersedePendingActions(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()
	mock.ExpectQuery("UPDATE pending_actions SET").
		WithArgs("card-1", pq.Array([]string{"pending", "approved"}), "mat-2", at).
		WillReturnRows(sqlmock.NewRows([]string{"pending_id"}).AddRow("pa-1").AddRow("pa-2"))

	ids, err := s.SupersedePendingActions(context.Background(), "card-1", []string{"pending", "approved"}, "mat-2", at)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "pa-1" || ids[1] != "pa-2" {
		t.Errorf("superseded ids: %v", ids)
	}
}

func TestCreateMaterializationDuplicateTuple(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO materializations").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := s.CreateMaterialization(context.Background(), &action.Materialization{
		Endpoint: "/pending_actions/materialize", Subject: "u1", CardID: "card-1",
		CaseID: "case-1", IdempotencyKey: "k-1", RequestHash: "h",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if !errors.Is(err, action.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestPutIdempotencyDuplicateKey(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := s.PutIdempotency(context.Background(), &action.IdempotencyRecord{
		Key: "k-1", RequestHash: "h", Response: map[string]any{"ok": true},
	})
	if !errors.Is(err, action.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestListPendingActionsBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE case_id = $1 AND status = $2 ORDER BY updated_at DESC, rank ASC LIMIT $3")).
		WithArgs("case-1", "pending", 10).
		WillReturnRows(pendingRows())

	out, err := s.ListPendingActions(context.Background(), action.PendingFilter{
		CaseID: "case-1", Status: "pending", Limit: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("rows: %v", out)
	}
}

func TestDeleteExpiredMaterializations(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM materializations WHERE created_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeleteExpiredMaterializations(context.Background(), cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("deleted = %d", n)
	}
}

func TestReadinessReportsMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT tablename FROM pg_tables").
		WillReturnRows(sqlmock.NewRows([]string{"tablename"}).
			AddRow("agent_cases").AddRow("kanban_cards").AddRow("agent_actions"))
	mock.ExpectQuery("SELECT extname FROM pg_extension").
		WillReturnRows(sqlmock.NewRows([]string{"extname"}))

	r, err := s.Readiness(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Ready {
		t.Error("incomplete schema must not be ready")
	}
	want := map[string]bool{
		"pending_actions": true, "materializations": true,
		"agent_recommendations": true, "idempotency_keys": true,
	}
	if len(r.MissingTables) != len(want) {
		t.Errorf("missing tables: %v", r.MissingTables)
	}
	for _, tbl := range r.MissingTables {
		if !want[tbl] {
			t.Errorf("unexpected missing table %q", tbl)
		}
	}
	if len(r.MissingExtensions) != 1 || r.MissingExtensions[0] != "pgcrypto" {
		t.Errorf("missing extensions: %v", r.MissingExtensions)
	}
}

func TestReadinessAllPresent(t *testing.T) {
	s, mock := newMockStore(t)
	tables := sqlmock.NewRows([]string{"tablename"})
	for _, tbl := range requiredTables {
		tables.AddRow(tbl)
	}
	mock.ExpectQuery("SELECT tablename FROM pg_tables").WillReturnRows(tables)
	mock.ExpectQuery("SELECT extname FROM pg_extension").
		WillReturnRows(sqlmock.NewRows([]string{"extname"}).AddRow("pgcrypto"))

	r, err := s.Readiness(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !r.Ready || len(r.MissingTables) != 0 || len(r.MissingExtensions) != 0 {
		t.Errorf("readiness: %+v", r)
	}
}
