package http

import (
	"net/http"
	"testing"
	"time"

	"github.com/actiongate/actiongate/internal/domain/audit"
)

func TestExecuteActionValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/actions/execute", map[string]any{"channel": "api"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for missing fields", rec.Code)
	}
}

func TestExecuteActionUnknownCase(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/actions/execute", map[string]any{
		"case_id":     "nope",
		"channel":     "api",
		"action_type": "RequestInfo",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestExecuteActionForbiddenChannel(t *testing.T) {
	env := newTestEnv(t)
	c := seedCase(t, env.store, 50)

	// The ui channel maps to role "ui", which holds no execute permission.
	rec := env.do(t, http.MethodPost, "/actions/execute", map[string]any{
		"case_id":     c.CaseID,
		"channel":     "ui",
		"action_type": "RequestInfo",
	}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestExecuteActionIdempotencyReplayAndConflict(t *testing.T) {
	env := newTestEnv(t)
	c := seedCase(t, env.store, 50)

	body := map[string]any{
		"case_id":     c.CaseID,
		"channel":     "api",
		"action_type": "RequestInfo",
		"payload":     map[string]any{"note": "check inventory"},
	}
	hdr := map[string]string{"Idempotency-Key": "k1"}

	rec := env.do(t, http.MethodPost, "/actions/execute", body, hdr)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	first := decodeBody(t, rec)
	if first["ok"] != true {
		t.Fatalf("first response: %v", first)
	}
	if got := len(recentRows(t, env.store, "RequestInfo")); got != 1 {
		t.Fatalf("audit rows after first call = %d", got)
	}

	// Replay: identical body, no second dispatch.
	rec = env.do(t, http.MethodPost, "/actions/execute", body, hdr)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d", rec.Code)
	}
	replay := decodeBody(t, rec)
	if replay["action_id"] != first["action_id"] {
		t.Errorf("replay action_id = %v, want %v", replay["action_id"], first["action_id"])
	}
	if got := len(recentRows(t, env.store, "RequestInfo")); got != 1 {
		t.Errorf("audit rows after replay = %d, want 1", got)
	}

	// Same key, different payload.
	body["payload"] = map[string]any{"note": "something else"}
	rec = env.do(t, http.MethodPost, "/actions/execute", body, hdr)
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d, want 409", rec.Code)
	}
	if got := len(recentRows(t, env.store, audit.ActionIdempotencyConflict)); got != 1 {
		t.Errorf("IdempotencyConflict audit rows = %d, want 1", got)
	}
}

func TestExecuteActionDryRunSkipsAuditAndStore(t *testing.T) {
	env := newTestEnv(t)
	c := seedCase(t, env.store, 50)

	rec := env.do(t, http.MethodPost, "/actions/execute", map[string]any{
		"case_id":     c.CaseID,
		"channel":     "api",
		"action_type": "RequestInfo",
		"dry_run":     true,
	}, map[string]string{"Idempotency-Key": "k-dry"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["dry_run"] != true || body["would_execute"] == nil {
		t.Errorf("dry run preview missing: %v", body)
	}
	if got := len(recentRows(t, env.store, "")); got != 0 {
		t.Errorf("dry run wrote %d audit rows", got)
	}

	// The key must still be fresh for a real call.
	rec = env.do(t, http.MethodPost, "/actions/execute", map[string]any{
		"case_id":     c.CaseID,
		"channel":     "api",
		"action_type": "RequestInfo",
	}, map[string]string{"Idempotency-Key": "k-dry"})
	if rec.Code != http.StatusOK {
		t.Fatalf("post-dry-run status = %d", rec.Code)
	}
}

func TestExecuteActionResolveGate(t *testing.T) {
	env := newTestEnv(t)

	resolveBody := func(caseID, cardID, channel string) map[string]any {
		return map[string]any{
			"case_id":     caseID,
			"channel":     channel,
			"action_type": "UpdateCardStatus",
			"payload": map[string]any{
				"card_id":     cardID,
				"new_status":  "resolved",
				"resolved_at": time.Now().UTC().Format(time.RFC3339),
			},
		}
	}

	// High-risk case resolved from the ops console: allowed.
	c := seedCase(t, env.store, 85)
	card := seedCard(t, env.store, c.CaseID, "in_progress")
	rec := env.do(t, http.MethodPost, "/actions/execute", resolveBody(c.CaseID, card.CardID, "ops_console"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["ok"] != true || body["connector"] != "local_db" {
		t.Fatalf("resolve result: %v", body)
	}

	// Wrong channel: guardrail blocks with an audited 200.
	c2 := seedCase(t, env.store, 85)
	card2 := seedCard(t, env.store, c2.CaseID, "in_progress")
	rec = env.do(t, http.MethodPost, "/actions/execute", resolveBody(c2.CaseID, card2.CardID, "api"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["ok"] != false || body["blocked"] != true {
		t.Fatalf("wrong-channel result: %v", body)
	}

	// Low-risk case: the high-risk gate blocks.
	c3 := seedCase(t, env.store, 10)
	card3 := seedCard(t, env.store, c3.CaseID, "in_progress")
	rec = env.do(t, http.MethodPost, "/actions/execute", resolveBody(c3.CaseID, card3.CardID, "ops_console"), nil)
	body = decodeBody(t, rec)
	if body["ok"] != false || body["blocked"] != true {
		t.Fatalf("low-risk result: %v", body)
	}
}
