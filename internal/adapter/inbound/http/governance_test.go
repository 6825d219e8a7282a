package http

import (
	"net/http"
	"testing"
)

func TestGetPolicyMeta(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/governance/policy", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("ETag header missing")
	}
	if rec.Header().Get("X-Policy-Revision") != "1" {
		t.Errorf("X-Policy-Revision = %q", rec.Header().Get("X-Policy-Revision"))
	}
	body := decodeBody(t, rec)
	meta, _ := body["meta"].(map[string]any)
	if meta["revision"] != float64(1) || meta["etag"] == "" {
		t.Errorf("meta = %v", meta)
	}
	if body["path"] != env.policyPath {
		t.Errorf("path = %v", body["path"])
	}
}

func TestValidatePolicy(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/governance/policy/validate", map[string]any{
		"card_status_policy": map[string]any{
			"allowed_transitions": map[string]any{"todo": []string{"bogus"}},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != false {
		t.Errorf("ok = %v, want false for an invalid transition target", body["ok"])
	}
	errs, _ := body["errors"].([]any)
	if len(errs) == 0 {
		t.Error("expected validation errors")
	}
}

func TestPatchPolicyPreconditions(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPatch, "/governance/policy", map[string]any{"revision": 5}, nil)
	if rec.Code != http.StatusPreconditionRequired {
		t.Fatalf("missing If-Match: status = %d, want 428", rec.Code)
	}

	rec = env.do(t, http.MethodPatch, "/governance/policy", map[string]any{"revision": 5},
		map[string]string{"If-Match": `"deadbeef"`})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale If-Match: status = %d, want 412", rec.Code)
	}
}

func TestPatchPolicyAppliesMergePatch(t *testing.T) {
	env := newTestEnv(t)

	get := env.do(t, http.MethodGet, "/governance/policy", nil, nil)
	etag := get.Header().Get("ETag")

	rec := env.do(t, http.MethodPatch, "/governance/policy",
		map[string]any{"idempotency_policy": map[string]any{"ttl_hours": 48}},
		map[string]string{"If-Match": etag})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	meta, _ := body["meta"].(map[string]any)
	if meta["revision"] != float64(2) {
		t.Errorf("revision = %v, want 2 after patch", meta["revision"])
	}
	if rec.Header().Get("X-Policy-Revision") != "2" {
		t.Errorf("X-Policy-Revision = %q", rec.Header().Get("X-Policy-Revision"))
	}

	status := env.do(t, http.MethodGet, "/maintenance/status", nil, nil)
	sb := decodeBody(t, status)
	pol, _ := sb["idempotency_policy"].(map[string]any)
	if pol["materialization_ttl_hours"] != float64(48) {
		t.Errorf("patched TTL not effective: %v", pol)
	}
}

func TestPatchPolicyValidationFailure(t *testing.T) {
	env := newTestEnv(t)

	get := env.do(t, http.MethodGet, "/governance/policy", nil, nil)
	etag := get.Header().Get("ETag")

	rec := env.do(t, http.MethodPatch, "/governance/policy",
		map[string]any{"card_status_policy": map[string]any{"allowed_transitions": map[string]any{"todo": []string{"bogus"}}}},
		map[string]string{"If-Match": etag})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "policy_validation_failed" {
		t.Errorf("error.code = %v", errObj["code"])
	}
}

func TestPatchPolicyRequiresDevMode(t *testing.T) {
	env := newTestEnv(t, WithDevMode(false))
	rec := env.do(t, http.MethodPatch, "/governance/policy", map[string]any{"revision": 2},
		map[string]string{"If-Match": `"x"`})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
