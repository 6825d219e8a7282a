package rbac

import (
	"strings"
	"testing"

	"github.com/actiongate/actiongate/internal/domain/policy"
)

func floatPtr(f float64) *float64 { return &f }

func docWithExecute(perms map[string][]string) *policy.Document {
	return &policy.Document{RBAC: policy.RBACPolicy{
		Permissions: policy.Permissions{Execute: perms},
	}}
}

func TestCanExecuteDeniedWhenActionNotAllowed(t *testing.T) {
	doc := docWithExecute(map[string][]string{"ui": {"SomeOtherAction"}})
	d := CanExecute(doc, "ui", "UpdateCardStatus", map[string]any{"new_status": "todo"}, "", nil)
	if d.Allowed {
		t.Fatal("expected deny")
	}
	if !strings.Contains(d.Reason, "not permitted") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestCanExecuteWildcard(t *testing.T) {
	doc := docWithExecute(map[string][]string{"service": {"*"}})
	d := CanExecute(doc, "api", "AnythingAtAll", nil, "service", nil)
	if !d.Allowed {
		t.Errorf("wildcard must allow: %q", d.Reason)
	}
}

func TestCanExecuteOperatorConstraint(t *testing.T) {
	doc := &policy.Document{RBAC: policy.RBACPolicy{
		Permissions: policy.Permissions{Execute: map[string][]string{"operator": {"UpdateCardStatus"}}},
		Channels:    map[string]string{"ui": "operator"},
		Constraints: policy.Constraints{OperatorUpdateCardStatus: policy.OperatorCardConstraint{
			DenyNewStatus: []string{"resolved"},
		}},
	}}
	d := CanExecute(doc, "ui", "UpdateCardStatus", map[string]any{"new_status": "resolved"}, "", nil)
	if d.Allowed {
		t.Fatal("expected operator constraint deny")
	}
	if !strings.Contains(d.Reason, "cannot set card status") {
		t.Errorf("reason = %q", d.Reason)
	}
	// Other statuses remain allowed.
	d = CanExecute(doc, "ui", "UpdateCardStatus", map[string]any{"new_status": "blocked"}, "", nil)
	if !d.Allowed {
		t.Errorf("blocked should pass: %q", d.Reason)
	}
}

func TestPayloadRuleRiskThreshold(t *testing.T) {
	doc := docWithExecute(map[string][]string{"ui": {"UpdateCardStatus"}})
	doc.RBAC.ActionPayloadRules = []policy.PayloadRule{{
		ActionType:    "UpdateCardStatus",
		When:          map[string]policy.Matcher{"new_status": policy.Scalar("resolved")},
		RequireRiskGE: floatPtr(80),
		Reason:        "high risk only",
	}}

	d := CanExecute(doc, "ui", "UpdateCardStatus", map[string]any{"new_status": "resolved"}, "", floatPtr(90))
	if !d.Allowed {
		t.Errorf("risk 90 must pass: %q", d.Reason)
	}

	d = CanExecute(doc, "ui", "UpdateCardStatus", map[string]any{"new_status": "resolved"}, "", floatPtr(10))
	if d.Allowed {
		t.Fatal("risk 10 must fail")
	}
	if !strings.Contains(d.Reason, "payload rule") || !strings.Contains(d.Reason, "high risk only") {
		t.Errorf("reason = %q", d.Reason)
	}

	// Missing risk score fails a risk-gated rule.
	d = CanExecute(doc, "ui", "UpdateCardStatus", map[string]any{"new_status": "resolved"}, "", nil)
	if d.Allowed {
		t.Fatal("nil risk must fail a risk-gated rule")
	}
}

func TestPayloadRuleRequireAndDenyRoles(t *testing.T) {
	doc := docWithExecute(map[string][]string{
		"operator":   {"ExecuteRemediation"},
		"supervisor": {"ExecuteRemediation"},
	})
	doc.RBAC.ActionPayloadRules = []policy.PayloadRule{{
		ActionType:   "ExecuteRemediation",
		When:         map[string]policy.Matcher{"target": policy.Scalar("erp")},
		RequireRoles: []string{"supervisor"},
		DenyRoles:    []string{"operator"},
	}}
	payload := map[string]any{"target": "erp"}

	if d := CanExecute(doc, "ui", "ExecuteRemediation", payload, "supervisor", nil); !d.Allowed {
		t.Errorf("supervisor must pass: %q", d.Reason)
	}
	if d := CanExecute(doc, "ui", "ExecuteRemediation", payload, "operator", nil); d.Allowed {
		t.Error("operator must be rejected by require_roles")
	}
	// Rule does not apply to other targets.
	if d := CanExecute(doc, "ui", "ExecuteRemediation", map[string]any{"target": "local_db"}, "operator", nil); !d.Allowed {
		t.Errorf("non-matching payload must pass: %q", d.Reason)
	}
}

func TestPayloadRuleDotPath(t *testing.T) {
	doc := docWithExecute(map[string][]string{"ui": {"NotifyTeam"}})
	doc.RBAC.ActionPayloadRules = []policy.PayloadRule{{
		ActionType: "NotifyTeam",
		When:       map[string]policy.Matcher{"target.system": policy.Scalar("pagerduty")},
		DenyRoles:  []string{"ui"},
	}}
	payload := map[string]any{"target": map[string]any{"system": "pagerduty"}}
	if d := CanExecute(doc, "ui", "NotifyTeam", payload, "", nil); d.Allowed {
		t.Error("dot-path matcher must apply and deny ui")
	}
	payload = map[string]any{"target": map[string]any{"system": "email"}}
	if d := CanExecute(doc, "ui", "NotifyTeam", payload, "", nil); !d.Allowed {
		t.Errorf("non-matching nested value must pass: %q", d.Reason)
	}
}

func TestPayloadRuleEmptyWhenNeverMatchesNilPayload(t *testing.T) {
	doc := docWithExecute(map[string][]string{"ui": {"Ping"}})
	doc.RBAC.ActionPayloadRules = []policy.PayloadRule{{
		ActionType: "Ping",
		When:       map[string]policy.Matcher{"x": policy.Scalar("y")},
		DenyRoles:  []string{"ui"},
	}}
	if d := CanExecute(doc, "ui", "Ping", nil, "", nil); !d.Allowed {
		t.Errorf("rule with when must not match nil payload: %q", d.Reason)
	}
}

func TestPayloadRuleCELCondition(t *testing.T) {
	doc := docWithExecute(map[string][]string{"operator": {"ExecuteRemediation"}})
	doc.RBAC.ActionPayloadRules = []policy.PayloadRule{{
		ActionType: "ExecuteRemediation",
		When:       map[string]policy.Matcher{"target": policy.Scalar("erp")},
		Condition:  `risk >= 50.0`,
		DenyRoles:  []string{"operator"},
		Reason:     "high-risk erp changes need a supervisor",
	}}
	payload := map[string]any{"target": "erp"}

	if d := CanExecute(doc, "ui", "ExecuteRemediation", payload, "operator", floatPtr(80)); d.Allowed {
		t.Error("condition true: rule must apply and deny")
	}
	if d := CanExecute(doc, "ui", "ExecuteRemediation", payload, "operator", floatPtr(10)); !d.Allowed {
		t.Errorf("condition false: rule must not apply: %q", d.Reason)
	}
}

func TestCanApprove(t *testing.T) {
	doc := &policy.Document{RBAC: policy.RBACPolicy{
		Permissions: policy.Permissions{Approve: map[string][]string{"approver": {"*"}}},
		Channels:    map[string]string{"ui": "operator"},
	}}
	if d := CanApprove(doc, "ui", "UpdateCardStatus", nil, "approver", nil); !d.Allowed {
		t.Errorf("approver must approve: %q", d.Reason)
	}
	d := CanApprove(doc, "ui", "UpdateCardStatus", nil, "", nil)
	if d.Allowed {
		t.Error("channel-derived operator must not approve")
	}
	if !strings.Contains(d.Reason, "not permitted to approve") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestDecisionCacheLRU(t *testing.T) {
	c := NewDecisionCache(2)
	k1 := CacheKey(1, VerbExecute, "ui", "operator", "A", nil, nil)
	k2 := CacheKey(1, VerbExecute, "ui", "operator", "B", nil, nil)
	k3 := CacheKey(1, VerbExecute, "ui", "operator", "C", nil, nil)
	if k1 == k2 || k2 == k3 {
		t.Fatal("keys must differ by action type")
	}

	c.Put(k1, Decision{Allowed: true, Reason: "ok"})
	c.Put(k2, Decision{Allowed: false, Reason: "no"})
	if _, ok := c.Get(k1); !ok {
		t.Fatal("k1 must be cached")
	}
	c.Put(k3, Decision{Allowed: true, Reason: "ok"}) // evicts k2 (LRU)
	if _, ok := c.Get(k2); ok {
		t.Error("k2 should have been evicted")
	}
	if _, ok := c.Get(k1); !ok {
		t.Error("k1 was promoted and must survive")
	}
	c.Clear()
	if c.Size() != 0 {
		t.Error("clear must empty the cache")
	}
}

func TestCacheKeyVariesWithRevisionAndPayload(t *testing.T) {
	p := map[string]any{"x": 1}
	a := CacheKey(1, VerbExecute, "ui", "operator", "A", p, nil)
	b := CacheKey(2, VerbExecute, "ui", "operator", "A", p, nil)
	c := CacheKey(1, VerbExecute, "ui", "operator", "A", map[string]any{"x": 2}, nil)
	if a == b || a == c {
		t.Error("revision and payload must contribute to the key")
	}
}
