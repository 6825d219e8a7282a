// Package rbac evaluates role permissions and payload rules against the
// governance policy. Checks are pure over (policy, actor, action); callers
// may layer the decision cache on top for hot paths.
package rbac

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/actiongate/actiongate/internal/domain/actor"
	"github.com/actiongate/actiongate/internal/domain/policy"
)

// Verbs a permission map covers.
const (
	VerbExecute = "execute"
	VerbApprove = "approve"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func allow() Decision             { return Decision{Allowed: true, Reason: "ok"} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

func listAllows(list []string, actionType string) bool {
	for _, item := range list {
		if item == "*" || item == actionType {
			return true
		}
	}
	return false
}

// getByPath dereferences a dot path into nested payload maps.
func getByPath(payload map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// conditionPrograms caches compiled CEL conditions by expression text.
// Policy reloads reuse unchanged expressions for free.
var conditionPrograms sync.Map // string -> cel.Program

func conditionHolds(expr string, payload map[string]any, role string, risk *float64) bool {
	prg, ok := conditionPrograms.Load(expr)
	if !ok {
		compiled, err := policy.CompileCondition(expr)
		if err != nil {
			// The validator rejects uncompilable conditions before save;
			// an expression that still fails here never gates anything.
			return false
		}
		prg, _ = conditionPrograms.LoadOrStore(expr, compiled)
	}
	riskVal := 0.0
	if risk != nil {
		riskVal = *risk
	}
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := prg.(cel.Program).Eval(map[string]any{
		"payload": payload,
		"role":    role,
		"risk":    riskVal,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// ruleApplies reports whether a payload rule matches the action. An empty
// `when` applies to every payload of the action type; a non-empty `when`
// never matches a nil payload.
func ruleApplies(rule policy.PayloadRule, actionType string, payload map[string]any, role string, risk *float64) bool {
	if rule.ActionType != actionType {
		return false
	}
	if len(rule.When) > 0 {
		if payload == nil {
			return false
		}
		for key, m := range rule.When {
			var actual any
			if strings.Contains(key, ".") {
				actual = getByPath(payload, key)
			} else {
				actual = payload[key]
			}
			if !m.Matches(actual) {
				return false
			}
		}
	}
	if rule.Condition != "" && !conditionHolds(rule.Condition, payload, role, risk) {
		return false
	}
	return true
}

// enforcePayloadRules walks rbac.action_payload_rules in order and enforces
// every rule that applies. The first violated rule denies.
func enforcePayloadRules(doc *policy.Document, actionType string, payload map[string]any, role string, risk *float64) Decision {
	for _, rule := range doc.RBAC.ActionPayloadRules {
		if !ruleApplies(rule, actionType, payload, role, risk) {
			continue
		}

		if len(rule.RequireRoles) > 0 && !contains(rule.RequireRoles, role) {
			return deny(orReason(rule.Reason, fmt.Sprintf("role '%s' not permitted by payload rule", role)))
		}
		if contains(rule.DenyRoles, role) {
			return deny(orReason(rule.Reason, fmt.Sprintf("role '%s' denied by payload rule", role)))
		}
		if rule.RequireRiskGE != nil {
			thr := *rule.RequireRiskGE
			if risk == nil || *risk < thr {
				return deny(orReason(rule.Reason, fmt.Sprintf("case risk_score %s below required threshold %v", riskString(risk), thr)))
			}
		}
	}
	return allow()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func orReason(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func riskString(risk *float64) string {
	if risk == nil {
		return "<none>"
	}
	return fmt.Sprintf("%v", *risk)
}

func effectiveRole(doc *policy.Document, channel, role string) string {
	if role != "" {
		return role
	}
	return actor.RoleForChannel(doc, channel)
}

// CanExecute checks execute permission for (role, action type), then the
// operator card-status constraint, then payload rules.
func CanExecute(doc *policy.Document, channel, actionType string, payload map[string]any, role string, caseRisk *float64) Decision {
	role = effectiveRole(doc, channel, role)
	if !listAllows(doc.RBAC.Permissions.Execute[role], actionType) {
		return deny(fmt.Sprintf("role '%s' not permitted to execute action_type '%s'", role, actionType))
	}

	if role == "operator" && actionType == "UpdateCardStatus" {
		denySet := doc.RBAC.Constraints.OperatorUpdateCardStatus.DenyNewStatus
		if ns, _ := payload["new_status"].(string); ns != "" && contains(denySet, ns) {
			return deny(fmt.Sprintf("operator cannot set card status to '%s'", ns))
		}
	}

	if d := enforcePayloadRules(doc, actionType, payload, role, caseRisk); !d.Allowed {
		return deny("payload rule: " + d.Reason)
	}
	return allow()
}

// CanApprove checks approve permission for (role, action type), then
// payload rules.
func CanApprove(doc *policy.Document, channel, actionType string, payload map[string]any, role string, caseRisk *float64) Decision {
	role = effectiveRole(doc, channel, role)
	if !listAllows(doc.RBAC.Permissions.Approve[role], actionType) {
		return deny(fmt.Sprintf("role '%s' not permitted to approve action_type '%s'", role, actionType))
	}
	if d := enforcePayloadRules(doc, actionType, payload, role, caseRisk); !d.Allowed {
		return deny("payload rule: " + d.Reason)
	}
	return allow()
}
