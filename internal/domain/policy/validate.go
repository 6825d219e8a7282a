package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// celEnv declares the variables a payload rule condition may reference.
// Built once; cel.NewEnv only fails on malformed declarations.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("role", cel.StringType),
		cel.Variable("risk", cel.DoubleType),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: build CEL env: %v", err))
	}
	return env
}()

// CompileCondition compiles a payload-rule CEL condition and checks that it
// yields a boolean.
func CompileCondition(expr string) (cel.Program, error) {
	ast, iss := celEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", iss.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != types.BoolType {
		return nil, fmt.Errorf("condition must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}
	return prg, nil
}

// Validate checks the document's structure and usability. It returns
// (errors, warnings): errors block a save, warnings do not. Type-shape
// violations (a string where a list belongs) surface earlier as decode
// errors; Validate covers the value-level rules on a decoded document.
func Validate(doc *Document) (errs, warns []string) {
	if doc == nil {
		return []string{"policy must be a JSON object"}, nil
	}

	errs = append(errs, validateCardStatus(doc.CardStatus)...)

	for i, rule := range doc.RBAC.ActionPayloadRules {
		errs = append(errs, validatePayloadRule(i, rule)...)
	}
	errs = append(errs, validateRoleMapping(doc.RBAC.RoleMapping)...)

	errs = append(errs, validateAudit(doc.Audit.Request)...)
	errs = append(errs, validateIdentity(doc.Identity)...)
	errs = append(errs, validatePendingTransitions(doc.PendingAction)...)
	for i, st := range doc.Materialization.SupersedeStatuses {
		if !validPendingStatus(st) {
			errs = append(errs, fmt.Sprintf("materialization_policy.supersede_statuses[%d] is not a valid pending status: %s", i, st))
		}
	}

	warns = append(warns, cardStatusWarnings(doc.CardStatus)...)
	return errs, warns
}

func validateCardStatus(csp CardStatusPolicy) []string {
	var errs []string
	if len(csp.AllowedTransitions) == 0 {
		errs = append(errs, "policy.card_status_policy.allowed_transitions is required and must be an object")
		return errs
	}
	for src, dsts := range csp.AllowedTransitions {
		for _, d := range dsts {
			if !validCardStatus(d) {
				errs = append(errs, fmt.Sprintf("allowed_transitions.%s contains invalid status: %s", src, d))
			}
		}
	}
	return errs
}

func cardStatusWarnings(csp CardStatusPolicy) []string {
	var warns []string
	if len(csp.AllowedTransitions) == 0 {
		return nil
	}
	for st := range csp.AllowedTransitions {
		if !validCardStatus(st) {
			warns = append(warns, "allowed_transitions has unknown status key: "+st)
		}
	}
	for _, st := range AllowedCardStatuses {
		if _, ok := csp.AllowedTransitions[st]; !ok {
			warns = append(warns, "allowed_transitions missing status key: "+st)
		}
	}
	return warns
}

func validCardStatus(s string) bool {
	for _, st := range AllowedCardStatuses {
		if s == st {
			return true
		}
	}
	return false
}

func validPendingStatus(s string) bool {
	for _, st := range AllowedPendingStatuses {
		if s == st {
			return true
		}
	}
	return false
}

func validatePendingTransitions(p PendingActionPolicy) []string {
	var errs []string
	for src, dsts := range p.AllowedTransitions {
		if !validPendingStatus(src) {
			errs = append(errs, "pending_action_policy.allowed_transitions has invalid status key: "+src)
		}
		for _, d := range dsts {
			if !validPendingStatus(d) {
				errs = append(errs, fmt.Sprintf("pending_action_policy.allowed_transitions.%s contains invalid status: %s", src, d))
			}
		}
	}
	return errs
}

func validatePayloadRule(i int, rule PayloadRule) []string {
	var errs []string
	prefix := fmt.Sprintf("rbac.action_payload_rules[%d]", i)
	if rule.ActionType == "" {
		errs = append(errs, prefix+".action_type is required and must be a non-empty string")
	}
	if len(rule.When) == 0 {
		errs = append(errs, prefix+".when is required and must be an object")
	}
	for k, m := range rule.When {
		if k == "" {
			errs = append(errs, prefix+".when has invalid key")
			continue
		}
		for _, msg := range m.validate() {
			errs = append(errs, fmt.Sprintf("%s.when.%s %s", prefix, k, msg))
		}
	}
	for j, r := range rule.RequireRoles {
		if r == "" {
			errs = append(errs, fmt.Sprintf("%s.require_roles[%d] must be a non-empty string", prefix, j))
		}
	}
	for j, r := range rule.DenyRoles {
		if r == "" {
			errs = append(errs, fmt.Sprintf("%s.deny_roles[%d] must be a non-empty string", prefix, j))
		}
	}
	if rule.Condition != "" {
		if _, err := CompileCondition(rule.Condition); err != nil {
			errs = append(errs, fmt.Sprintf("%s.condition invalid: %v", prefix, err))
		}
	}
	return errs
}

func validateRoleMapping(rm RoleMapping) []string {
	var errs []string
	for _, set := range []struct {
		name    string
		clauses []WhenClause
	}{
		{"groups", rm.Deny.Groups},
		{"entitlements", rm.Deny.Entitlements},
	} {
		for j, c := range set.clauses {
			errs = append(errs, c.validate(fmt.Sprintf("rbac.role_mapping.deny.%s[%d]", set.name, j))...)
		}
	}
	for _, set := range []struct {
		name  string
		rules []RoleRule
	}{
		{"group_rules", rm.GroupRules},
		{"entitlement_rules", rm.EntitlementRules},
	} {
		for j, rule := range set.rules {
			prefix := fmt.Sprintf("rbac.role_mapping.%s[%d]", set.name, j)
			if rule.Role == "" {
				errs = append(errs, prefix+".role must be a non-empty string")
			}
			errs = append(errs, rule.When.validate(prefix+".when")...)
		}
	}
	for j, s := range rm.Sources {
		prefix := fmt.Sprintf("rbac.role_mapping.sources[%d]", j)
		if s.Claim == "" {
			errs = append(errs, prefix+".claim must be a non-empty string")
		}
		if len(s.Map) == 0 {
			errs = append(errs, prefix+".map must be an object mapping group/entitlement->role")
			continue
		}
		for k, v := range s.Map {
			if k == "" || v == "" {
				errs = append(errs, prefix+".map entries must be string->string")
			}
		}
	}
	return errs
}

func validateAudit(req AuditRequestPolicy) []string {
	var errs []string
	for i, p := range req.AllowlistHeaders {
		errs = append(errs, p.validate(fmt.Sprintf("audit.request.allowlist_headers[%d]", i))...)
	}
	for i, p := range req.RedactHeaders {
		errs = append(errs, p.validate(fmt.Sprintf("audit.request.redact_headers[%d]", i))...)
	}
	for i, q := range req.AllowlistQuery {
		if q == "" {
			errs = append(errs, fmt.Sprintf("audit.request.allowlist_query[%d] must be a non-empty string", i))
		}
	}
	return errs
}

func validateIdentity(ident IdentityPolicy) []string {
	var errs []string
	for name, claims := range ident.Providers {
		for _, set := range []struct {
			field string
			vals  []string
		}{
			{"sub", claims.Sub}, {"email", claims.Email}, {"name", claims.Name},
			{"groups", claims.Groups}, {"entitlements", claims.Entitlements},
		} {
			for _, v := range set.vals {
				if v == "" {
					errs = append(errs, fmt.Sprintf("identity.providers.%s.%s must be list[str]", name, set.field))
					break
				}
			}
		}
	}
	if ident.DefaultProvider != "" && len(ident.Providers) > 0 {
		if _, ok := ident.Providers[ident.DefaultProvider]; !ok {
			errs = append(errs, "identity.default_provider names an unknown provider: "+ident.DefaultProvider)
		}
	}
	return errs
}
