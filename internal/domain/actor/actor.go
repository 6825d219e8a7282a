// Package actor normalizes request identity into stable enterprise fields.
// Identity arrives from trusted gateway headers, falls back to JWT claims
// mapped through the policy's identity providers, then to role mapping over
// groups and entitlements, and finally to the channel default.
package actor

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/actiongate/actiongate/internal/domain/policy"
)

// RoleDenied is assigned when any group or entitlement hits a deny rule.
// It never appears in permission maps, so every check fails closed.
const RoleDenied = "denied"

// Identity sources, recorded for audit.
const (
	SourceHeaders = "headers"
	SourceJWT     = "jwt"
	SourceMapped  = "mapped"
	SourceChannel = "channel"
)

// Actor is the normalized identity attached to every admitted request.
type Actor struct {
	Sub              string   `json:"sub"`
	Email            string   `json:"email"`
	Name             string   `json:"name"`
	Role             string   `json:"role"`
	Channel          string   `json:"channel"`
	Groups           []string `json:"groups"`
	Entitlements     []string `json:"entitlements"`
	IdentityProvider string   `json:"identity_provider"`
	Source           string   `json:"source"`
}

// RoleForChannel returns the policy's channel default role. Unknown channels
// map to themselves, and an empty channel maps to "ui".
func RoleForChannel(doc *policy.Document, channel string) string {
	if doc != nil {
		if role, ok := doc.RBAC.Channels[channel]; ok && role != "" {
			return role
		}
	}
	if channel != "" {
		return channel
	}
	return "ui"
}

// splitCSV splits a comma- or semicolon-separated header or claim value.
// Lists of claims pass through element-wise.
func splitCSV(v any) []string {
	var parts []string
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		for _, item := range t {
			if s := strings.TrimSpace(stringifyClaim(item)); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	default:
		s := strings.TrimSpace(stringifyClaim(v))
		if s == "" {
			return nil
		}
		for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		return parts
	}
}

func stringifyClaim(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// firstClaim returns the first present claim among keys, or nil.
func firstClaim(claims map[string]any, keys []string, fallback string) any {
	if len(claims) == 0 {
		return nil
	}
	if len(keys) == 0 {
		keys = []string{fallback}
	}
	for _, k := range keys {
		if v, ok := claims[k]; ok {
			return v
		}
	}
	return nil
}

func firstClaimString(claims map[string]any, keys []string, fallback string) string {
	v := firstClaim(claims, keys, fallback)
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// DetectProvider picks the identity provider for a set of JWT claims using
// the policy's provider hint claims, falling back to the default provider.
func DetectProvider(doc *policy.Document, claims map[string]any) string {
	var ident policy.IdentityPolicy
	if doc != nil {
		ident = doc.Identity
	}
	def := ident.DefaultProvider
	if def == "" {
		def = "oidc"
	}
	for _, hint := range ident.ProviderHintClaims {
		v, ok := claims[hint].(string)
		if !ok || v == "" {
			continue
		}
		s := strings.ToLower(v)
		if strings.Contains(s, "saml") {
			return "saml"
		}
		for _, marker := range []string{"oidc", "auth0", "okta", "azure", "cognito"} {
			if strings.Contains(s, marker) {
				return "oidc"
			}
		}
	}
	return def
}

// deriveRole maps group or entitlement values to a role via
// rbac.role_mapping. Deny rules win outright. With first_match_wins the
// first matching ordered rule decides; otherwise every matching rule and
// exact-map source contributes a candidate and role_priority picks one.
func deriveRole(rm policy.RoleMapping, values []string, claimName string) string {
	var denyClauses []policy.WhenClause
	var rules []policy.RoleRule
	if strings.EqualFold(claimName, "groups") {
		denyClauses = rm.Deny.Groups
		rules = rm.GroupRules
	} else {
		denyClauses = rm.Deny.Entitlements
		rules = rm.EntitlementRules
	}

	for _, v := range values {
		for _, clause := range denyClauses {
			if clause.Matches(v) {
				return RoleDenied
			}
		}
	}

	ruleMatches := func(rule policy.RoleRule) bool {
		for _, v := range values {
			if rule.When.Matches(v) {
				return true
			}
		}
		return false
	}

	if rm.FirstMatch() {
		for _, rule := range rules {
			if rule.Role == "" {
				continue
			}
			if ruleMatches(rule) {
				return rule.Role
			}
		}
	}

	var candidates []string
	for _, src := range rm.Sources {
		if src.Claim == "" || !strings.EqualFold(src.Claim, claimName) {
			continue
		}
		for _, v := range values {
			if role, ok := src.Map[v]; ok && role != "" {
				candidates = append(candidates, role)
			}
		}
	}
	if !rm.FirstMatch() {
		for _, rule := range rules {
			if rule.Role != "" && ruleMatches(rule) {
				candidates = append(candidates, rule.Role)
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	priority := rm.RolePriority
	if len(priority) == 0 {
		priority = []string{"system", "supervisor", "operator", "ui"}
	}
	rank := func(role string) int {
		for i, r := range priority {
			if r == role {
				return i
			}
		}
		return len(priority) + 1
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if rank(c) < rank(best) {
			best = c
		}
	}
	return best
}

// Normalize builds the actor for a request. Header identity wins; JWT claims
// fill gaps; role mapping and channel defaults cover a missing role.
func Normalize(doc *policy.Document, header http.Header, channel string, claims map[string]any) Actor {
	provider := DetectProvider(doc, claims)
	var claimMap policy.ProviderClaims
	if doc != nil {
		claimMap = doc.Identity.Providers[provider]
	}

	first := func(names ...string) string {
		for _, n := range names {
			if v := strings.TrimSpace(header.Get(n)); v != "" {
				return v
			}
		}
		return ""
	}

	a := Actor{
		Channel:          channel,
		IdentityProvider: provider,
		Sub:              first("X-User-Id", "X-Subject", "X-User"),
		Email:            first("X-User-Email", "X-Email"),
		Role:             first("X-User-Role", "X-Role"),
		Name:             first("X-User-Name", "X-Name"),
		Groups:           splitCSV(first("X-User-Groups", "X-Groups")),
		Entitlements:     splitCSV(first("X-User-Entitlements", "X-Entitlements")),
	}

	// Source records which layer resolved the role.
	if a.Role != "" {
		a.Source = SourceHeaders
	}

	if a.Sub == "" {
		a.Sub = firstClaimString(claims, claimMap.Sub, "sub")
	}
	if a.Email == "" {
		a.Email = firstClaimString(claims, claimMap.Email, "email")
	}
	if a.Name == "" {
		a.Name = firstClaimString(claims, claimMap.Name, "name")
	}
	if len(a.Groups) == 0 {
		a.Groups = splitCSV(firstClaim(claims, claimMap.Groups, "groups"))
	}
	if len(a.Entitlements) == 0 {
		a.Entitlements = splitCSV(firstClaim(claims, claimMap.Entitlements, "entitlements"))
	}
	if a.Role == "" {
		if role := firstClaimString(claims, []string{"role"}, "role"); role != "" {
			a.Role = role
			a.Source = SourceJWT
		}
	}

	if a.Role == "" && doc != nil {
		rm := doc.RBAC.RoleMapping
		derived := deriveRole(rm, a.Groups, "groups")
		if derived == "" {
			derived = deriveRole(rm, a.Entitlements, "entitlements")
		}
		if derived != "" {
			a.Role = derived
			a.Source = SourceMapped
		}
	}

	if a.Role == "" {
		a.Role = RoleForChannel(doc, channel)
		a.Source = SourceChannel
	}
	return a
}
