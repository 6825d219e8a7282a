// Package policy defines the governance policy document: the hot-reloadable
// configuration that drives card transitions, RBAC, actor normalization,
// audit shaping, idempotency, and approval gating. The document is stored as
// YAML on disk, patched as JSON, and addressed by an ETag computed over its
// canonical JSON form.
package policy

// Card statuses the transition table may reference.
const (
	CardStatusTodo       = "todo"
	CardStatusInProgress = "in_progress"
	CardStatusBlocked    = "blocked"
	CardStatusResolved   = "resolved"
)

// AllowedCardStatuses lists every valid card status, in display order.
var AllowedCardStatuses = []string{CardStatusTodo, CardStatusInProgress, CardStatusBlocked, CardStatusResolved}

// Document is the complete governance policy. Zero values for optional
// sections mean "absent"; accessor methods apply the documented defaults.
type Document struct {
	Revision  int    `json:"revision" yaml:"revision"`
	UpdatedAt string `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`

	CardStatus      CardStatusPolicy      `json:"card_status_policy" yaml:"card_status_policy"`
	RBAC            RBACPolicy            `json:"rbac,omitempty" yaml:"rbac,omitempty"`
	Identity        IdentityPolicy        `json:"identity,omitempty" yaml:"identity,omitempty"`
	Audit           AuditPolicy           `json:"audit,omitempty" yaml:"audit,omitempty"`
	Idempotency     IdempotencyPolicy     `json:"idempotency,omitempty" yaml:"idempotency,omitempty"`
	IdempotencyTTL  IdempotencyLifecycle  `json:"idempotency_policy,omitempty" yaml:"idempotency_policy,omitempty"`
	ActionApproval  ActionApprovalPolicy  `json:"action_approval_policy,omitempty" yaml:"action_approval_policy,omitempty"`
	PendingAction   PendingActionPolicy   `json:"pending_action_policy,omitempty" yaml:"pending_action_policy,omitempty"`
	Materialization MaterializationPolicy `json:"materialization_policy,omitempty" yaml:"materialization_policy,omitempty"`
}

// CardStatusPolicy governs the kanban card state machine.
type CardStatusPolicy struct {
	AllowedTransitions map[string][]string `json:"allowed_transitions" yaml:"allowed_transitions"`
	ApprovalGate       ApprovalGate        `json:"approval_gate,omitempty" yaml:"approval_gate,omitempty"`
	SLAGuardrails      SLAGuardrails       `json:"sla_guardrails,omitempty" yaml:"sla_guardrails,omitempty"`
}

// TransitionAllowed reports whether from -> to appears in the table.
// A status missing from the table allows nothing.
func (c CardStatusPolicy) TransitionAllowed(from, to string) bool {
	for _, dst := range c.AllowedTransitions[from] {
		if dst == to {
			return true
		}
	}
	return false
}

// ApprovalGate wraps per-transition approval requirements. Only the resolve
// transition is gated today.
type ApprovalGate struct {
	Resolve ResolveGate `json:"resolve,omitempty" yaml:"resolve,omitempty"`
}

// ResolveGate describes when resolving a card needs an approved pending
// action instead of direct execution.
type ResolveGate struct {
	RequireChannel      string `json:"require_channel,omitempty" yaml:"require_channel,omitempty"`
	RequireHighRiskCase bool   `json:"require_high_risk_case,omitempty" yaml:"require_high_risk_case,omitempty"`
	HighRiskThreshold   int    `json:"high_risk_threshold,omitempty" yaml:"high_risk_threshold,omitempty"`
}

// IsZero reports whether the gate is entirely unconfigured. An unconfigured
// gate imposes no approval requirement on resolve.
func (r ResolveGate) IsZero() bool {
	return r.RequireChannel == "" && !r.RequireHighRiskCase && r.HighRiskThreshold == 0
}

// SLAGuardrails toggles the contextual payload requirements on card
// transitions. Nil pointers mean "use the default"; both default to enabled.
type SLAGuardrails struct {
	BlockedRequiresReason     *bool `json:"blocked_requires_reason,omitempty" yaml:"blocked_requires_reason,omitempty"`
	ResolvedRequiresTimestamp *bool `json:"resolved_requires_timestamp,omitempty" yaml:"resolved_requires_timestamp,omitempty"`
}

// BlockedNeedsReason reports whether a move to blocked must carry a reason.
func (s SLAGuardrails) BlockedNeedsReason() bool {
	return s.BlockedRequiresReason == nil || *s.BlockedRequiresReason
}

// ResolvedNeedsTimestamp reports whether a move to resolved must carry a
// resolution timestamp.
func (s SLAGuardrails) ResolvedNeedsTimestamp() bool {
	return s.ResolvedRequiresTimestamp == nil || *s.ResolvedRequiresTimestamp
}

// RBACPolicy holds channel defaults, role permissions, payload rules, the
// claim-to-role mapping, and per-role constraints.
type RBACPolicy struct {
	Channels           map[string]string `json:"channels,omitempty" yaml:"channels,omitempty"`
	Permissions        Permissions       `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Constraints        Constraints       `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	ActionPayloadRules []PayloadRule     `json:"action_payload_rules,omitempty" yaml:"action_payload_rules,omitempty"`
	RoleMapping        RoleMapping       `json:"role_mapping,omitempty" yaml:"role_mapping,omitempty"`
}

// Permissions maps role -> allowed action types, per verb. "*" grants all.
type Permissions struct {
	Approve map[string][]string `json:"approve,omitempty" yaml:"approve,omitempty"`
	Execute map[string][]string `json:"execute,omitempty" yaml:"execute,omitempty"`
}

// Constraints narrows what otherwise-permitted roles may do.
type Constraints struct {
	OperatorUpdateCardStatus OperatorCardConstraint `json:"operator_update_cardstatus,omitempty" yaml:"operator_update_cardstatus,omitempty"`
}

// OperatorCardConstraint blocks the operator role from specific card
// statuses even when UpdateCardStatus itself is permitted.
type OperatorCardConstraint struct {
	DenyNewStatus []string `json:"deny_new_status,omitempty" yaml:"deny_new_status,omitempty"`
}

// PayloadRule is one ordered entry of rbac.action_payload_rules. A rule
// applies when the action type matches and every `when` matcher matches the
// payload; it then enforces its role and risk conditions. Condition is an
// optional CEL expression evaluated with payload, role, and risk variables.
type PayloadRule struct {
	ActionType    string             `json:"action_type" yaml:"action_type"`
	When          map[string]Matcher `json:"when" yaml:"when"`
	Condition     string             `json:"condition,omitempty" yaml:"condition,omitempty"`
	RequireRoles  []string           `json:"require_roles,omitempty" yaml:"require_roles,omitempty"`
	DenyRoles     []string           `json:"deny_roles,omitempty" yaml:"deny_roles,omitempty"`
	RequireRiskGE *float64           `json:"require_risk_ge,omitempty" yaml:"require_risk_ge,omitempty"`
	Reason        string             `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// RoleMapping derives a role from identity claims.
type RoleMapping struct {
	Sources          []RoleSource `json:"sources,omitempty" yaml:"sources,omitempty"`
	GroupRules       []RoleRule   `json:"group_rules,omitempty" yaml:"group_rules,omitempty"`
	EntitlementRules []RoleRule   `json:"entitlement_rules,omitempty" yaml:"entitlement_rules,omitempty"`
	Deny             DenyRules    `json:"deny,omitempty" yaml:"deny,omitempty"`
	FirstMatchWins   *bool        `json:"first_match_wins,omitempty" yaml:"first_match_wins,omitempty"`
	RolePriority     []string     `json:"role_priority,omitempty" yaml:"role_priority,omitempty"`
}

// FirstMatch reports whether the first matching rule wins (the default).
// When false, all candidates are collected and role_priority picks one.
func (r RoleMapping) FirstMatch() bool {
	return r.FirstMatchWins == nil || *r.FirstMatchWins
}

// RoleSource maps exact claim values to roles.
type RoleSource struct {
	Claim string            `json:"claim" yaml:"claim"`
	Map   map[string]string `json:"map" yaml:"map"`
}

// RoleRule assigns a role when the clause matches any group/entitlement.
type RoleRule struct {
	Role string     `json:"role" yaml:"role"`
	When WhenClause `json:"when" yaml:"when"`
}

// DenyRules short-circuits role derivation to the denied role.
type DenyRules struct {
	Groups       []WhenClause `json:"groups,omitempty" yaml:"groups,omitempty"`
	Entitlements []WhenClause `json:"entitlements,omitempty" yaml:"entitlements,omitempty"`
}

// IdentityPolicy configures claim extraction per identity provider.
type IdentityPolicy struct {
	Providers          map[string]ProviderClaims `json:"providers,omitempty" yaml:"providers,omitempty"`
	DefaultProvider    string                    `json:"default_provider,omitempty" yaml:"default_provider,omitempty"`
	ProviderHintClaims []string                  `json:"provider_hint_claims,omitempty" yaml:"provider_hint_claims,omitempty"`
}

// ProviderClaims lists, in precedence order, the claim names that carry each
// identity attribute for one provider.
type ProviderClaims struct {
	Sub          []string `json:"sub,omitempty" yaml:"sub,omitempty"`
	Email        []string `json:"email,omitempty" yaml:"email,omitempty"`
	Name         []string `json:"name,omitempty" yaml:"name,omitempty"`
	Groups       []string `json:"groups,omitempty" yaml:"groups,omitempty"`
	Entitlements []string `json:"entitlements,omitempty" yaml:"entitlements,omitempty"`
}

// AuditPolicy shapes what request context is captured into audit envelopes.
type AuditPolicy struct {
	Request AuditRequestPolicy `json:"request,omitempty" yaml:"request,omitempty"`
}

// AuditRequestPolicy is the header/query capture configuration.
type AuditRequestPolicy struct {
	AllowlistHeaders  []PatternSpec `json:"allowlist_headers,omitempty" yaml:"allowlist_headers,omitempty"`
	RedactHeaders     []PatternSpec `json:"redact_headers,omitempty" yaml:"redact_headers,omitempty"`
	AllowlistQuery    []string      `json:"allowlist_query,omitempty" yaml:"allowlist_query,omitempty"`
	HeaderValueMaxLen *int          `json:"header_value_max_len,omitempty" yaml:"header_value_max_len,omitempty"`
	QueryValueMaxLen  *int          `json:"query_value_max_len,omitempty" yaml:"query_value_max_len,omitempty"`
}

// HeaderMaxLen returns the header value truncation limit (default 256).
func (a AuditRequestPolicy) HeaderMaxLen() int {
	if a.HeaderValueMaxLen != nil {
		return *a.HeaderValueMaxLen
	}
	return 256
}

// QueryMaxLen returns the query value truncation limit (default 256).
func (a AuditRequestPolicy) QueryMaxLen() int {
	if a.QueryValueMaxLen != nil {
		return *a.QueryValueMaxLen
	}
	return 256
}

// IdempotencyPolicy configures the public execute endpoint's idempotency.
type IdempotencyPolicy struct {
	Enabled    *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	HeaderName string `json:"header_name,omitempty" yaml:"header_name,omitempty"`
}

// IsEnabled reports whether idempotency capture is on (the default).
func (i IdempotencyPolicy) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

// Header returns the configured idempotency header name.
func (i IdempotencyPolicy) Header() string {
	if i.HeaderName != "" {
		return i.HeaderName
	}
	return "Idempotency-Key"
}

// IdempotencyLifecycle configures how long materialization idempotency
// records live before cleanup allows key reuse.
type IdempotencyLifecycle struct {
	TTLHours               *int `json:"ttl_hours,omitempty" yaml:"ttl_hours,omitempty"`
	CleanupIntervalSeconds *int `json:"cleanup_interval_seconds,omitempty" yaml:"cleanup_interval_seconds,omitempty"`
}

// TTL returns the materialization TTL in hours (default 24).
func (i IdempotencyLifecycle) TTL() int {
	if i.TTLHours != nil && *i.TTLHours > 0 {
		return *i.TTLHours
	}
	return 24
}

// ActionApprovalPolicy drives approval-requirement inference.
type ActionApprovalPolicy struct {
	ActionTypesRequireApproval        []string `json:"action_types_require_approval,omitempty" yaml:"action_types_require_approval,omitempty"`
	ActionTypesNoApproval             []string `json:"action_types_no_approval,omitempty" yaml:"action_types_no_approval,omitempty"`
	ExternalConnectorsRequireApproval *bool    `json:"external_connectors_require_approval,omitempty" yaml:"external_connectors_require_approval,omitempty"`
}

// ExternalNeedsApproval reports whether non-local execution targets require
// approval by default (true when unset).
func (a ActionApprovalPolicy) ExternalNeedsApproval() bool {
	return a.ExternalConnectorsRequireApproval == nil || *a.ExternalConnectorsRequireApproval
}

// Pending action statuses.
const (
	PendingStatusPending  = "pending"
	PendingStatusApproved = "approved"
	PendingStatusRejected = "rejected"
	PendingStatusExecuted = "executed"
	PendingStatusBlocked  = "blocked"
	PendingStatusCanceled = "canceled"
)

// AllowedPendingStatuses lists every valid pending-action status.
var AllowedPendingStatuses = []string{
	PendingStatusPending, PendingStatusApproved, PendingStatusRejected,
	PendingStatusExecuted, PendingStatusBlocked, PendingStatusCanceled,
}

// PendingActionPolicy governs the pending-action state machine.
type PendingActionPolicy struct {
	AllowedTransitions map[string][]string `json:"allowed_transitions,omitempty" yaml:"allowed_transitions,omitempty"`
}

func defaultPendingTransitions() map[string][]string {
	return map[string][]string{
		PendingStatusPending:  {PendingStatusApproved, PendingStatusRejected, PendingStatusCanceled, PendingStatusBlocked},
		PendingStatusApproved: {PendingStatusExecuted, PendingStatusBlocked, PendingStatusCanceled},
		PendingStatusRejected: {},
		PendingStatusExecuted: {},
		PendingStatusBlocked:  {},
		PendingStatusCanceled: {},
	}
}

// TransitionAllowed reports whether from -> to is permitted, applying the
// canonical table when the policy does not override it.
func (p PendingActionPolicy) TransitionAllowed(from, to string) bool {
	table := p.AllowedTransitions
	if len(table) == 0 {
		table = defaultPendingTransitions()
	}
	for _, dst := range table[from] {
		if dst == to {
			return true
		}
	}
	return false
}

// MaterializationPolicy governs re-materialization supersede behavior.
type MaterializationPolicy struct {
	SupersedeStatuses []string `json:"supersede_statuses,omitempty" yaml:"supersede_statuses,omitempty"`
}

// Supersedable returns the statuses canceled by a re-materialization
// (default pending and approved).
func (m MaterializationPolicy) Supersedable() []string {
	if len(m.SupersedeStatuses) > 0 {
		return m.SupersedeStatuses
	}
	return []string{PendingStatusPending, PendingStatusApproved}
}

// Default returns the built-in policy used when no policy file exists yet.
// It mirrors the shipped governance/policy.yaml.
func Default() *Document {
	return &Document{
		Revision: 1,
		CardStatus: CardStatusPolicy{
			AllowedTransitions: map[string][]string{
				CardStatusTodo:       {CardStatusInProgress, CardStatusBlocked},
				CardStatusInProgress: {CardStatusBlocked, CardStatusResolved},
				CardStatusBlocked:    {CardStatusInProgress},
				CardStatusResolved:   {},
			},
			ApprovalGate: ApprovalGate{
				Resolve: ResolveGate{
					RequireChannel:      "ops_console",
					RequireHighRiskCase: true,
					HighRiskThreshold:   70,
				},
			},
		},
		RBAC: RBACPolicy{
			Channels: map[string]string{
				"ops_console": "operator",
				"api":         "service",
			},
			Permissions: Permissions{
				Approve: map[string][]string{
					"approver": {"*"},
					"admin":    {"*"},
				},
				Execute: map[string][]string{
					"operator": {"UpdateCardStatus", "RequestInfo"},
					"service":  {"*"},
					"admin":    {"*"},
				},
			},
		},
		Idempotency: IdempotencyPolicy{HeaderName: "Idempotency-Key"},
	}
}
