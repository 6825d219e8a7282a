// Package action defines the governed entities: cases, kanban cards,
// pending actions, materializations, recommendations, audit action rows,
// and idempotency records, together with the store contracts the adapters
// implement.
package action

import "time"

// Case is an operational investigation a card and its actions hang off.
// Identity is immutable; risk_score may change over time.
type Case struct {
	CaseID      string         `json:"case_id"`
	ResourceID  string         `json:"resource_id"`
	RiskScore   int            `json:"risk_score"`
	Confidence  float64        `json:"confidence"`
	Status      string         `json:"status"`
	RootSignals map[string]any `json:"root_signals,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// KanbanCard tracks work on a case through the policy state machine.
type KanbanCard struct {
	CardID         string     `json:"card_id"`
	CaseID         string     `json:"case_id"`
	Status         string     `json:"status"`
	BlockedReason  string     `json:"blocked_reason,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// PendingAction is a proposed action awaiting approval and execution.
type PendingAction struct {
	PendingID         string         `json:"pending_id"`
	CaseID            string         `json:"case_id"`
	CardID            string         `json:"card_id,omitempty"`
	MaterializationID string         `json:"materialization_id,omitempty"`
	Status            string         `json:"status"`
	ApprovalRequired  bool           `json:"approval_required"`
	ActionType        string         `json:"action_type"`
	ActionPayload     map[string]any `json:"action_payload"`
	Rationale         string         `json:"rationale,omitempty"`
	Rank              int            `json:"rank"`

	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	ExecutedActionID string `json:"executed_action_id,omitempty"`
	ExecutionResult  string `json:"execution_result,omitempty"`

	DecisionIdempotencyKey  string `json:"decision_idempotency_key,omitempty"`
	DecisionRequestHash     string `json:"decision_request_hash,omitempty"`
	ExecutionIdempotencyKey string `json:"execution_idempotency_key,omitempty"`
	ExecutionRequestHash    string `json:"execution_request_hash,omitempty"`

	SupersededByMaterializationID string     `json:"superseded_by_materialization_id,omitempty"`
	SupersededAt                  *time.Time `json:"superseded_at,omitempty"`
	CanceledReason                string     `json:"canceled_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Materialization records one generator run against a card. The tuple
// (endpoint, subject, card_id, idempotency_key) is unique.
type Materialization struct {
	MaterializationID string    `json:"materialization_id"`
	Endpoint          string    `json:"endpoint"`
	Subject           string    `json:"subject"`
	CardID            string    `json:"card_id"`
	CaseID            string    `json:"case_id"`
	IdempotencyKey    string    `json:"idempotency_key"`
	RequestHash       string    `json:"request_hash"`
	Objective         string    `json:"objective,omitempty"`
	Source            string    `json:"source,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Recommendation is one scored generator proposal, materialized for review.
type Recommendation struct {
	RecommendationID  string         `json:"recommendation_id"`
	CaseID            string         `json:"case_id"`
	MaterializationID string         `json:"materialization_id"`
	Rank              int            `json:"rank"`
	ActionType        string         `json:"action_type"`
	ActionPayload     map[string]any `json:"action_payload"`
	ServiceScore      int            `json:"service_score"`
	CostScore         int            `json:"cost_score"`
	RiskScore         int            `json:"risk_score"`
	DecisionScore     int            `json:"decision_score"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Record is one append-only audit row. Payload carries the `_audit`
// envelope; rows are never mutated after insert.
type Record struct {
	ActionID   string         `json:"action_id"`
	CaseID     string         `json:"case_id"`
	Channel    string         `json:"channel"`
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload"`
	Result     string         `json:"result"`
	CreatedAt  time.Time      `json:"created_at"`
}

// IdempotencyRecord stores the first response observed for a public
// execute Idempotency-Key.
type IdempotencyRecord struct {
	Key         string         `json:"key"`
	RequestHash string         `json:"request_hash"`
	Response    map[string]any `json:"response"`
	CreatedAt   time.Time      `json:"created_at"`
}

// PendingFilter narrows pending-action listings. Zero fields are ignored.
type PendingFilter struct {
	CaseID string
	CardID string
	Status string
	Limit  int
}
