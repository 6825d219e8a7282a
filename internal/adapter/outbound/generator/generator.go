// Package generator produces recommendation and proposed-action bundles for
// a card. The runtime treats the generator as opaque: whatever it proposes
// still passes admission, approval, and guardrails downstream.
package generator

import (
	"context"
	"fmt"

	"github.com/actiongate/actiongate/internal/domain/action"
)

// Proposal is one proposed action from a generator run.
type Proposal struct {
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload"`
	Rationale  string         `json:"rationale,omitempty"`
}

// Result is the full generator output for one card.
type Result struct {
	OK             bool           `json:"ok"`
	Message        string         `json:"message"`
	Recommendation map[string]any `json:"recommendation"`
	Proposals      []Proposal     `json:"proposals"`
}

// Context is the card and case the generator reasons over.
type Context struct {
	Card *action.KanbanCard
	Case *action.Case
}

// Generator proposes actions for a card.
type Generator interface {
	Name() string
	Generate(ctx context.Context, gc Context, objective string) (*Result, error)
}

// Mock is a deterministic offline generator. Proposals depend only on the
// card status and the case risk score, which keeps materialization flows
// reproducible in tests and demos.
type Mock struct{}

// Name implements Generator.
func (m *Mock) Name() string { return "mock" }

// Generate implements Generator.
func (m *Mock) Generate(_ context.Context, gc Context, objective string) (*Result, error) {
	if gc.Card == nil {
		return nil, fmt.Errorf("generator: card is required")
	}

	riskScore := 70
	confidence := 0.7
	resourceID := "unknown"
	if gc.Case != nil {
		if gc.Case.RiskScore != 0 {
			riskScore = gc.Case.RiskScore
		}
		if gc.Case.Confidence != 0 {
			confidence = gc.Case.Confidence
		}
		if gc.Case.ResourceID != "" {
			resourceID = gc.Case.ResourceID
		}
	}

	rec := map[string]any{
		"title":      "Mitigate operational risk with governed actions",
		"summary":    fmt.Sprintf("Resource %s is at risk (risk_score=%d). Current card status=%s.", resourceID, riskScore, gc.Card.Status),
		"objective":  objective,
		"confidence": confidence,
		"risk_score": riskScore,
	}

	var proposals []Proposal

	if gc.Card.Status == "todo" {
		proposals = append(proposals, Proposal{
			ActionType: "UpdateCardStatus",
			Payload: map[string]any{
				"card_id":    gc.Card.CardID,
				"new_status": "in_progress",
				"note":       "Start mitigation workflow (auto-proposed).",
			},
			Rationale: "Make the risk visible and start the response workflow.",
		})
	}

	if riskScore >= 80 {
		proposals = append(proposals, Proposal{
			ActionType: "UpdateCardStatus",
			Payload: map[string]any{
				"card_id":        gc.Card.CardID,
				"new_status":     "blocked",
				"blocked_reason": "High risk detected; awaiting confirmation or contingency capacity.",
			},
			Rationale: "Blocking forces an explicit resolution path and SLA tracking.",
		})
	}

	priority := "normal"
	if riskScore >= 80 {
		priority = "high"
	}
	proposals = append(proposals,
		Proposal{
			ActionType: "ExpediteShipment",
			Payload: map[string]any{
				"resource_id": resourceID,
				"priority":    priority,
				"reason":      "Reduce lead-time risk (auto-proposed).",
			},
			Rationale: "Execution step to reduce lead time exposure.",
		},
		Proposal{
			ActionType: "TriggerPurchase",
			Payload: map[string]any{
				"resource_id": resourceID,
				"qty":         float64(50),
				"reason":      "Buffer stock for at-risk resource (auto-proposed).",
			},
			Rationale: "Increase safety stock to absorb supply volatility.",
		},
	)

	return &Result{
		OK:             true,
		Message:        "ok (mock)",
		Recommendation: rec,
		Proposals:      proposals,
	}, nil
}

var _ Generator = (*Mock)(nil)
