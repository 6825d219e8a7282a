// Package approval infers whether an action needs human approval before
// execution.
package approval

import (
	"strings"

	"github.com/actiongate/actiongate/internal/domain/policy"
)

// TargetLocalDB is the execution target that never counts as an external
// connector.
const TargetLocalDB = "local_db"

// Required decides whether an action must go through the pending-action
// approval flow. Checks run in order:
//  1. action_types_no_approval exempts the type.
//  2. action_types_require_approval forces approval.
//  3. UpdateCardStatus to resolved inherits the card resolve gate; an
//     unconfigured gate imposes nothing.
//  4. External connectors require approval unless the policy opts out.
func Required(doc *policy.Document, actionType string, payload map[string]any, executionTarget string) bool {
	if doc == nil {
		return false
	}
	at := strings.TrimSpace(actionType)
	ap := doc.ActionApproval

	for _, t := range ap.ActionTypesNoApproval {
		if t == at {
			return false
		}
	}
	for _, t := range ap.ActionTypesRequireApproval {
		if t == at {
			return true
		}
	}

	if at == "UpdateCardStatus" {
		ns, _ := payload["new_status"].(string)
		if strings.TrimSpace(ns) == policy.CardStatusResolved {
			return !doc.CardStatus.ApprovalGate.Resolve.IsZero()
		}
		return false
	}

	if ap.ExternalNeedsApproval() && executionTarget != TargetLocalDB {
		return true
	}
	return false
}
