package action

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by the store adapters.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned on unique-constraint violations, notably
	// idempotency key inserts racing each other.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Store is the transactional persistence contract. Adapters implement it
// for Postgres and in-memory. Interfaces live in the domain package;
// services depend on them, never on a concrete adapter.
type Store interface {
	CaseStore
	CardStore
	PendingActionStore
	MaterializationStore
	RecommendationStore
	AuditStore
	IdempotencyStore

	// WithTx runs fn inside a transaction. The Store passed to fn operates
	// on that transaction; pending-action reads inside it take row locks
	// where the backend supports them. A returned error rolls back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error
}

// CaseStore reads cases.
type CaseStore interface {
	GetCase(ctx context.Context, caseID string) (*Case, error)
	ListCases(ctx context.Context, status string, limit int) ([]Case, error)
	// CreateCase exists for seeding and tests.
	CreateCase(ctx context.Context, c *Case) error
}

// CardStore reads and transitions kanban cards.
type CardStore interface {
	GetCard(ctx context.Context, cardID string) (*KanbanCard, error)
	CreateCard(ctx context.Context, card *KanbanCard) error
	// UpdateCardStatus applies the already-validated transition. The
	// blocked reason is cleared unless the new status is blocked, and the
	// resolved timestamp is cleared unless the new status is resolved.
	UpdateCardStatus(ctx context.Context, cardID, newStatus, blockedReason string, resolvedAt *time.Time) (*KanbanCard, error)
}

// PendingActionStore manages the approval lifecycle rows.
type PendingActionStore interface {
	GetPendingAction(ctx context.Context, pendingID string) (*PendingAction, error)
	// GetPendingActionForUpdate locks the row for the enclosing
	// transaction. Outside a transaction it behaves like GetPendingAction.
	GetPendingActionForUpdate(ctx context.Context, pendingID string) (*PendingAction, error)
	ListPendingActions(ctx context.Context, f PendingFilter) ([]PendingAction, error)
	CreatePendingAction(ctx context.Context, pa *PendingAction) error
	// UpdatePendingAction persists the mutated row by pending_id.
	UpdatePendingAction(ctx context.Context, pa *PendingAction) error
	// SupersedePendingActions cancels all pending actions for the card in
	// one of the given statuses, stamping the superseding materialization.
	// It returns the ids of the canceled rows.
	SupersedePendingActions(ctx context.Context, cardID string, statuses []string, materializationID string, at time.Time) ([]string, error)
}

// MaterializationStore manages generator-run records.
type MaterializationStore interface {
	GetMaterialization(ctx context.Context, endpoint, subject, cardID, idempotencyKey string) (*Materialization, error)
	CreateMaterialization(ctx context.Context, m *Materialization) error
	DeleteMaterialization(ctx context.Context, materializationID string) error
	// DeleteExpiredMaterializations removes rows with created_at before the
	// cutoff and returns how many were deleted.
	DeleteExpiredMaterializations(ctx context.Context, cutoff time.Time) (int, error)
}

// RecommendationStore persists scored proposals.
type RecommendationStore interface {
	CreateRecommendation(ctx context.Context, r *Recommendation) error
	ListRecommendationsByMaterialization(ctx context.Context, materializationID string) ([]Recommendation, error)
	ListRecommendationsByCase(ctx context.Context, caseID string, limit int) ([]Recommendation, error)
}

// AuditStore appends and reads audit rows. Append-only.
type AuditStore interface {
	AppendAction(ctx context.Context, rec *Record) error
	ListRecentActions(ctx context.Context, limit int) ([]Record, error)
	ListActionsByCase(ctx context.Context, caseID string, limit int) ([]Record, error)
}

// IdempotencyStore is the global key store for the public execute endpoint.
type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)
	// PutIdempotency inserts the record; ErrDuplicateKey on races.
	PutIdempotency(ctx context.Context, rec *IdempotencyRecord) error
}
