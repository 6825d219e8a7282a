// Package memory provides the in-memory implementation of the action
// store. It backs unit tests and dev mode; production deployments use the
// postgres adapter.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/actiongate/actiongate/internal/domain/action"
)

// Store is a mutex-serialized in-memory action.Store. Transactions are
// serialized with a dedicated mutex; there is no rollback, so fn should
// fail before its first write whenever it can.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	cases            map[string]*action.Case
	cards            map[string]*action.KanbanCard
	pending          map[string]*action.PendingAction
	materializations map[string]*action.Materialization
	recommendations  []*action.Recommendation
	actions          []*action.Record
	idempotency      map[string]*action.IdempotencyRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		cases:            make(map[string]*action.Case),
		cards:            make(map[string]*action.KanbanCard),
		pending:          make(map[string]*action.PendingAction),
		materializations: make(map[string]*action.Materialization),
		idempotency:      make(map[string]*action.IdempotencyRecord),
	}
}

// WithTx serializes fn against all other transactions. Operations inside
// fn go through the same store.
func (s *Store) WithTx(ctx context.Context, fn func(action.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s)
}

// Ping reports the store as always reachable.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// clone round-trips through JSON so callers never alias stored maps.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		cp := *v
		return &cp
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		cp := *v
		return &cp
	}
	return out
}

func (s *Store) GetCase(ctx context.Context, caseID string) (*action.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil, action.ErrNotFound
	}
	return clone(c), nil
}

func (s *Store) ListCases(ctx context.Context, status string, limit int) ([]action.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]action.Case, 0, len(s.cases))
	for _, c := range s.cases {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, *clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateCase(ctx context.Context, c *action.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CaseID == "" {
		c.CaseID = uuid.NewString()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	s.cases[c.CaseID] = clone(c)
	return nil
}

func (s *Store) GetCard(ctx context.Context, cardID string) (*action.KanbanCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[cardID]
	if !ok {
		return nil, action.ErrNotFound
	}
	return clone(c), nil
}

func (s *Store) CreateCard(ctx context.Context, card *action.KanbanCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if card.CardID == "" {
		card.CardID = uuid.NewString()
	}
	if card.LastActivityAt.IsZero() {
		card.LastActivityAt = time.Now().UTC()
	}
	s.cards[card.CardID] = clone(card)
	return nil
}

func (s *Store) UpdateCardStatus(ctx context.Context, cardID, newStatus, blockedReason string, resolvedAt *time.Time) (*action.KanbanCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return nil, action.ErrNotFound
	}
	c.Status = newStatus
	c.BlockedReason = ""
	c.ResolvedAt = nil
	if newStatus == "blocked" {
		c.BlockedReason = blockedReason
	}
	if newStatus == "resolved" {
		c.ResolvedAt = resolvedAt
	}
	c.LastActivityAt = time.Now().UTC()
	return clone(c), nil
}

func (s *Store) GetPendingAction(ctx context.Context, pendingID string) (*action.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pa, ok := s.pending[pendingID]
	if !ok {
		return nil, action.ErrNotFound
	}
	return clone(pa), nil
}

// GetPendingActionForUpdate has no row locks here; WithTx serialization
// provides the exclusion.
func (s *Store) GetPendingActionForUpdate(ctx context.Context, pendingID string) (*action.PendingAction, error) {
	return s.GetPendingAction(ctx, pendingID)
}

func (s *Store) ListPendingActions(ctx context.Context, f action.PendingFilter) ([]action.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]action.PendingAction, 0, len(s.pending))
	for _, pa := range s.pending {
		if f.CaseID != "" && pa.CaseID != f.CaseID {
			continue
		}
		if f.CardID != "" && pa.CardID != f.CardID {
			continue
		}
		if f.Status != "" && pa.Status != f.Status {
			continue
		}
		out = append(out, *clone(pa))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Rank < out[j].Rank
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CreatePendingAction(ctx context.Context, pa *action.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pa.PendingID == "" {
		pa.PendingID = uuid.NewString()
	}
	now := time.Now().UTC()
	if pa.CreatedAt.IsZero() {
		pa.CreatedAt = now
	}
	if pa.UpdatedAt.IsZero() {
		pa.UpdatedAt = now
	}
	s.pending[pa.PendingID] = clone(pa)
	return nil
}

func (s *Store) UpdatePendingAction(ctx context.Context, pa *action.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[pa.PendingID]; !ok {
		return action.ErrNotFound
	}
	pa.UpdatedAt = time.Now().UTC()
	s.pending[pa.PendingID] = clone(pa)
	return nil
}

func (s *Store) SupersedePendingActions(ctx context.Context, cardID string, statuses []string, materializationID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	statusSet := make(map[string]struct{}, len(statuses))
	for _, st := range statuses {
		statusSet[st] = struct{}{}
	}
	var canceled []string
	for _, pa := range s.pending {
		if pa.CardID != cardID {
			continue
		}
		if _, ok := statusSet[pa.Status]; !ok {
			continue
		}
		pa.Status = "canceled"
		pa.SupersededByMaterializationID = materializationID
		supersededAt := at
		pa.SupersededAt = &supersededAt
		if pa.CanceledReason == "" {
			pa.CanceledReason = "superseded"
		}
		pa.ExecutionResult = pa.ExecutionResult + " | superseded_by=" + materializationID
		pa.UpdatedAt = at
		canceled = append(canceled, pa.PendingID)
	}
	sort.Strings(canceled)
	return canceled, nil
}

func (s *Store) GetMaterialization(ctx context.Context, endpoint, subject, cardID, idempotencyKey string) (*action.Materialization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.materializations {
		if m.Endpoint == endpoint && m.Subject == subject && m.CardID == cardID && m.IdempotencyKey == idempotencyKey {
			return clone(m), nil
		}
	}
	return nil, action.ErrNotFound
}

func (s *Store) CreateMaterialization(ctx context.Context, m *action.Materialization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.MaterializationID == "" {
		m.MaterializationID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	for _, existing := range s.materializations {
		if existing.Endpoint == m.Endpoint && existing.Subject == m.Subject &&
			existing.CardID == m.CardID && existing.IdempotencyKey == m.IdempotencyKey {
			return action.ErrDuplicateKey
		}
	}
	s.materializations[m.MaterializationID] = clone(m)
	return nil
}

func (s *Store) DeleteMaterialization(ctx context.Context, materializationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.materializations, materializationID)
	return nil
}

func (s *Store) DeleteExpiredMaterializations(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.materializations {
		if m.CreatedAt.Before(cutoff) {
			delete(s.materializations, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateRecommendation(ctx context.Context, r *action.Recommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.RecommendationID == "" {
		r.RecommendationID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.recommendations = append(s.recommendations, clone(r))
	return nil
}

func (s *Store) ListRecommendationsByMaterialization(ctx context.Context, materializationID string) ([]action.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []action.Recommendation
	for _, r := range s.recommendations {
		if r.MaterializationID == materializationID {
			out = append(out, *clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (s *Store) ListRecommendationsByCase(ctx context.Context, caseID string, limit int) ([]action.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []action.Recommendation
	for _, r := range s.recommendations {
		if r.CaseID == caseID {
			out = append(out, *clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Rank < out[j].Rank
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendAction(ctx context.Context, rec *action.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ActionID == "" {
		rec.ActionID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.actions = append(s.actions, clone(rec))
	return nil
}

func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]action.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]action.Record, 0, len(s.actions))
	for i := len(s.actions) - 1; i >= 0; i-- {
		out = append(out, *clone(s.actions[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListActionsByCase(ctx context.Context, caseID string, limit int) ([]action.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []action.Record
	for i := len(s.actions) - 1; i >= 0; i-- {
		if s.actions[i].CaseID != caseID {
			continue
		}
		out = append(out, *clone(s.actions[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (*action.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return nil, action.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) PutIdempotency(ctx context.Context, rec *action.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idempotency[rec.Key]; ok {
		return action.ErrDuplicateKey
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.idempotency[rec.Key] = clone(rec)
	return nil
}

// Compile-time interface verification.
var _ action.Store = (*Store)(nil)
