// Package postgres implements the action store on PostgreSQL via lib/pq.
// Pending-action mutations take row locks (SELECT ... FOR UPDATE) inside
// WithTx so decide/execute/supersede never interleave on the same row.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/actiongate/actiongate/internal/domain/action"
)

//go:embed schema.sql
var schemaSQL string

// pq unique_violation.
const uniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL action.Store.
type Store struct {
	db *sql.DB
	q  querier
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// Open connects with the lib/pq driver and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// Init applies the embedded schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping implements the health check.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx runs fn in a transaction. Nested calls reuse the open transaction.
func (s *Store) WithTx(ctx context.Context, fn func(action.Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return action.ErrDuplicateKey
	}
	return err
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode jsonb: %w", err)
	}
	return m, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const caseCols = "case_id, resource_id, risk_score, confidence, status, root_signals, updated_at"

func scanCase(sc scanner) (*action.Case, error) {
	var c action.Case
	var signals []byte
	if err := sc.Scan(&c.CaseID, &c.ResourceID, &c.RiskScore, &c.Confidence, &c.Status, &signals, &c.UpdatedAt); err != nil {
		return nil, err
	}
	m, err := unmarshalJSON(signals)
	if err != nil {
		return nil, err
	}
	c.RootSignals = m
	return &c, nil
}

func (s *Store) GetCase(ctx context.Context, caseID string) (*action.Case, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+caseCols+" FROM agent_cases WHERE case_id = $1", caseID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, action.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	return c, nil
}

func (s *Store) ListCases(ctx context.Context, status string, limit int) ([]action.Case, error) {
	query := "SELECT " + caseCols + " FROM agent_cases WHERE ($1 = '' OR status = $1) ORDER BY updated_at DESC"
	args := []any{status}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	out := make([]action.Case, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("list cases: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) CreateCase(ctx context.Context, c *action.Case) error {
	if c.CaseID == "" {
		c.CaseID = uuid.NewString()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	signals, err := marshalJSON(c.RootSignals)
	if err != nil {
		return fmt.Errorf("encode root_signals: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO agent_cases (case_id, resource_id, risk_score, confidence, status, root_signals, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.CaseID, c.ResourceID, c.RiskScore, c.Confidence, c.Status, signals, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create case: %w", mapErr(err))
	}
	return nil
}

const cardCols = "card_id, case_id, status, blocked_reason, resolved_at, last_activity_at"

func scanCard(sc scanner) (*action.KanbanCard, error) {
	var c action.KanbanCard
	var reason sql.NullString
	var resolvedAt sql.NullTime
	if err := sc.Scan(&c.CardID, &c.CaseID, &c.Status, &reason, &resolvedAt, &c.LastActivityAt); err != nil {
		return nil, err
	}
	c.BlockedReason = reason.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

func (s *Store) GetCard(ctx context.Context, cardID string) (*action.KanbanCard, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+cardCols+" FROM kanban_cards WHERE card_id = $1", cardID)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, action.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	return c, nil
}

func (s *Store) CreateCard(ctx context.Context, card *action.KanbanCard) error {
	if card.CardID == "" {
		card.CardID = uuid.NewString()
	}
	if card.LastActivityAt.IsZero() {
		card.LastActivityAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO kanban_cards (card_id, case_id, status, blocked_reason, resolved_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		card.CardID, card.CaseID, card.Status, nullStr(card.BlockedReason), nullTime(card.ResolvedAt), card.LastActivityAt)
	if err != nil {
		return fmt.Errorf("create card: %w", mapErr(err))
	}
	return nil
}

func (s *Store) UpdateCardStatus(ctx context.Context, cardID, newStatus, blockedReason string, resolvedAt *time.Time) (*action.KanbanCard, error) {
	row := s.q.QueryRowContext(ctx,
		`UPDATE kanban_cards
		 SET status = $2,
		     blocked_reason = CASE WHEN $2 = 'blocked' THEN $3 ELSE NULL END,
		     resolved_at = CASE WHEN $2 = 'resolved' THEN $4 ELSE NULL END,
		     last_activity_at = now()
		 WHERE card_id = $1
		 RETURNING `+cardCols,
		cardID, newStatus, nullStr(blockedReason), nullTime(resolvedAt))
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, action.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update card status: %w", err)
	}
	return c, nil
}

const pendingCols = `pending_id, case_id, card_id, materialization_id, status, approval_required,
	action_type, action_payload, rationale, rank, approved_by, approved_at,
	executed_action_id, execution_result,
	decision_idempotency_key, decision_request_hash,
	execution_idempotency_key, execution_request_hash,
	superseded_by_materialization_id, superseded_at, canceled_reason,
	created_at, updated_at`

func scanPending(sc scanner) (*action.PendingAction, error) {
	var pa action.PendingAction
	var payload []byte
	var matID, rationale, approvedBy, executedID, execResult sql.NullString
	var decKey, decHash, execKey, execHash, supersededBy, canceledReason sql.NullString
	var approvedAt, supersededAt sql.NullTime
	err := sc.Scan(
		&pa.PendingID, &pa.CaseID, &pa.CardID, &matID, &pa.Status, &pa.ApprovalRequired,
		&pa.ActionType, &payload, &rationale, &pa.Rank, &approvedBy, &approvedAt,
		&executedID, &execResult,
		&decKey, &decHash,
		&execKey, &execHash,
		&supersededBy, &supersededAt, &canceledReason,
		&pa.CreatedAt, &pa.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m, err := unmarshalJSON(payload)
	if err != nil {
		return nil, err
	}
	pa.ActionPayload = m
	pa.MaterializationID = matID.String
	pa.Rationale = rationale.String
	pa.ApprovedBy = approvedBy.String
	pa.ExecutedActionID = executedID.String
	pa.ExecutionResult = execResult.String
	pa.DecisionIdempotencyKey = decKey.String
	pa.DecisionRequestHash = decHash.String
	pa.ExecutionIdempotencyKey = execKey.String
	pa.ExecutionRequestHash = execHash.String
	pa.SupersededByMaterializationID = supersededBy.String
	pa.CanceledReason = canceledReason.String
	if approvedAt.Valid {
		t := approvedAt.Time
		pa.ApprovedAt = &t
	}
	if supersededAt.Valid {
		t := supersededAt.Time
		pa.SupersededAt = &t
	}
	return &pa, nil
}

func (s *Store) getPendingAction(ctx context.Context, pendingID, suffix string) (*action.PendingAction, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+pendingCols+" FROM pending_actions WHERE pending_id = $1"+suffix, pendingID)
	pa, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, action.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending action: %w", err)
	}
	return pa, nil
}

func (s *Store) GetPendingAction(ctx context.Context, pendingID string) (*action.PendingAction, error) {
	return s.getPendingAction(ctx, pendingID, "")
}

// GetPendingActionForUpdate locks the row for the enclosing transaction.
func (s *Store) GetPendingActionForUpdate(ctx context.Context, pendingID string) (*action.PendingAction, error) {
	if _, ok := s.q.(*sql.Tx); !ok {
		return s.GetPendingAction(ctx, pendingID)
	}
	return s.getPendingAction(ctx, pendingID, " FOR UPDATE")
}

func (s *Store) ListPendingActions(ctx context.Context, f action.PendingFilter) ([]action.PendingAction, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.CaseID != "" {
		add("case_id = $%d", f.CaseID)
	}
	if f.CardID != "" {
		add("card_id = $%d", f.CardID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	query := "SELECT " + pendingCols + " FROM pending_actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, rank ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	out := make([]action.PendingAction, 0)
	for rows.Next() {
		pa, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending actions: %w", err)
		}
		out = append(out, *pa)
	}
	return out, rows.Err()
}

func (s *Store) CreatePendingAction(ctx context.Context, pa *action.PendingAction) error {
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
	payload, err := marshalJSON(pa.ActionPayload)
	if err != nil {
		return fmt.Errorf("encode action_payload: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO pending_actions (
			pending_id, case_id, card_id, materialization_id, status, approval_required,
			action_type, action_payload, rationale, rank, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		pa.PendingID, pa.CaseID, pa.CardID, nullStr(pa.MaterializationID), pa.Status, pa.ApprovalRequired,
		pa.ActionType, payload, nullStr(pa.Rationale), pa.Rank, pa.CreatedAt, pa.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create pending action: %w", mapErr(err))
	}
	return nil
}

func (s *Store) UpdatePendingAction(ctx context.Context, pa *action.PendingAction) error {
	pa.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx,
		`UPDATE pending_actions SET
			status = $2,
			approved_by = $3,
			approved_at = $4,
			executed_action_id = $5,
			execution_result = $6,
			decision_idempotency_key = $7,
			decision_request_hash = $8,
			execution_idempotency_key = $9,
			execution_request_hash = $10,
			updated_at = $11
		 WHERE pending_id = $1`,
		pa.PendingID, pa.Status, nullStr(pa.ApprovedBy), nullTime(pa.ApprovedAt),
		nullStr(pa.ExecutedActionID), nullStr(pa.ExecutionResult),
		nullStr(pa.DecisionIdempotencyKey), nullStr(pa.DecisionRequestHash),
		nullStr(pa.ExecutionIdempotencyKey), nullStr(pa.ExecutionRequestHash),
		pa.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update pending action: %w", mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pending action: %w", err)
	}
	if n == 0 {
		return action.ErrNotFound
	}
	return nil
}

func (s *Store) SupersedePendingActions(ctx context.Context, cardID string, statuses []string, materializationID string, at time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`UPDATE pending_actions SET
			status = 'canceled',
			superseded_by_materialization_id = $3,
			superseded_at = $4,
			canceled_reason = COALESCE(NULLIF(canceled_reason, ''), 'superseded'),
			execution_result = COALESCE(execution_result, '') || ' | superseded_by=' || $3,
			updated_at = $4
		 WHERE card_id = $1 AND status = ANY($2)
		 RETURNING pending_id`,
		cardID, pq.Array(statuses), materializationID, at)
	if err != nil {
		return nil, fmt.Errorf("supersede pending actions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("supersede pending actions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const matCols = "materialization_id, endpoint, subject, card_id, case_id, idempotency_key, request_hash, objective, source, created_at, expires_at"

func (s *Store) GetMaterialization(ctx context.Context, endpoint, subject, cardID, idempotencyKey string) (*action.Materialization, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+matCols+" FROM materializations WHERE endpoint = $1 AND subject = $2 AND card_id = $3 AND idempotency_key = $4",
		endpoint, subject, cardID, idempotencyKey)
	var m action.Materialization
	var objective, source sql.NullString
	err := row.Scan(&m.MaterializationID, &m.Endpoint, &m.Subject, &m.CardID, &m.CaseID,
		&m.IdempotencyKey, &m.RequestHash, &objective, &source, &m.CreatedAt, &m.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, action.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get materialization: %w", err)
	}
	m.Objective = objective.String
	m.Source = source.String
	return &m, nil
}

func (s *Store) CreateMaterialization(ctx context.Context, m *action.Materialization) error {
	if m.MaterializationID == "" {
		m.MaterializationID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO materializations (`+matCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.MaterializationID, m.Endpoint, m.Subject, m.CardID, m.CaseID,
		m.IdempotencyKey, m.RequestHash, nullStr(m.Objective), nullStr(m.Source), m.CreatedAt, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create materialization: %w", mapErr(err))
	}
	return nil
}

func (s *Store) DeleteMaterialization(ctx context.Context, materializationID string) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM materializations WHERE materialization_id = $1", materializationID)
	if err != nil {
		return fmt.Errorf("delete materialization: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredMaterializations(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, "DELETE FROM materializations WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired materializations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired materializations: %w", err)
	}
	return int(n), nil
}

const recCols = "recommendation_id, case_id, materialization_id, rank, action_type, action_payload, service_score, cost_score, risk_score, decision_score, created_at"

func scanRecommendation(sc scanner) (*action.Recommendation, error) {
	var r action.Recommendation
	var payload []byte
	if err := sc.Scan(&r.RecommendationID, &r.CaseID, &r.MaterializationID, &r.Rank, &r.ActionType,
		&payload, &r.ServiceScore, &r.CostScore, &r.RiskScore, &r.DecisionScore, &r.CreatedAt); err != nil {
		return nil, err
	}
	m, err := unmarshalJSON(payload)
	if err != nil {
		return nil, err
	}
	r.ActionPayload = m
	return &r, nil
}

func (s *Store) CreateRecommendation(ctx context.Context, r *action.Recommendation) error {
	if r.RecommendationID == "" {
		r.RecommendationID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalJSON(r.ActionPayload)
	if err != nil {
		return fmt.Errorf("encode action_payload: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO agent_recommendations (`+recCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.RecommendationID, r.CaseID, r.MaterializationID, r.Rank, r.ActionType,
		payload, r.ServiceScore, r.CostScore, r.RiskScore, r.DecisionScore, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create recommendation: %w", mapErr(err))
	}
	return nil
}

func (s *Store) listRecommendations(ctx context.Context, query string, args ...any) ([]action.Recommendation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	defer rows.Close()

	out := make([]action.Recommendation, 0)
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("list recommendations: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) ListRecommendationsByMaterialization(ctx context.Context, materializationID string) ([]action.Recommendation, error) {
	return s.listRecommendations(ctx,
		"SELECT "+recCols+" FROM agent_recommendations WHERE materialization_id = $1 ORDER BY rank ASC",
		materializationID)
}

func (s *Store) ListRecommendationsByCase(ctx context.Context, caseID string, limit int) ([]action.Recommendation, error) {
	query := "SELECT " + recCols + " FROM agent_recommendations WHERE case_id = $1 ORDER BY created_at DESC, rank ASC"
	args := []any{caseID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.listRecommendations(ctx, query, args...)
}

const actionCols = "action_id, case_id, channel, action_type, payload, result, created_at"

func scanRecord(sc scanner) (*action.Record, error) {
	var r action.Record
	var payload []byte
	var result sql.NullString
	if err := sc.Scan(&r.ActionID, &r.CaseID, &r.Channel, &r.ActionType, &payload, &result, &r.CreatedAt); err != nil {
		return nil, err
	}
	m, err := unmarshalJSON(payload)
	if err != nil {
		return nil, err
	}
	r.Payload = m
	r.Result = result.String
	return &r, nil
}

func (s *Store) AppendAction(ctx context.Context, rec *action.Record) error {
	if rec.ActionID == "" {
		rec.ActionID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalJSON(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO agent_actions (`+actionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ActionID, rec.CaseID, rec.Channel, rec.ActionType, payload, nullStr(rec.Result), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append action: %w", mapErr(err))
	}
	return nil
}

func (s *Store) listActions(ctx context.Context, query string, args ...any) ([]action.Record, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	out := make([]action.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list actions: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]action.Record, error) {
	return s.listActions(ctx,
		"SELECT "+actionCols+" FROM agent_actions ORDER BY created_at DESC LIMIT $1", limit)
}

func (s *Store) ListActionsByCase(ctx context.Context, caseID string, limit int) ([]action.Record, error) {
	return s.listActions(ctx,
		"SELECT "+actionCols+" FROM agent_actions WHERE case_id = $1 ORDER BY created_at DESC LIMIT $2",
		caseID, limit)
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (*action.IdempotencyRecord, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT key, request_hash, response, created_at FROM idempotency_keys WHERE key = $1", key)
	var rec action.IdempotencyRecord
	var response []byte
	err := row.Scan(&rec.Key, &rec.RequestHash, &response, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, action.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	m, err := unmarshalJSON(response)
	if err != nil {
		return nil, err
	}
	rec.Response = m
	return &rec, nil
}

func (s *Store) PutIdempotency(ctx context.Context, rec *action.IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	response, err := marshalJSON(rec.Response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, response, created_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.Key, rec.RequestHash, response, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("put idempotency: %w", mapErr(err))
	}
	return nil
}

// Compile-time interface verification.
var _ action.Store = (*Store)(nil)
