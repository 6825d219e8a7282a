package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// requiredTables are the tables the runtime reads and writes. Readiness
// fails until the schema has been applied.
var requiredTables = []string{
	"agent_cases",
	"kanban_cards",
	"pending_actions",
	"materializations",
	"agent_recommendations",
	"agent_actions",
	"idempotency_keys",
}

// requiredExtensions back the schema's uuid defaults.
var requiredExtensions = []string{"pgcrypto"}

// Readiness is the result of a schema introspection pass.
type Readiness struct {
	Ready             bool     `json:"ready"`
	MissingTables     []string `json:"missing_tables,omitempty"`
	MissingExtensions []string `json:"missing_extensions,omitempty"`
}

// Readiness reports which required tables and extensions are absent.
func (s *Store) Readiness(ctx context.Context) (*Readiness, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename = ANY($1)",
		pq.Array(requiredTables))
	if err != nil {
		return nil, fmt.Errorf("introspect tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool, len(requiredTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("introspect tables: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect tables: %w", err)
	}

	r := &Readiness{Ready: true}
	for _, t := range requiredTables {
		if !present[t] {
			r.MissingTables = append(r.MissingTables, t)
		}
	}

	extRows, err := s.q.QueryContext(ctx,
		"SELECT extname FROM pg_extension WHERE extname = ANY($1)",
		pq.Array(requiredExtensions))
	if err != nil {
		return nil, fmt.Errorf("introspect extensions: %w", err)
	}
	defer extRows.Close()

	haveExt := make(map[string]bool, len(requiredExtensions))
	for extRows.Next() {
		var name string
		if err := extRows.Scan(&name); err != nil {
			return nil, fmt.Errorf("introspect extensions: %w", err)
		}
		haveExt[name] = true
	}
	if err := extRows.Err(); err != nil {
		return nil, fmt.Errorf("introspect extensions: %w", err)
	}
	for _, e := range requiredExtensions {
		if !haveExt[e] {
			r.MissingExtensions = append(r.MissingExtensions, e)
		}
	}

	r.Ready = len(r.MissingTables) == 0 && len(r.MissingExtensions) == 0
	return r, nil
}
