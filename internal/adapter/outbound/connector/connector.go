// Package connector defines the execution boundary toward external
// operational systems. Actions that do not resolve to a local database
// write are dispatched through a named connector. Unknown connector names
// fail closed.
package connector

import (
	"context"
	"fmt"
)

// Result is the outcome of one connector dispatch.
type Result struct {
	OK      bool
	Message string
	Data    map[string]any
}

// Connector executes a typed action against an external system.
type Connector interface {
	Name() string
	Execute(ctx context.Context, actionType string, payload map[string]any) (*Result, error)
}

// ForName resolves a connector by its configured name. Anything other than
// the known names returns a fail-closed connector so misconfiguration never
// silently executes.
func ForName(name string) Connector {
	switch name {
	case "", "mock":
		return &Mock{}
	default:
		return &failClosed{name: name}
	}
}

// Mock simulates a successful write-back without external dependencies.
type Mock struct{}

// Name implements Connector.
func (m *Mock) Name() string { return "mock" }

// Execute implements Connector.
func (m *Mock) Execute(_ context.Context, actionType string, payload map[string]any) (*Result, error) {
	return &Result{
		OK:      true,
		Message: fmt.Sprintf("mock-executed %s", actionType),
		Data:    map[string]any{"action_type": actionType, "payload": payload},
	}, nil
}

type failClosed struct {
	name string
}

func (f *failClosed) Name() string { return f.name }

func (f *failClosed) Execute(_ context.Context, actionType string, payload map[string]any) (*Result, error) {
	return &Result{
		OK:      false,
		Message: fmt.Sprintf("connector %q not implemented; set ACTION_CONNECTOR=mock or implement a real connector", f.name),
		Data:    map[string]any{"action_type": actionType, "payload": payload},
	}, nil
}

var (
	_ Connector = (*Mock)(nil)
	_ Connector = (*failClosed)(nil)
)
