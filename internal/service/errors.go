package service

// Domain failures the HTTP layer translates to status codes. They are
// ordinary outcomes of governed requests, not internal faults.

// InvalidError is a malformed or out-of-range request (400/422).
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return e.Reason }

// ForbiddenError is an RBAC denial (403).
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return e.Reason }

// ConflictError is a state or idempotency conflict (409).
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }
