// Package audit builds the tamper-evident envelope stamped into every
// action row. The envelope carries the normalized actor, a sanitized view
// of the admitting HTTP request, the policy revision, and correlation ids.
package audit

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/actiongate/actiongate/internal/domain/actor"
	"github.com/actiongate/actiongate/internal/domain/policy"
)

// EnvelopeKey is the payload key the envelope is stored under.
const EnvelopeKey = "_audit"

// Synthetic action types written by the runtime itself.
const (
	ActionIdempotencyConflict              = "IdempotencyConflict"
	ActionPendingActionTransitionViolation = "PendingActionTransitionViolation"
	ActionDecidePendingAction              = "DecidePendingAction"
	ActionSupersedePendingActions          = "SupersedePendingActions"
)

// hard denylist: these headers never reach an audit row, no matter how
// broad the configured allowlist is.
var denyHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"proxy-authorization": {},
}

// Redacted replaces values of headers matching a redact pattern.
const Redacted = "REDACTED"

// RequestInfo is the sanitized request view inside an envelope.
type RequestInfo struct {
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Query   map[string]string `json:"query"`
	Headers map[string]string `json:"headers"`
}

// Envelope is the normalized audit record attached to payloads.
type Envelope struct {
	Actor             actor.Actor `json:"actor"`
	Request           RequestInfo `json:"request"`
	PolicyRevision    int         `json:"policy_revision"`
	MaterializationID string      `json:"materialization_id"`
	RequestID         string      `json:"request_id"`
	CorrelationID     string      `json:"correlation_id"`
}

// truncate cuts s to max runes, ending with a single ellipsis character
// when anything was dropped. max <= 0 disables truncation.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

// SanitizeRequest applies the policy's audit.request configuration to a
// request: hard denylist first, then redact patterns, then the allowlist
// with value truncation. Query values pass only for allowlisted keys.
func SanitizeRequest(doc *policy.Document, method, path string, header http.Header, query url.Values) RequestInfo {
	var cfg policy.AuditRequestPolicy
	if doc != nil {
		cfg = doc.Audit.Request
	}
	allow := policy.CompilePatterns(cfg.AllowlistHeaders)
	redact := policy.CompilePatterns(cfg.RedactHeaders)

	headersOut := map[string]string{}
	if len(allow) > 0 || len(redact) > 0 {
		for name, vals := range header {
			if len(vals) == 0 {
				continue
			}
			nl := strings.ToLower(name)
			if _, denied := denyHeaders[nl]; denied {
				continue
			}
			if len(redact) > 0 && policy.MatchAny(nl, redact) {
				headersOut[nl] = Redacted
				continue
			}
			if len(allow) > 0 && policy.MatchAny(nl, allow) {
				headersOut[nl] = truncate(vals[0], cfg.HeaderMaxLen())
			}
		}
	}

	queryOut := map[string]string{}
	for _, k := range cfg.AllowlistQuery {
		if query.Has(k) {
			queryOut[k] = truncate(query.Get(k), cfg.QueryMaxLen())
		}
	}

	return RequestInfo{Path: path, Method: method, Query: queryOut, Headers: headersOut}
}

// Build assembles the envelope for one admitted request. r may be nil for
// internally-generated actions (cleanup, supersede); path and method then
// come from the fallback arguments.
func Build(doc *policy.Document, act actor.Actor, r *http.Request, fallbackMethod, fallbackPath, materializationID, requestID string) Envelope {
	var req RequestInfo
	if r != nil {
		req = SanitizeRequest(doc, r.Method, r.URL.Path, r.Header, r.URL.Query())
	} else {
		req = RequestInfo{Path: fallbackPath, Method: fallbackMethod, Query: map[string]string{}, Headers: map[string]string{}}
	}
	rev := 0
	if doc != nil {
		rev = doc.Revision
	}
	return Envelope{
		Actor:             act,
		Request:           req,
		PolicyRevision:    rev,
		MaterializationID: materializationID,
		RequestID:         requestID,
		CorrelationID:     requestID,
	}
}

// WithEnvelope returns a copy of payload carrying the envelope under
// EnvelopeKey. The input payload is never mutated.
func WithEnvelope(payload map[string]any, env Envelope) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[EnvelopeKey] = env
	return out
}
