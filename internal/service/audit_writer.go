package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/actiongate/actiongate/internal/ctxkey"
	"github.com/actiongate/actiongate/internal/domain/action"
)

// AuditWriter appends audit rows best-effort: a failed insert is logged and
// counted but never propagates into the request path. The trail records
// intent; it must not be able to block execution that already happened.
type AuditWriter struct {
	store     action.AuditStore
	logger    *slog.Logger
	onFailure func()
}

// NewAuditWriter creates a writer. onFailure, when non-nil, is invoked once
// per failed append (wired to the audit_write_failures_total counter).
func NewAuditWriter(store action.AuditStore, logger *slog.Logger, onFailure func()) *AuditWriter {
	return &AuditWriter{store: store, logger: logger, onFailure: onFailure}
}

// Append writes one audit row and returns its id, or "" when the write
// failed.
func (w *AuditWriter) Append(ctx context.Context, rec *action.Record) string {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := w.store.AppendAction(ctx, rec); err != nil {
		if w.onFailure != nil {
			w.onFailure()
		}
		requestID, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
		w.logger.Error("audit write failed",
			"error", err,
			"case_id", rec.CaseID,
			"action_type", rec.ActionType,
			"request_id", requestID,
		)
		return ""
	}
	return rec.ActionID
}
