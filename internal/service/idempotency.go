package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/actiongate/actiongate/internal/canonjson"
	"github.com/actiongate/actiongate/internal/domain/action"
)

// ScopedIdempotencyKey derives the storage key for pending-action endpoints:
// SHA-256 over endpoint, subject, card id, and the raw client key. Scoping
// keeps one client's key from colliding with another's.
func ScopedIdempotencyKey(endpoint, subject, cardID, raw string) string {
	base := fmt.Sprintf("%s|%s|%s|%s", endpoint, subject, cardID, raw)
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

// RequestHash returns the canonical request hash used for idempotency
// conflict detection.
func RequestHash(v any) (string, error) {
	return canonjson.Hash(v)
}

// Idempotency implements the global Idempotency-Key store for the public
// execute endpoint.
type Idempotency struct {
	store  action.IdempotencyStore
	logger *slog.Logger
}

// NewIdempotency creates the service.
func NewIdempotency(store action.IdempotencyStore, logger *slog.Logger) *Idempotency {
	return &Idempotency{store: store, logger: logger}
}

// CheckOrReplay looks up a prior response for the key. It returns
// (replayed, response, conflict): conflict is non-empty when the key exists
// with a different request hash.
func (s *Idempotency) CheckOrReplay(ctx context.Context, key, reqHash string) (bool, map[string]any, string, error) {
	rec, err := s.store.GetIdempotency(ctx, key)
	if err != nil {
		if errors.Is(err, action.ErrNotFound) {
			return false, nil, "", nil
		}
		return false, nil, "", fmt.Errorf("idempotency lookup: %w", err)
	}
	if rec.RequestHash != reqHash {
		return false, nil, "Idempotency-Key reuse with different request payload", nil
	}
	return true, rec.Response, "", nil
}

// Store persists the first response for the key, best-effort. A losing race
// is fine: the winner's record serves the next replay.
func (s *Idempotency) Store(ctx context.Context, key, reqHash string, response map[string]any) {
	err := s.store.PutIdempotency(ctx, &action.IdempotencyRecord{
		Key:         key,
		RequestHash: reqHash,
		Response:    response,
	})
	if err != nil && !errors.Is(err, action.ErrDuplicateKey) {
		s.logger.Warn("idempotency store failed", "error", err)
	}
}
