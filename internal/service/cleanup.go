package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actiongate/actiongate/internal/domain/action"
)

// DefaultCleanupInterval is the background sweep interval.
const DefaultCleanupInterval = time.Hour

// CleanupResult reports one cleanup run.
type CleanupResult struct {
	OK           bool      `json:"ok"`
	TTLHours     int       `json:"ttl_hours"`
	Cutoff       time.Time `json:"cutoff"`
	DeletedCount int       `json:"deleted_count"`
}

// Cleanup deletes expired materializations so idempotency keys become
// reusable after the TTL. It runs once on demand or on a ticker.
type Cleanup struct {
	store    action.MaterializationStore
	policies *PolicyStore
	logger   *slog.Logger
	interval time.Duration
	ttlHours int

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// CleanupOption configures a Cleanup.
type CleanupOption func(*Cleanup)

// WithCleanupInterval overrides the sweep interval.
func WithCleanupInterval(d time.Duration) CleanupOption {
	return func(c *Cleanup) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCleanupTTLHours overrides the TTL instead of reading it from policy.
func WithCleanupTTLHours(hours int) CleanupOption {
	return func(c *Cleanup) {
		if hours > 0 {
			c.ttlHours = hours
		}
	}
}

// NewCleanup creates the job.
func NewCleanup(store action.MaterializationStore, policies *PolicyStore, logger *slog.Logger, opts ...CleanupOption) *Cleanup {
	c := &Cleanup{
		store:    store,
		policies: policies,
		logger:   logger,
		interval: DefaultCleanupInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ttl resolves the effective TTL: explicit override, then policy, then 24h.
func (c *Cleanup) ttl(override *int) (int, error) {
	if override != nil && *override > 0 {
		return *override, nil
	}
	if c.ttlHours > 0 {
		return c.ttlHours, nil
	}
	snap, err := c.policies.Snapshot()
	if err != nil {
		return 0, fmt.Errorf("load policy: %w", err)
	}
	return snap.Doc.IdempotencyTTL.TTL(), nil
}

// RunOnce deletes materializations created before now minus the TTL.
func (c *Cleanup) RunOnce(ctx context.Context, ttlOverride *int) (*CleanupResult, error) {
	hours, err := c.ttl(ttlOverride)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	n, err := c.store.DeleteExpiredMaterializations(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete expired materializations: %w", err)
	}
	return &CleanupResult{OK: true, TTLHours: hours, Cutoff: cutoff, DeletedCount: n}, nil
}

// Start launches the background sweep goroutine.
func (c *Cleanup) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				res, err := c.RunOnce(ctx, nil)
				if err != nil {
					c.logger.Error("cleanup run failed", "error", err)
					continue
				}
				c.logger.Info("cleanup run", "deleted", res.DeletedCount, "ttl_hours", res.TTLHours)
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the background sweep and waits for it to exit. Safe to
// call when Start never ran.
func (c *Cleanup) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}
