// Package service contains the application services: policy storage with
// hot reload, the execution pipeline, the pending-action lifecycle,
// materialization, global idempotency, and the cleanup job.
package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"gopkg.in/yaml.v3"

	"github.com/actiongate/actiongate/internal/canonjson"
	"github.com/actiongate/actiongate/internal/domain/policy"
)

// PolicySnapshot is one immutable view of the governance policy. The
// document pointer is shared; callers must not mutate it.
type PolicySnapshot struct {
	Doc      *policy.Document
	ETag     string
	Revision int

	mtime time.Time
	size  int64
}

// PolicyValidationError reports a rejected policy document.
type PolicyValidationError struct {
	Errors []string
}

func (e *PolicyValidationError) Error() string {
	return fmt.Sprintf("policy validation failed: %s", strings.Join(e.Errors, "; "))
}

// PolicyStore serves the effective governance policy from a YAML file with
// mtime-based hot reload. Reads are lock-free off an atomic snapshot;
// reloads and saves serialize on a mutex. When the file does not exist the
// built-in default policy is served.
type PolicyStore struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	snap atomic.Pointer[PolicySnapshot]
}

// NewPolicyStore creates a store for the policy file at path.
func NewPolicyStore(path string, logger *slog.Logger) *PolicyStore {
	return &PolicyStore{path: path, logger: logger}
}

// Path returns the effective policy file path.
func (s *PolicyStore) Path() string { return s.path }

// Snapshot returns the current policy, reloading from disk when the file
// changed since the last parse.
func (s *PolicyStore) Snapshot() (*PolicySnapshot, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat policy file: %w", err)
		}
		if snap := s.snap.Load(); snap != nil && snap.size < 0 {
			return snap, nil
		}
		return s.reload(nil)
	}

	if snap := s.snap.Load(); snap != nil && snap.mtime.Equal(info.ModTime()) && snap.size == info.Size() {
		return snap, nil
	}
	return s.reload(info)
}

// reload parses the file (or installs the default when info is nil) under
// the mutex and publishes a fresh snapshot.
func (s *PolicyStore) reload(info os.FileInfo) (*PolicySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have reloaded while we waited.
	if info != nil {
		if snap := s.snap.Load(); snap != nil && snap.mtime.Equal(info.ModTime()) && snap.size == info.Size() {
			return snap, nil
		}
	}

	var doc *policy.Document
	snap := &PolicySnapshot{size: -1}
	if info == nil {
		doc = policy.Default()
	} else {
		raw, err := os.ReadFile(s.path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		doc = &policy.Document{}
		if err := yaml.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", s.path, err)
		}
		snap.mtime = info.ModTime()
		snap.size = info.Size()
	}

	etag, err := canonjson.Hash(doc)
	if err != nil {
		return nil, fmt.Errorf("compute policy etag: %w", err)
	}
	snap.Doc = doc
	snap.ETag = etag
	snap.Revision = doc.Revision

	s.snap.Store(snap)
	if s.logger != nil {
		s.logger.Debug("policy loaded", "path", s.path, "revision", snap.Revision, "etag", snap.ETag)
	}
	return snap, nil
}

// Save persists the document atomically (temp file + rename) and
// invalidates the snapshot so the next read reparses.
func (s *PolicyStore) Save(doc *policy.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write policy temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace policy file: %w", err)
	}

	s.snap.Store(nil)
	if s.logger != nil {
		s.logger.Info("policy saved", "path", s.path, "revision", doc.Revision)
	}
	return nil
}

// Validate runs the structural validator over a candidate document.
func (s *PolicyStore) Validate(doc *policy.Document) (errs, warnings []string) {
	return policy.Validate(doc)
}

// MergePatch applies an RFC 7396 merge patch to the current policy, bumps
// the revision, stamps updated_at, validates, and persists. It returns the
// snapshot of the newly effective policy. Validation failures return a
// *PolicyValidationError and leave the stored policy untouched.
func (s *PolicyStore) MergePatch(patch []byte) (*PolicySnapshot, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}

	current, err := json.Marshal(snap.Doc)
	if err != nil {
		return nil, fmt.Errorf("encode current policy: %w", err)
	}
	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		return nil, fmt.Errorf("apply merge patch: %w", err)
	}

	doc := &policy.Document{}
	if err := json.Unmarshal(merged, doc); err != nil {
		return nil, fmt.Errorf("decode patched policy: %w", err)
	}

	// The patch may itself set revision; bump from whatever it left.
	doc.Revision++
	doc.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	if errs, _ := policy.Validate(doc); len(errs) > 0 {
		return nil, &PolicyValidationError{Errors: errs}
	}

	if err := s.Save(doc); err != nil {
		return nil, err
	}
	return s.Snapshot()
}
