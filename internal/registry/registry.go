// Package registry implements the bounded, process-local scan registry
// described in spec.md §4.1: an insertion-ordered map from scan identifier
// to scan record, with per-scan vulnerability caps and status-aware
// eviction at the global entry cap.
package registry

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/invulnerable/scancore/internal/models"
	"go.uber.org/zap"
)

// Config bounds the registry's memory footprint independently of how large
// the upstream scanner reports are.
type Config struct {
	MaxEntries      int
	MaxVulnsPerScan int
}

// Registry is safe for concurrent use; every operation is a single
// lock/unlock with no suspension points, per spec.md §5.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger

	entries map[string]*list.Element // scanId -> node in order
	order   *list.List               // list.Element.Value is *models.Record
}

// New constructs an empty registry.
func New(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Create inserts a new Queued record for scanId, evicting as needed first.
// It returns a plain error (no ScanErrorCode attached) if scanId is already
// present — the registry never silently overwrites.
func (r *Registry) Create(scanID, repoURL string) (*models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[scanID]; exists {
		return nil, fmt.Errorf("registry: duplicate scan id %q", scanID)
	}

	r.evictLocked()

	now := time.Now()
	rec := &models.Record{
		ScanID:    scanID,
		RepoURL:   repoURL,
		Status:    models.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	elem := r.order.PushBack(rec)
	r.entries[scanID] = elem

	r.logger.Info("scan created", zap.String("scan_id", scanID), zap.String("repo_url", repoURL))
	return rec.Clone(), nil
}

// Get returns a copy of the record for scanId, or nil if unknown.
func (r *Registry) Get(scanID string) *models.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.entries[scanID]
	if !ok {
		return nil
	}
	return elem.Value.(*models.Record).Clone()
}

// Size returns the number of live entries.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// UpdateStatus is a no-op for an unknown scanId and refuses to transition
// away from a terminal state. Setting Failed this way leaves Error nil;
// callers that have an error should prefer SetError.
func (r *Registry) UpdateStatus(scanID string, status models.ScanStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(scanID)
	if rec == nil {
		return
	}
	if rec.Status.Terminal() {
		return
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
}

// AppendVulnerabilities appends as many of vulns as fit under the per-scan
// cap, preserving incoming order, and sets Truncated if any were discarded.
// No-op for an unknown scanId.
func (r *Registry) AppendVulnerabilities(scanID string, vulns []models.Vulnerability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(scanID)
	if rec == nil {
		return
	}

	remaining := r.cfg.MaxVulnsPerScan - len(rec.Vulnerabilities)
	if remaining <= 0 {
		if len(vulns) > 0 {
			rec.Truncated = true
		}
		return
	}

	n := len(vulns)
	if n > remaining {
		n = remaining
	}
	if n > 0 {
		rec.Vulnerabilities = append(rec.Vulnerabilities, vulns[:n]...)
		rec.UpdatedAt = time.Now()
	}
	if len(vulns) > remaining {
		rec.Truncated = true
	}
}

// SetError sets Error, forces Status to Failed, and bumps UpdatedAt.
// No-op for an unknown scanId and for a Finished record. On a record that is
// already Failed it only fills in a missing Error (left nil by
// UpdateStatus(Failed)); an Error already recorded is never replaced.
func (r *Registry) SetError(scanID string, scanErr models.ScanError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(scanID)
	if rec == nil {
		return
	}
	if rec.Status == models.StatusFinished || (rec.Status == models.StatusFailed && rec.Error != nil) {
		return
	}
	errCopy := scanErr
	rec.Error = &errCopy
	rec.Status = models.StatusFailed
	rec.UpdatedAt = time.Now()
}

// recordLocked returns the live *models.Record (not a clone) for scanID, or
// nil. Must be called with r.mu held.
func (r *Registry) recordLocked(scanID string) *models.Record {
	elem, ok := r.entries[scanID]
	if !ok {
		return nil
	}
	return elem.Value.(*models.Record)
}

// evictLocked runs the two-pass eviction algorithm from spec.md §4.1: first
// remove terminal entries in insertion order until under the cap, then, if
// still at or over the cap, remove in insertion order regardless of status.
// Must be called with r.mu held.
func (r *Registry) evictLocked() {
	for r.order.Len() >= r.cfg.MaxEntries {
		removed := false
		for elem := r.order.Front(); elem != nil; elem = elem.Next() {
			rec := elem.Value.(*models.Record)
			if rec.Status.Terminal() {
				r.removeLocked(elem)
				removed = true
				break
			}
		}
		if !removed {
			break
		}
	}

	for r.order.Len() >= r.cfg.MaxEntries {
		front := r.order.Front()
		if front == nil {
			break
		}
		r.removeLocked(front)
	}
}

func (r *Registry) removeLocked(elem *list.Element) {
	rec := elem.Value.(*models.Record)
	r.logger.Debug("scan evicted", zap.String("scan_id", rec.ScanID), zap.String("status", string(rec.Status)))
	delete(r.entries, rec.ScanID)
	r.order.Remove(elem)
}
