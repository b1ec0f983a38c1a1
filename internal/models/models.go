// Package models defines the data types shared by the registry, the IPC
// protocol, and the façade: scans, their vulnerabilities, and their errors.
package models

import "time"

// ScanStatus is the lifecycle state of a scan record.
type ScanStatus string

const (
	StatusQueued   ScanStatus = "Queued"
	StatusScanning ScanStatus = "Scanning"
	StatusFinished ScanStatus = "Finished"
	StatusFailed   ScanStatus = "Failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ScanStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// ScanErrorCode enumerates the classified failure causes a scan can report.
type ScanErrorCode string

const (
	ErrTrivyFailed ScanErrorCode = "TRIVY_FAILED"
	ErrCloneFailed ScanErrorCode = "CLONE_FAILED"
	ErrDiskFull    ScanErrorCode = "DISK_FULL"
	ErrParseFailed ScanErrorCode = "PARSE_FAILED"
	ErrTimeout     ScanErrorCode = "TIMEOUT"
	ErrOOM         ScanErrorCode = "OOM"
	ErrUnknown     ScanErrorCode = "UNKNOWN"
)

// ScanError is the {code, message} pair attached to a Failed record.
type ScanError struct {
	Code    ScanErrorCode `json:"code"`
	Message string        `json:"message"`
}

// SeverityCritical is the only severity the registry ever stores; everything
// else is discarded by the engine's parser.
const SeverityCritical = "CRITICAL"

// Vulnerability is a single CRITICAL finding, already mapped from the
// vendor's PascalCase JSON shape into the internal shape.
type Vulnerability struct {
	ID               string  `json:"id"`
	Package          string  `json:"package"`
	InstalledVersion string  `json:"installedVersion"`
	FixedVersion     *string `json:"fixedVersion,omitempty"`
	Severity         string  `json:"severity"`
	Title            string  `json:"title"`
	Description      string  `json:"description"`
}

// Record is the registry's per-scan entry. It is mutated exclusively by the
// worker manager (from IPC) and by the façade on admission failure.
type Record struct {
	ScanID          string          `json:"scanId"`
	RepoURL         string          `json:"repoUrl"`
	Status          ScanStatus      `json:"status"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty"`
	Truncated       bool            `json:"truncated"`
	Error           *ScanError      `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// registry's lock (slices/pointers are not shared with the stored record).
func (r *Record) Clone() *Record {
	cp := *r
	if r.Vulnerabilities != nil {
		cp.Vulnerabilities = make([]Vulnerability, len(r.Vulnerabilities))
		copy(cp.Vulnerabilities, r.Vulnerabilities)
	}
	if r.Error != nil {
		errCopy := *r.Error
		cp.Error = &errCopy
	}
	return &cp
}

// Job is a unit of work handed from the façade to the queue, and from the
// queue to the worker manager.
type Job struct {
	ScanID  string
	RepoURL string
	// WebhookURL, if set, is notified once the job settles (supplemented
	// feature, not part of spec.md's core — see internal/notifier).
	WebhookURL string
}
