// Package ipc defines the tagged message schema exchanged between the
// orchestrator and an engine child process, per spec.md §4.3. Messages are
// encoded as JSON objects written back-to-back on the wire (the reference
// "length-prefixed JSON lines" encoding, using Go's streaming json.Decoder
// instead of an explicit length prefix or line delimiter — it already knows
// where one JSON value ends and the next begins).
package ipc

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/invulnerable/scancore/internal/models"
)

// Tag discriminates the message envelope.
type Tag string

const (
	TagStart Tag = "start"
	TagStatus Tag = "status"
	TagVulns  Tag = "vulns"
	TagError  Tag = "error"
)

// Envelope is the wire shape for every message in both directions. Only the
// fields relevant to Tag are populated.
type Envelope struct {
	Type            Tag                  `json:"type"`
	ScanID          string               `json:"scanId"`
	RepoURL         string               `json:"repoUrl,omitempty"`
	Status          models.ScanStatus    `json:"status,omitempty"`
	Vulnerabilities []models.Vulnerability `json:"vulnerabilities,omitempty"`
	Error           *models.ScanError    `json:"error,omitempty"`
}

// Start builds the single orchestrator->worker message.
func Start(scanID, repoURL string) Envelope {
	return Envelope{Type: TagStart, ScanID: scanID, RepoURL: repoURL}
}

// StatusMsg builds a worker->orchestrator status transition message.
func StatusMsg(scanID string, status models.ScanStatus) Envelope {
	return Envelope{Type: TagStatus, ScanID: scanID, Status: status}
}

// VulnsMsg builds a worker->orchestrator vulnerability batch message.
func VulnsMsg(scanID string, vulns []models.Vulnerability) Envelope {
	return Envelope{Type: TagVulns, ScanID: scanID, Vulnerabilities: vulns}
}

// ErrorMsg builds a worker->orchestrator terminal error message.
func ErrorMsg(scanID string, scanErr models.ScanError) Envelope {
	return Envelope{Type: TagError, ScanID: scanID, Error: &scanErr}
}

// Validate rejects a message that doesn't match its declared Tag's shape, or
// whose ScanID doesn't match expectedScanID. Unknown tags are reported via
// the ok=false, err=nil return so callers can ignore them rather than treat
// them as fatal, per spec.md §4.3.
func Validate(env Envelope, expectedScanID string) (ok bool, err error) {
	switch env.Type {
	case TagStart:
		if env.RepoURL == "" {
			return false, fmt.Errorf("ipc: start message missing repoUrl")
		}
	case TagStatus:
		if env.Status != models.StatusScanning && env.Status != models.StatusFinished {
			return false, fmt.Errorf("ipc: status message has invalid status %q", env.Status)
		}
	case TagVulns:
		// zero or more vulnerabilities is valid, nothing further to check.
	case TagError:
		if env.Error == nil {
			return false, fmt.Errorf("ipc: error message missing error payload")
		}
	default:
		// Unknown tag: ignored, not fatal.
		return false, nil
	}

	if env.ScanID != expectedScanID {
		return false, nil
	}
	return true, nil
}

// Writer serializes envelopes onto an io.Writer.
type Writer struct {
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

func (w *Writer) Write(env Envelope) error {
	return w.enc.Encode(env)
}

// Reader deserializes envelopes from an io.Reader.
type Reader struct {
	dec *json.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: json.NewDecoder(r)}
}

// Read returns the next envelope, or io.EOF when the stream is exhausted.
func (r *Reader) Read() (Envelope, error) {
	var env Envelope
	if err := r.dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
