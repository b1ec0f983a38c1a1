// Package engine implements the scan pipeline that runs inside the isolated
// worker child process: clone the repository, run the vendor scanner, and
// stream its JSON report back to the orchestrator over IPC without ever
// materializing the whole report in memory.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/invulnerable/scancore/internal/ipc"
	"github.com/invulnerable/scancore/internal/models"
)

// Config holds the engine's binaries, per-operation timeouts and batch size.
type Config struct {
	CloneBin       string
	ScanBin        string
	CloneTimeoutMs int
	ScanTimeoutMs  int
	BatchSize      int
	// MaxOutputBytes is defaulted and carried here but not applied: the
	// stderr that execRunner captures from git and trivy is not size-bounded.
	MaxOutputBytes int64
}

// CommandRunner abstracts process execution so tests can fake git/trivy
// without shelling out, mirroring lazycatapps-trivy's CommandExecutor.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stderr string, err error)
}

// execRunner is the production CommandRunner, backed by os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = sanitizedEnv()
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// Engine drives one scan end to end and emits every IPC message itself; it
// holds no registry or queue reference, since it runs in a separate process.
type Engine struct {
	cfg    Config
	runner CommandRunner
	out    *ipc.Writer
}

// New constructs an Engine that writes IPC envelopes to w.
func New(cfg Config, w io.Writer) *Engine {
	if cfg.CloneBin == "" {
		cfg.CloneBin = "git"
	}
	if cfg.ScanBin == "" {
		cfg.ScanBin = "trivy"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 10 * 1024 * 1024
	}
	return &Engine{cfg: cfg, runner: execRunner{}, out: ipc.NewWriter(w)}
}

// WithRunner overrides the CommandRunner, used by tests.
func (e *Engine) WithRunner(r CommandRunner) *Engine {
	e.runner = r
	return e
}

// Run executes the full pipeline for one job: clone, scan, parse, emit.
// Every exit path cleans up the clone directory before returning.
func (e *Engine) Run(ctx context.Context, scanID, repoURL string) {
	e.out.Write(ipc.StatusMsg(scanID, models.StatusScanning))

	repoDir, err := os.MkdirTemp("", "scancore-engine-*")
	if err != nil {
		e.fail(scanID, models.ErrUnknown, fmt.Sprintf("failed to create work directory: %v", err))
		return
	}
	defer os.RemoveAll(repoDir)

	cloneDir := filepath.Join(repoDir, "repo")
	if err := e.clone(ctx, repoURL, cloneDir); err != nil {
		e.fail(scanID, classifyIOErrorCode(err, models.ErrCloneFailed), err.Error())
		return
	}

	reportPath := filepath.Join(repoDir, "report.json")
	if err := e.scan(ctx, cloneDir, reportPath); err != nil {
		e.fail(scanID, classifyIOErrorCode(err, models.ErrTrivyFailed), err.Error())
		return
	}

	if err := e.streamReport(scanID, reportPath); err != nil {
		e.fail(scanID, models.ErrParseFailed, err.Error())
		return
	}

	e.out.Write(ipc.StatusMsg(scanID, models.StatusFinished))
}

func (e *Engine) clone(ctx context.Context, repoURL, dest string) error {
	timeout := time.Duration(e.cfg.CloneTimeoutMs) * time.Millisecond
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stderr, err := e.runner.Run(cctx, "", e.cfg.CloneBin, "clone", "--depth", "1", "--single-branch", "--no-tags", repoURL, dest)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return &timeoutError{msg: fmt.Sprintf("clone timed out after %d ms", e.cfg.CloneTimeoutMs)}
		}
		if isDiskFull(stderr) {
			return &diskFullError{msg: firstLine(stderr)}
		}
		return fmt.Errorf("git clone failed: %s", firstLine(stderr))
	}
	return nil
}

func (e *Engine) scan(ctx context.Context, repoDir, reportPath string) error {
	timeout := time.Duration(e.cfg.ScanTimeoutMs) * time.Millisecond
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stderr, err := e.runner.Run(cctx, "", e.cfg.ScanBin, "fs",
		"--format", "json",
		"--output", reportPath,
		"--severity", models.SeverityCritical,
		"--scanners", "vuln",
		"--quiet",
		repoDir,
	)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return &timeoutError{msg: fmt.Sprintf("scan timed out after %d ms", e.cfg.ScanTimeoutMs)}
		}
		if isDiskFull(stderr) {
			return &diskFullError{msg: firstLine(stderr)}
		}
		if isBinaryNotFound(stderr) {
			return fmt.Errorf("trivy scan failed: %s (is it installed?)", firstLine(stderr))
		}
		return fmt.Errorf("trivy scan failed: %s", firstLine(stderr))
	}
	return nil
}

// trivyResult and trivyVuln mirror only the fields of Trivy's JSON schema
// the engine needs; everything else is skipped by the token walker below.
type trivyVuln struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	FixedVersion     string `json:"FixedVersion"`
	Severity         string `json:"Severity"`
	Title            string `json:"Title"`
	Description      string `json:"Description"`
}

// streamReport walks the report file's Results[*].Vulnerabilities[*] array
// token by token so the whole document is never held in memory at once,
// regardless of how many findings the vendor scanner produced.
func (e *Engine) streamReport(scanID, reportPath string) error {
	f, err := os.Open(reportPath)
	if err != nil {
		return fmt.Errorf("failed to open report: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(f, 64*1024))

	if err := seekToKey(dec, "Results"); err != nil {
		return err
	}
	if _, err := expectDelim(dec, '['); err != nil {
		return err
	}

	batch := make([]models.Vulnerability, 0, e.cfg.BatchSize)
	for dec.More() {
		if err := processResult(dec, e.cfg.BatchSize, &batch, func(vulns []models.Vulnerability) {
			e.out.Write(ipc.VulnsMsg(scanID, vulns))
		}); err != nil {
			return err
		}
	}
	if len(batch) > 0 {
		e.out.Write(ipc.VulnsMsg(scanID, batch))
	}
	return nil
}

// processResult consumes one element of the top-level Results array,
// appending each CRITICAL vulnerability it finds to batch and flushing via
// emit whenever batch reaches batchSize.
func processResult(dec *json.Decoder, batchSize int, batch *[]models.Vulnerability, emit func([]models.Vulnerability)) error {
	depth := 0
	inVulns := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed report: %w", err)
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 0 {
					return nil
				}
			}
		case string:
			if t == "Vulnerabilities" && !inVulns {
				inVulns = true
				if _, err := expectDelim(dec, '['); err != nil {
					return err
				}
				for dec.More() {
					var v trivyVuln
					if err := dec.Decode(&v); err != nil {
						return fmt.Errorf("malformed vulnerability entry: %w", err)
					}
					if v.Severity != models.SeverityCritical {
						continue
					}
					*batch = append(*batch, toVulnerability(v))
					if len(*batch) >= batchSize {
						emit(*batch)
						*batch = make([]models.Vulnerability, 0, batchSize)
					}
				}
				if _, err := expectDelim(dec, ']'); err != nil {
					return err
				}
				inVulns = false
			}
		}
	}
}

func toVulnerability(v trivyVuln) models.Vulnerability {
	out := models.Vulnerability{
		ID:               orDefault(v.VulnerabilityID, "unknown"),
		Package:          orDefault(v.PkgName, "unknown"),
		InstalledVersion: orDefault(v.InstalledVersion, "unknown"),
		Severity:         orDefault(v.Severity, models.SeverityCritical),
		Title:            v.Title,
		Description:      v.Description,
	}
	if v.FixedVersion != "" {
		fv := v.FixedVersion
		out.FixedVersion = &fv
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// seekToKey advances dec past object/array structure until it has just
// consumed the object key name, leaving the decoder positioned to read the
// key's value next.
func seekToKey(dec *json.Decoder, name string) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return fmt.Errorf("report missing %q key", name)
		}
		if err != nil {
			return fmt.Errorf("malformed report: %w", err)
		}
		if s, ok := tok.(string); ok && s == name {
			return nil
		}
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) (json.Delim, error) {
	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("malformed report: %w", err)
	}
	d, ok := tok.(json.Delim)
	if !ok || d != want {
		return 0, fmt.Errorf("malformed report: expected %q, got %v", want, tok)
	}
	return d, nil
}

func (e *Engine) fail(scanID string, code models.ScanErrorCode, msg string) {
	e.out.Write(ipc.ErrorMsg(scanID, models.ScanError{Code: code, Message: msg}))
}

// diskFullError marks a clone/scan failure caused by the work volume filling
// up, so Run can report ErrDiskFull instead of the generic step failure code.
type diskFullError struct{ msg string }

func (e *diskFullError) Error() string { return e.msg }

// timeoutError marks a clone/scan failure caused by the per-operation
// timeout, so Run can report ErrTimeout instead of the generic step code.
type timeoutError struct{ msg string }

func (e *timeoutError) Error() string { return e.msg }

// classifyIOErrorCode returns ErrDiskFull or ErrTimeout when err carries one
// of those markers, and fallback otherwise.
func classifyIOErrorCode(err error, fallback models.ScanErrorCode) models.ScanErrorCode {
	var dfErr *diskFullError
	if errors.As(err, &dfErr) {
		return models.ErrDiskFull
	}
	var toErr *timeoutError
	if errors.As(err, &toErr) {
		return models.ErrTimeout
	}
	return fallback
}

func isDiskFull(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no space left on device") || strings.Contains(s, "disk quota exceeded")
}

func isBinaryNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "not found") || strings.Contains(s, "no such file or directory")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func sanitizedEnv() []string {
	allow := []string{"PATH", "HOME", "TMPDIR", "HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "SSL_CERT_FILE", "SSL_CERT_DIR"}
	env := make([]string, 0, len(allow)+1)
	for _, k := range allow {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	env = append(env, "GIT_TERMINAL_PROMPT=0")
	return env
}
