// Package worker implements the isolated-worker lifecycle manager from
// spec.md §4.4: it forks one child process per job, enforces a wall-clock
// timeout, consumes IPC, classifies child exit causes, and drives the
// registry and the queue on every outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/invulnerable/scancore/internal/ipc"
	"github.com/invulnerable/scancore/internal/models"
	"github.com/invulnerable/scancore/internal/registry"
	"go.uber.org/zap"
)

// stderrRingSize is the bounded capture buffer used for OOM classification
// (spec.md §4.4 step 1: "a bounded ring buffer of 4 KiB").
const stderrRingSize = 4 * 1024

// Config holds the per-job settings the manager needs to spawn and police a
// child. EnginePath defaults to the current executable re-invoked with
// EngineArgs, mirroring the self-reexec pattern used across the retrieval
// pack (e.g. DataDog's agentless-runner) instead of shipping a second binary.
type Config struct {
	EnginePath      string
	EngineArgs      []string
	TimeoutMs       int
	ShutdownGraceMs int
	// MemLimitMB is passed to the child as GOMEMLIMIT, Go's analogue of a
	// V8 --max-old-space-size cap: strictly below the process ceiling so
	// the child hits a recoverable soft limit before any OS OOM killer.
	MemLimitMB int
}

// ReleaseFunc matches queue.Queue.OnJobComplete's signature without an
// import cycle; Manager is constructed with the concrete function.
type ReleaseFunc func()

// OnSettle, if set, is called once per job after settle completes, with the
// final record — used to wire the notifier without the manager depending on
// it directly.
type OnSettle func(job models.Job, rec *models.Record)

// Manager owns the set of live children for cooperative shutdown.
type Manager struct {
	cfg      Config
	registry *registry.Registry
	release  ReleaseFunc
	logger   *zap.Logger
	onSettle OnSettle

	mu   sync.Mutex
	live map[string]*liveChild
}

type liveChild struct {
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	settleOnce sync.Once
	settled    atomic.Bool
	timer      *time.Timer
	timedOut   bool
}

// New constructs a Manager. onSettle may be nil.
func New(cfg Config, reg *registry.Registry, release ReleaseFunc, logger *zap.Logger, onSettle OnSettle) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EnginePath == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.EnginePath = exe
		}
	}
	return &Manager{
		cfg:      cfg,
		registry: reg,
		release:  release,
		logger:   logger,
		onSettle: onSettle,
		live:     make(map[string]*liveChild),
	}
}

// RunJob matches queue.Processor: fire-and-forget, never blocks the caller.
func (m *Manager) RunJob(job models.Job) {
	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, m.cfg.EnginePath, m.cfg.EngineArgs...)
	cmd.Env = sanitizedEnv(m.cfg.MemLimitMB)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		m.failSpawn(job, fmt.Errorf("failed to open stdin pipe: %w", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		m.failSpawn(job, fmt.Errorf("failed to open stdout pipe: %w", err))
		return
	}
	stderrRing := newRingBuffer(stderrRingSize)
	cmd.Stderr = stderrRing

	if err := cmd.Start(); err != nil {
		cancel()
		m.failSpawn(job, fmt.Errorf("worker process error: %w", err))
		return
	}

	child := &liveChild{cmd: cmd, cancel: cancel}
	m.mu.Lock()
	m.live[job.ScanID] = child
	m.mu.Unlock()

	settle := func(applyOutcome func()) {
		child.settleOnce.Do(func() {
			child.settled.Store(true)
			if child.timer != nil {
				child.timer.Stop()
			}
			applyOutcome()
			m.mu.Lock()
			delete(m.live, job.ScanID)
			m.mu.Unlock()
			cancel()
			m.release()
			if m.onSettle != nil {
				m.onSettle(job, m.registry.Get(job.ScanID))
			}
		})
	}

	child.timer = time.AfterFunc(time.Duration(m.cfg.TimeoutMs)*time.Millisecond, func() {
		// Timer.Stop cannot guarantee suppressing a concurrently-firing
		// callback, so check settled before touching a job that may have
		// already finished legitimately.
		if child.settled.Load() {
			return
		}
		child.timedOut = true
		m.logger.Warn("worker timed out", zap.String("scan_id", job.ScanID), zap.Int("timeout_ms", m.cfg.TimeoutMs))
		m.registry.SetError(job.ScanID, models.ScanError{
			Code:    models.ErrTimeout,
			Message: fmt.Sprintf("Worker timed out after %d ms", m.cfg.TimeoutMs),
		})
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		// exit will still be observed by the reader goroutine below, which
		// settles once; the timer itself never settles directly so that
		// exit-code/signal bookkeeping stays in one place.
	})

	// Write the start message, then consume IPC until the child exits.
	go func() {
		w := ipc.NewWriter(stdin)
		if err := w.Write(ipc.Start(job.ScanID, job.RepoURL)); err != nil {
			m.logger.Error("failed to write start message", zap.String("scan_id", job.ScanID), zap.Error(err))
		}
	}()

	go m.consume(job, stdout, settle, child, stderrRing)
}

func (m *Manager) consume(job models.Job, stdout io.Reader, settle func(func()), child *liveChild, stderrRing *ringBuffer) {
	r := ipc.NewReader(stdout)
	for {
		env, err := r.Read()
		if err != nil {
			break
		}
		ok, verr := ipc.Validate(env, job.ScanID)
		if verr != nil {
			m.logger.Warn("dropping malformed ipc message", zap.String("scan_id", job.ScanID), zap.Error(verr))
			continue
		}
		if !ok {
			continue
		}
		switch env.Type {
		case ipc.TagStatus:
			m.registry.UpdateStatus(job.ScanID, env.Status)
		case ipc.TagVulns:
			m.registry.AppendVulnerabilities(job.ScanID, env.Vulnerabilities)
		case ipc.TagError:
			m.registry.SetError(job.ScanID, *env.Error)
		}
	}

	err := child.cmd.Wait()
	settle(func() {
		m.classifyExit(job, err, child, stderrRing)
	})
}

// classifyExit implements spec.md §4.4 step 5: if the record already became
// terminal from IPC, nothing more is needed. Otherwise classify the exit.
func (m *Manager) classifyExit(job models.Job, waitErr error, child *liveChild, stderrRing *ringBuffer) {
	rec := m.registry.Get(job.ScanID)
	if rec == nil || rec.Status.Terminal() {
		return
	}

	stderr := stderrRing.String()
	switch {
	case isHeapExhaustion(stderr):
		m.registry.SetError(job.ScanID, models.ScanError{
			Code:    models.ErrOOM,
			Message: "Worker ran out of memory (heap limit exceeded)",
		})
	case child.timedOut:
		// The manager's own timer already recorded TIMEOUT; nothing to add.
	case killedByForceTermination(waitErr):
		m.registry.SetError(job.ScanID, models.ScanError{
			Code:    models.ErrOOM,
			Message: "Worker was killed by the OS (likely container OOM killer)",
		})
	default:
		m.registry.SetError(job.ScanID, models.ScanError{
			Code:    models.ErrUnknown,
			Message: fmt.Sprintf("Worker exited unexpectedly: %v", waitErr),
		})
	}
}

func (m *Manager) failSpawn(job models.Job, err error) {
	m.logger.Error("worker spawn failed", zap.String("scan_id", job.ScanID), zap.Error(err))
	m.registry.SetError(job.ScanID, models.ScanError{Code: models.ErrUnknown, Message: err.Error()})
	m.release()
	if m.onSettle != nil {
		m.onSettle(job, m.registry.Get(job.ScanID))
	}
}

// ShutdownWorkers sends a polite termination signal to every live child,
// waits up to graceMs, then force-kills any survivors. Returns once every
// child has exited or been force-killed.
func (m *Manager) ShutdownWorkers(ctx context.Context, graceMs int) {
	m.mu.Lock()
	children := make([]*liveChild, 0, len(m.live))
	for _, c := range m.live {
		children = append(children, c)
	}
	m.mu.Unlock()

	for _, c := range children {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(os.Interrupt)
		}
	}

	done := make(chan struct{})
	go func() {
		for _, c := range children {
			_ = c.cmd.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(graceMs) * time.Millisecond):
		for _, c := range children {
			if c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
		}
		<-done
	case <-ctx.Done():
	}
}

// killedByForceTermination reports whether waitErr indicates the process
// was killed by a signal (SIGKILL/SIGTERM), as opposed to exiting on its own
// with a non-zero code.
func killedByForceTermination(waitErr error) bool {
	if waitErr == nil {
		return false
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return false
	}
	return exitErr.ProcessState != nil && !exitErr.ProcessState.Exited()
}

// isHeapExhaustion matches Go's own runtime fatal-error fingerprints for a
// self-detected heap exhaustion (the Go analogue of spec.md's V8 substrings
// "JavaScript heap out of memory" / "FATAL ERROR").
func isHeapExhaustion(stderr string) bool {
	return strings.Contains(stderr, "runtime: out of memory") ||
		strings.Contains(stderr, "fatal error: out of memory")
}

// sanitizedEnv allowlists only the variables spec.md §4.4 names, plus
// GOMEMLIMIT for the child's soft heap cap and GIT_TERMINAL_PROMPT=0 for the
// child's clone step. Secrets from the parent environment are never forwarded.
func sanitizedEnv(memLimitMB int) []string {
	allow := []string{"PATH", "HOME", "TMPDIR", "HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "SSL_CERT_FILE", "SSL_CERT_DIR"}
	env := make([]string, 0, len(allow)+2)
	for _, k := range allow {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	if memLimitMB > 0 {
		env = append(env, fmt.Sprintf("GOMEMLIMIT=%dMiB", memLimitMB))
	}
	env = append(env, "GIT_TERMINAL_PROMPT=0")
	return env
}

// ringBuffer retains only the newest N bytes written to it, used to bound
// the captured stderr per spec.md §4.4.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{size: size}
}

func (b *ringBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.size {
		b.buf = b.buf[len(b.buf)-b.size:]
	}
	return len(p), nil
}

func (b *ringBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
