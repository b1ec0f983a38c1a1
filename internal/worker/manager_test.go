package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invulnerable/scancore/internal/ipc"
	"github.com/invulnerable/scancore/internal/models"
	"github.com/invulnerable/scancore/internal/registry"
)

// helperProcessArg is a positional argv marker (no leading dash, so the test
// flag parser never sees it) that tells this test binary to behave as the
// worker child process instead of running its own test suite. The requested
// behavior then rides on the job's RepoURL, since RunJob's sanitizedEnv
// strips everything from the child's environment except its own allowlist.
const helperProcessArg = "scancore-worker-helper"

// TestMain lets this test binary double as the worker child process, so
// RunJob's tests exercise a real exec.Cmd without a second compiled binary —
// the same re-exec trick the orchestrator itself uses in production.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == helperProcessArg {
		runHelperProcess()
		return
	}
	os.Exit(m.Run())
}

func runHelperProcess() {
	r := ipc.NewReader(os.Stdin)
	start, err := r.Read()
	if err != nil {
		os.Exit(1)
	}
	mode := strings.TrimPrefix(start.RepoURL, "mode:")

	w := ipc.NewWriter(os.Stdout)

	switch mode {
	case "success":
		w.Write(ipc.StatusMsg(start.ScanID, models.StatusScanning))
		w.Write(ipc.VulnsMsg(start.ScanID, []models.Vulnerability{{ID: "CVE-1"}}))
		w.Write(ipc.StatusMsg(start.ScanID, models.StatusFinished))
		os.Exit(0)
	case "engine_error":
		w.Write(ipc.ErrorMsg(start.ScanID, models.ScanError{Code: models.ErrCloneFailed, Message: "repo not found"}))
		os.Exit(0)
	case "hang":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	case "oom_fingerprint":
		fmt.Fprintln(os.Stderr, "runtime: out of memory: cannot allocate")
		os.Exit(2)
	case "crash":
		os.Exit(17)
	default:
		os.Exit(1)
	}
}

func helperConfig(t *testing.T, timeoutMs int) Config {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return Config{
		EnginePath:      exe,
		EngineArgs:      []string{helperProcessArg},
		TimeoutMs:       timeoutMs,
		ShutdownGraceMs: 1000,
	}
}

// newTestManager constructs a Manager wired to re-exec this test binary as
// the worker child, exposing release/settle as buffered channels so tests
// can synchronize on RunJob's asynchronous completion.
func newTestManager(t *testing.T, timeoutMs int, reg *registry.Registry, released chan struct{}, settled chan *models.Record) *Manager {
	t.Helper()
	cfg := helperConfig(t, timeoutMs)
	return New(cfg, reg, func() { released <- struct{}{} }, nil, func(job models.Job, rec *models.Record) {
		settled <- rec
	})
}

func waitForChan(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		require.Fail(t, "release was not called before deadline")
	}
}

func waitForRecord(t *testing.T, ch chan *models.Record) *models.Record {
	t.Helper()
	select {
	case rec := <-ch:
		require.NotNil(t, rec)
		return rec
	case <-time.After(5 * time.Second):
		require.Fail(t, "settle was not observed before deadline")
		return nil
	}
}

func TestManager_RunJob_Success(t *testing.T) {
	reg := registry.New(registry.Config{MaxEntries: 10, MaxVulnsPerScan: 100}, nil)
	_, err := reg.Create("scan-1", "mode:success")
	require.NoError(t, err)

	released := make(chan struct{}, 1)
	settled := make(chan *models.Record, 1)
	m := newTestManager(t, 5000, reg, released, settled)
	m.RunJob(models.Job{ScanID: "scan-1", RepoURL: "mode:success"})

	waitForChan(t, released)
	rec := waitForRecord(t, settled)

	assert.Equal(t, models.StatusFinished, rec.Status)
	require.Len(t, rec.Vulnerabilities, 1)
	assert.Equal(t, "CVE-1", rec.Vulnerabilities[0].ID)
}

func TestManager_RunJob_EngineReportedError(t *testing.T) {
	reg := registry.New(registry.Config{MaxEntries: 10, MaxVulnsPerScan: 100}, nil)
	_, err := reg.Create("scan-1", "mode:engine_error")
	require.NoError(t, err)

	released := make(chan struct{}, 1)
	settled := make(chan *models.Record, 1)
	m := newTestManager(t, 5000, reg, released, settled)
	m.RunJob(models.Job{ScanID: "scan-1", RepoURL: "mode:engine_error"})

	waitForChan(t, released)
	rec := waitForRecord(t, settled)

	assert.Equal(t, models.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, models.ErrCloneFailed, rec.Error.Code)
}

func TestManager_RunJob_Timeout(t *testing.T) {
	reg := registry.New(registry.Config{MaxEntries: 10, MaxVulnsPerScan: 100}, nil)
	_, err := reg.Create("scan-1", "mode:hang")
	require.NoError(t, err)

	released := make(chan struct{}, 1)
	settled := make(chan *models.Record, 1)
	m := newTestManager(t, 200, reg, released, settled)
	m.RunJob(models.Job{ScanID: "scan-1", RepoURL: "mode:hang"})

	waitForChan(t, released)
	rec := waitForRecord(t, settled)

	assert.Equal(t, models.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, models.ErrTimeout, rec.Error.Code)
}

func TestManager_RunJob_OOMFingerprint(t *testing.T) {
	reg := registry.New(registry.Config{MaxEntries: 10, MaxVulnsPerScan: 100}, nil)
	_, err := reg.Create("scan-1", "mode:oom_fingerprint")
	require.NoError(t, err)

	released := make(chan struct{}, 1)
	settled := make(chan *models.Record, 1)
	m := newTestManager(t, 5000, reg, released, settled)
	m.RunJob(models.Job{ScanID: "scan-1", RepoURL: "mode:oom_fingerprint"})

	waitForChan(t, released)
	rec := waitForRecord(t, settled)

	assert.Equal(t, models.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, models.ErrOOM, rec.Error.Code)
}

func TestManager_RunJob_UnclassifiedCrash(t *testing.T) {
	reg := registry.New(registry.Config{MaxEntries: 10, MaxVulnsPerScan: 100}, nil)
	_, err := reg.Create("scan-1", "mode:crash")
	require.NoError(t, err)

	released := make(chan struct{}, 1)
	settled := make(chan *models.Record, 1)
	m := newTestManager(t, 5000, reg, released, settled)
	m.RunJob(models.Job{ScanID: "scan-1", RepoURL: "mode:crash"})

	waitForChan(t, released)
	rec := waitForRecord(t, settled)

	assert.Equal(t, models.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, models.ErrUnknown, rec.Error.Code)
}

func TestManager_RunJob_SettleCalledExactlyOnce(t *testing.T) {
	reg := registry.New(registry.Config{MaxEntries: 10, MaxVulnsPerScan: 100}, nil)
	_, err := reg.Create("scan-1", "mode:success")
	require.NoError(t, err)

	var settleCount int
	released := make(chan struct{}, 4)
	settled := make(chan *models.Record, 4)

	cfg := helperConfig(t, 5000)
	m := New(cfg, reg, func() { released <- struct{}{} }, nil, func(job models.Job, rec *models.Record) {
		settleCount++
		settled <- rec
	})

	m.RunJob(models.Job{ScanID: "scan-1", RepoURL: "mode:success"})

	waitForChan(t, released)
	waitForRecord(t, settled)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, settleCount)
}

func TestManager_ShutdownWorkers_KillsSurvivors(t *testing.T) {
	reg := registry.New(registry.Config{MaxEntries: 10, MaxVulnsPerScan: 100}, nil)
	_, err := reg.Create("scan-1", "mode:hang")
	require.NoError(t, err)

	released := make(chan struct{}, 1)
	settled := make(chan *models.Record, 1)
	m := newTestManager(t, 60000, reg, released, settled)
	m.RunJob(models.Job{ScanID: "scan-1", RepoURL: "mode:hang"})

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.ShutdownWorkers(ctx, 200)

	assert.Empty(t, m.live)
}
