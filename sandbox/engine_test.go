// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cellbox-project/cellbox/lib/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sandbox.Command = []string{"/bin/true"}
	return cfg
}

// testModule records which hooks ran, in which order, across a set of
// modules sharing one event log.
type testModule struct {
	name    string
	deps    []string
	enabled bool

	initErr error
	prepErr error

	mu     *sync.Mutex
	events *[]string
}

func newTestModule(name string, events *[]string, mu *sync.Mutex) *testModule {
	return &testModule{name: name, enabled: true, events: events, mu: mu}
}

func (m *testModule) record(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.events = append(*m.events, event+":"+m.name)
}

func (m *testModule) Name() string                { return m.name }
func (m *testModule) Version() string             { return "0.0.0" }
func (m *testModule) Type() string                { return "test" }
func (m *testModule) Description() string         { return "test module" }
func (m *testModule) Dependencies() []string      { return m.deps }
func (m *testModule) Enabled(*config.Config) bool { return m.enabled }

func (m *testModule) Initialize(*config.Config) error {
	m.record("init")
	return m.initErr
}

func (m *testModule) PrepareChild(_ *config.Config, pid int) error {
	m.record("prepare")
	return m.prepErr
}

func (m *testModule) ApplyChild(*config.Config) error {
	m.record("apply")
	return nil
}

func (m *testModule) Execute(*config.Config) (int, error) {
	return 0, nil
}

func (m *testModule) Cleanup(*config.Config) error {
	m.record("cleanup")
	return nil
}

// fakeHandle simulates a spawned child for engine tests.
type fakeHandle struct {
	pid    int
	status waitStatus
	stdout string

	// ignoreTerm makes SIGTERM a no-op so Stop has to escalate.
	ignoreTerm bool

	// stayAlive keeps the fake child running after release; it only
	// exits on a fatal signal.
	stayAlive bool

	mu       sync.Mutex
	signals  []os.Signal
	released []bool
	exited   chan struct{}
	once     sync.Once
}

func newFakeHandle(pid int, status waitStatus, stdout string) *fakeHandle {
	return &fakeHandle{pid: pid, status: status, stdout: stdout, exited: make(chan struct{})}
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !h.ignoreTerm) {
		h.exit()
	}
	return nil
}

func (h *fakeHandle) exit() {
	h.once.Do(func() { close(h.exited) })
}

func (h *fakeHandle) Release(ok bool) error {
	h.mu.Lock()
	h.released = append(h.released, ok)
	h.mu.Unlock()
	// A released fake child "runs" to completion immediately unless
	// the test wants it to linger; an aborted one dies too.
	if !h.stayAlive || !ok {
		h.exit()
	}
	return nil
}

func (h *fakeHandle) Wait() (waitStatus, error) {
	<-h.exited
	return h.status, nil
}

func (h *fakeHandle) Stdout() io.ReadCloser {
	return io.NopCloser(strings.NewReader(h.stdout))
}

func (h *fakeHandle) sentSignals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]os.Signal, len(h.signals))
	copy(out, h.signals)
	return out
}

// fakeSpawner hands out a pre-built handle and records the spec.
type fakeSpawner struct {
	handle *fakeHandle
	err    error

	mu     sync.Mutex
	spawns []childSpec
}

func (s *fakeSpawner) Spawn(spec childSpec) (childHandle, error) {
	s.mu.Lock()
	s.spawns = append(s.spawns, spec)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.handle, nil
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawns)
}

func newTestEngine(t *testing.T, handle *fakeHandle) (*Engine, *fakeSpawner) {
	t.Helper()
	e := NewEngine(testConfig(), testLogger())
	sp := &fakeSpawner{handle: handle}
	e.spawn = sp
	return e, sp
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	var events []string
	var mu sync.Mutex
	a := newTestModule("alpha", &events, &mu)
	b := newTestModule("beta", &events, &mu)

	handle := newFakeHandle(4242, waitStatus{ExitCode: 0}, "hello from the sandbox\n")
	e, sp := newTestEngine(t, handle)
	e.Register(a)
	e.Register(b)

	result := e.Run()

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if result.ChildPID != 4242 {
		t.Errorf("child pid = %d, want 4242", result.ChildPID)
	}
	if got := string(result.Stdout); got != "hello from the sandbox\n" {
		t.Errorf("stdout = %q", got)
	}
	if result.Duration <= 0 {
		t.Error("duration not recorded")
	}
	if e.State() != Stopped {
		t.Errorf("state = %s, want stopped", e.State())
	}
	if sp.spawnCount() != 1 {
		t.Errorf("spawn count = %d, want 1", sp.spawnCount())
	}

	// Forward init and prepare, reverse cleanup.
	want := []string{
		"init:alpha", "init:beta",
		"prepare:alpha", "prepare:beta",
		"cleanup:beta", "cleanup:alpha",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestRunInitFailureSkipsSpawn(t *testing.T) {
	t.Parallel()

	var events []string
	var mu sync.Mutex
	a := newTestModule("cgroups-like", &events, &mu)
	b := newTestModule("broken", &events, &mu)
	b.initErr = errors.New("boom")
	c := newTestModule("never-reached", &events, &mu)

	e, sp := newTestEngine(t, newFakeHandle(1, waitStatus{}, ""))
	e.Register(a)
	e.Register(b)
	e.Register(c)

	result := e.Run()

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ChildPID != -1 {
		t.Errorf("child pid = %d, want -1 (no child forked)", result.ChildPID)
	}
	if !strings.Contains(result.ErrorMessage, "broken") {
		t.Errorf("error message %q does not name the failed module", result.ErrorMessage)
	}
	if sp.spawnCount() != 0 {
		t.Error("child was spawned despite init failure")
	}
	if e.State() != StateFailed {
		t.Errorf("state = %s, want error", e.State())
	}

	// The failed module and its predecessor are cleaned up in reverse;
	// the unreached module is not initialized at all.
	want := []string{
		"init:cgroups-like", "init:broken",
		"cleanup:broken", "cleanup:cgroups-like",
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestRunPrepareFailureKillsChild(t *testing.T) {
	t.Parallel()

	var events []string
	var mu sync.Mutex
	a := newTestModule("attacher", &events, &mu)
	a.prepErr = errors.New("cgroup.procs: permission denied")

	handle := newFakeHandle(99, waitStatus{ExitCode: -9, Signaled: true, Signal: syscall.SIGKILL}, "")
	e, _ := newTestEngine(t, handle)
	e.Register(a)

	result := e.Run()

	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.ErrorMessage, "attacher") {
		t.Errorf("error message %q does not name the failed module", result.ErrorMessage)
	}

	killed := false
	for _, sig := range handle.sentSignals() {
		if sig == syscall.SIGKILL {
			killed = true
		}
	}
	if !killed {
		t.Error("child was not SIGKILLed after prepare failure")
	}
	if len(handle.released) != 1 || handle.released[0] {
		t.Errorf("expected abort release, got %v", handle.released)
	}

	// Cleanup still ran.
	mu.Lock()
	defer mu.Unlock()
	if events[len(events)-1] != "cleanup:attacher" {
		t.Errorf("missing cleanup, events = %v", events)
	}
}

func TestRunSignaledChild(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle(7, waitStatus{ExitCode: -15, Signaled: true, Signal: syscall.SIGTERM}, "")
	e, _ := newTestEngine(t, handle)

	result := e.Run()

	if result.Success {
		t.Fatal("expected failure for signaled child")
	}
	if result.ExitCode != -15 {
		t.Errorf("exit code = %d, want -15", result.ExitCode)
	}
	if !strings.Contains(result.ErrorMessage, "signal") {
		t.Errorf("error message %q does not mention the signal", result.ErrorMessage)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle(7, waitStatus{ExitCode: 3}, "")
	e, _ := newTestEngine(t, handle)

	result := e.Run()

	if result.Success {
		t.Fatal("expected failure for exit code 3")
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestRunAsync(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle(11, waitStatus{ExitCode: 0}, "async\n")
	e, _ := newTestEngine(t, handle)

	select {
	case result := <-e.RunAsync():
		if !result.Success {
			t.Errorf("expected success, got %+v", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunAsync did not complete")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle(13, waitStatus{ExitCode: -9, Signaled: true, Signal: syscall.SIGKILL}, "")
	handle.ignoreTerm = true
	handle.stayAlive = true

	e, _ := newTestEngine(t, handle)
	results := e.RunAsync()

	// Wait until the engine reaches the running state.
	deadline := time.Now().Add(5 * time.Second)
	for e.State() != Running {
		if time.Now().After(deadline) {
			t.Fatal("engine never reached running state")
		}
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	if err := e.Stop(300 * time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed > 2*time.Second {
		t.Errorf("Stop took %v, want ~300ms", elapsed)
	}

	sigs := handle.sentSignals()
	if len(sigs) < 2 || sigs[0] != syscall.SIGTERM || sigs[len(sigs)-1] != syscall.SIGKILL {
		t.Errorf("signals = %v, want SIGTERM then SIGKILL", sigs)
	}

	select {
	case <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after Stop")
	}

	// Stop after completion is a no-op.
	if err := e.Stop(time.Millisecond); err != nil {
		t.Errorf("idempotent Stop: %v", err)
	}
}

func TestDisabledModuleSkipped(t *testing.T) {
	t.Parallel()

	var events []string
	var mu sync.Mutex
	a := newTestModule("active", &events, &mu)
	b := newTestModule("dormant", &events, &mu)
	b.enabled = false

	e, _ := newTestEngine(t, newFakeHandle(1, waitStatus{ExitCode: 0}, ""))
	e.Register(a)
	e.Register(b)

	result := e.Run()
	if !result.Success {
		t.Fatalf("run failed: %s", result.ErrorMessage)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ev := range events {
		if strings.HasSuffix(ev, ":dormant") {
			t.Errorf("disabled module was invoked: %s", ev)
		}
	}
}

func TestRegisterReplacesDuplicate(t *testing.T) {
	t.Parallel()

	var events []string
	var mu sync.Mutex
	first := newTestModule("dup", &events, &mu)
	second := newTestModule("dup", &events, &mu)

	e, _ := newTestEngine(t, newFakeHandle(1, waitStatus{ExitCode: 0}, ""))
	e.Register(first)
	e.Register(second)

	if got := e.Module("dup"); got != Module(second) {
		t.Error("duplicate registration did not replace the module")
	}
}

func TestModuleStatesTracked(t *testing.T) {
	t.Parallel()

	var events []string
	var mu sync.Mutex
	a := newTestModule("tracked", &events, &mu)

	e, _ := newTestEngine(t, newFakeHandle(1, waitStatus{ExitCode: 0}, ""))
	e.Register(a)

	if e.ModuleState("tracked") != StateUninitialized {
		t.Errorf("initial state = %s", e.ModuleState("tracked"))
	}
	e.Run()
	if e.ModuleState("tracked") != StateStopped {
		t.Errorf("final state = %s, want stopped", e.ModuleState("tracked"))
	}
}

func TestIsExitError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", &ExitError{Code: 42})
	code, ok := IsExitError(err)
	if !ok || code != 42 {
		t.Errorf("IsExitError = (%d, %v), want (42, true)", code, ok)
	}
	if _, ok := IsExitError(errors.New("plain")); ok {
		t.Error("plain error misidentified as ExitError")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("context: %w", failf(SecurityFailure, "seccomp", errors.New("denied")))
	if got := KindOf(err); got != SecurityFailure {
		t.Errorf("KindOf = %s, want security", got)
	}
	if got := KindOf(errors.New("plain")); got != ResourceFailure {
		t.Errorf("KindOf(plain) = %s, want resource", got)
	}
}
