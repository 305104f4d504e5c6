// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/cellbox-project/cellbox/lib/config"
)

// Engine owns one sandbox run: it orders the registered modules, drives
// the parent-side phases, supervises the child, and tears everything down
// on every exit path. One Engine instance supervises one process tree;
// concurrent sandboxes each need their own Engine (and a unique sandbox
// name, which keys the cgroup path).
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	spawn  spawner

	mu           sync.Mutex
	modules      []Module
	order        []Module
	state        SandboxState
	moduleStates map[string]ModuleState
	handle       childHandle
	done         chan struct{}
}

// NewEngine creates an engine for one configuration snapshot.
func NewEngine(cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:          cfg,
		logger:       logger,
		spawn:        execSpawner{},
		state:        Created,
		moduleStates: make(map[string]ModuleState),
	}
}

// Register adds a module to the registry. Registering a name twice
// replaces the earlier module with a warning, keeping the original
// registration position.
func (e *Engine) Register(m Module) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.modules {
		if existing.Name() == m.Name() {
			e.logger.Warn("module already registered, replacing", "module", m.Name())
			e.modules[i] = m
			return
		}
	}
	e.modules = append(e.modules, m)
	e.moduleStates[m.Name()] = StateUninitialized
	e.logger.Debug("registered module", "module", m.Name(), "type", m.Type())
}

// Module returns a registered module by name, or nil.
func (e *Engine) Module(name string) Module {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.modules {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() SandboxState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ModuleState returns the lifecycle state of a registered module.
func (e *Engine) ModuleState(name string) ModuleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.moduleStates[name]
}

// ExecutionOrder returns the resolved module order by name. It is only
// meaningful after Run has begun.
func (e *Engine) ExecutionOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.order))
	for i, m := range e.order {
		names[i] = m.Name()
	}
	return names
}

func (e *Engine) setState(s SandboxState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.logger.Debug("sandbox state changed", "state", s.String())
}

func (e *Engine) setModuleState(m Module, s ModuleState) {
	e.mu.Lock()
	e.moduleStates[m.Name()] = s
	e.mu.Unlock()
}

// Run executes the configured command in the sandbox and blocks until the
// child is reaped and cleanup has finished. It always returns a Result;
// engine-level failures are reported through Result.ErrorMessage with
// ChildPID == -1 when no child was ever forked.
func (e *Engine) Run() *Result {
	start := time.Now()
	result := &Result{ExitCode: -1, ChildPID: -1}
	defer func() {
		result.Duration = time.Since(start)
	}()

	e.logger.Info("starting sandbox", "name", e.cfg.Sandbox.Name, "command", e.cfg.Sandbox.Command)
	e.setState(Initializing)

	e.mu.Lock()
	e.order = resolveOrder(e.modules, e.logger)
	e.done = make(chan struct{})
	order := e.order
	e.mu.Unlock()

	// Parent phase 1: initialize every enabled module, in order. On the
	// first failure no child is ever forked; everything initialized so
	// far (including the failed module's partial state) is cleaned up
	// in reverse.
	var initialized []Module
	for _, m := range order {
		if !m.Enabled(e.cfg) {
			e.logger.Debug("module disabled, skipping", "module", m.Name())
			continue
		}
		e.logger.Debug("initializing module", "module", m.Name())
		initialized = append(initialized, m)
		if err := m.Initialize(e.cfg); err != nil {
			e.logger.Error("module initialization failed", "module", m.Name(), "error", err)
			e.setModuleState(m, StateError)
			result.ErrorMessage = fmt.Sprintf("initializing %s: %v", m.Name(), err)
			e.cleanup(initialized)
			e.setState(StateFailed)
			close(e.doneCh())
			return result
		}
		e.setModuleState(m, StateInitialized)
	}

	// Clone the child inside the requested namespaces. The child blocks
	// on the sync pipe until PrepareChild has finished, so the cgroup
	// membership is in effect before it performs any privileged action.
	cfgJSON, err := json.Marshal(e.cfg)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("encoding config: %v", err)
		e.cleanup(initialized)
		e.setState(StateFailed)
		close(e.doneCh())
		return result
	}

	handle, err := e.spawn.Spawn(childSpec{
		CloneFlags: CloneFlags(e.cfg),
		ConfigJSON: cfgJSON,
	})
	if err != nil {
		err = failf(NamespaceFailure, "cloning child", err)
		e.logger.Error("failed to clone child", "error", err)
		result.ErrorMessage = err.Error()
		e.cleanup(initialized)
		e.setState(StateFailed)
		close(e.doneCh())
		return result
	}

	e.mu.Lock()
	e.handle = handle
	e.mu.Unlock()
	result.ChildPID = handle.PID()
	e.logger.Info("child process started", "pid", handle.PID())

	// Parent phase 2: attach external state to the blocked child. A
	// failure here kills the child before it can proceed.
	e.setState(Preparing)
	var prepErr error
	for _, m := range initialized {
		if err := m.PrepareChild(e.cfg, handle.PID()); err != nil {
			e.logger.Error("module child preparation failed", "module", m.Name(), "error", err)
			e.setModuleState(m, StateError)
			prepErr = fmt.Errorf("preparing %s: %w", m.Name(), err)
			break
		}
	}

	if prepErr != nil {
		_ = handle.Signal(syscall.SIGKILL)
		_ = handle.Release(false)
	} else {
		if err := handle.Release(true); err != nil {
			e.logger.Error("failed to release child", "error", err)
			prepErr = err
			_ = handle.Signal(syscall.SIGKILL)
		}
	}

	e.setState(Running)
	for _, m := range initialized {
		if prepErr == nil {
			e.setModuleState(m, StateRunning)
		}
	}

	// Supervise: reap the child while draining the capture pipe.
	var stdout bytes.Buffer
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_, _ = io.Copy(&stdout, handle.Stdout())
	}()

	status, waitErr := handle.Wait()
	close(e.doneCh())

	// The pipe reaches EOF when the last writer exits. Should an orphaned
	// grandchild keep it open past the reap, force the reader shut.
	select {
	case <-drained:
	case <-time.After(time.Second):
		_ = handle.Stdout().Close()
		<-drained
	}

	result.Stdout = stdout.Bytes()
	result.ExitCode = status.ExitCode

	switch {
	case prepErr != nil:
		result.Success = false
		result.ErrorMessage = prepErr.Error()
	case waitErr != nil:
		result.Success = false
		result.ErrorMessage = waitErr.Error()
	case status.Signaled:
		result.Success = false
		result.ErrorMessage = fmt.Sprintf("killed by signal: %s", status.Signal)
	default:
		result.Success = status.ExitCode == 0
		if !result.Success && result.ErrorMessage == "" {
			result.ErrorMessage = (&ExitError{Code: status.ExitCode}).Error()
		}
	}

	e.setState(Stopping)
	e.cleanup(initialized)
	if prepErr != nil {
		e.setState(StateFailed)
	} else {
		e.setState(Stopped)
	}

	e.logger.Info("sandbox finished",
		"exit_code", result.ExitCode,
		"success", result.Success,
		"duration", time.Since(start),
	)
	return result
}

// RunAsync schedules Run on a background goroutine. The returned channel
// yields the single Result.
func (e *Engine) RunAsync() <-chan *Result {
	ch := make(chan *Result, 1)
	go func() {
		ch <- e.Run()
	}()
	return ch
}

// Stop requests termination of a running child: SIGTERM first, then
// SIGKILL once the timeout expires. It returns as soon as the child is
// reaped or the kill has been delivered, and is a no-op when nothing is
// running.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	handle := e.handle
	done := e.done
	e.mu.Unlock()

	if handle == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	e.logger.Info("stopping sandbox", "timeout", timeout)
	if err := handle.Signal(syscall.SIGTERM); err != nil {
		return nil // Already gone.
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-deadline.C:
			e.logger.Warn("graceful shutdown timed out, sending SIGKILL")
			_ = handle.Signal(syscall.SIGKILL)
			return nil
		case <-tick.C:
		}
	}
}

// cleanup runs Cleanup on the given modules in reverse order. Every module
// is attempted; errors are logged and do not stop the sweep.
func (e *Engine) cleanup(modules []Module) {
	for i := len(modules) - 1; i >= 0; i-- {
		m := modules[i]
		e.logger.Debug("cleaning up module", "module", m.Name())
		if err := m.Cleanup(e.cfg); err != nil {
			e.logger.Error("module cleanup failed", "module", m.Name(), "error", err)
			e.setModuleState(m, StateError)
			continue
		}
		e.setModuleState(m, StateStopped)
	}
}

// doneCh returns the current run's completion channel.
func (e *Engine) doneCh() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}
