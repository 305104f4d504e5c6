// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// ChildCommand is the internal argv[1] the CLI dispatches to RunChild.
const ChildCommand = "child"

// Inherited descriptor numbers in the child: 0-2 are stdio, then
// ExtraFiles in order.
const (
	childConfigFD = 3
	childSyncFD   = 4
)

// childSpec describes the child process the engine wants.
type childSpec struct {
	// CloneFlags is the OR of the requested CLONE_NEW* flags.
	CloneFlags uintptr

	// ConfigJSON is the serialized configuration handed to the child
	// over the config pipe.
	ConfigJSON []byte
}

// waitStatus is the interpreted waitpid result.
type waitStatus struct {
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

// childHandle supervises one spawned child. The engine is its only user.
type childHandle interface {
	PID() int
	Signal(sig os.Signal) error

	// Release unblocks the child (ok=true delivers the sync byte) or
	// tells it to abort (ok=false closes the pipe without writing, which
	// the child observes as EOF).
	Release(ok bool) error

	// Wait reaps the child and interprets its wait status.
	Wait() (waitStatus, error)

	// Stdout is the read end of the capture pipe carrying the child's
	// stdout and stderr.
	Stdout() io.ReadCloser
}

// spawner creates child processes. The engine uses execSpawner in
// production; tests substitute a fake.
type spawner interface {
	Spawn(spec childSpec) (childHandle, error)
}

// execSpawner re-executes the current binary via /proc/self/exe with the
// namespace clone flags, so the child starts already inside the new
// namespaces.
type execSpawner struct{}

func (execSpawner) Spawn(spec childSpec) (childHandle, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	configR, configW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating config pipe: %w", err)
	}
	syncR, syncW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		configR.Close()
		configW.Close()
		return nil, fmt.Errorf("creating sync pipe: %w", err)
	}

	cmd := &exec.Cmd{
		Path:   "/proc/self/exe",
		Args:   []string{os.Args[0], ChildCommand},
		Stdout: stdoutW,
		Stderr: stdoutW,
		// fd 3 = config, fd 4 = sync.
		ExtraFiles: []*os.File{configR, syncR},
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: spec.CloneFlags,
			Setpgid:    true,
		},
		// The child helper gets a minimal environment. Anything more
		// would be readable through /proc/<pid>/environ from inside
		// the sandbox until the execve; the sandboxed command's
		// environment is constructed separately in the child.
		Env: []string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		},
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		configR.Close()
		configW.Close()
		syncR.Close()
		syncW.Close()
		return nil, fmt.Errorf("cloning child: %w", err)
	}

	// Parent keeps only its ends.
	stdoutW.Close()
	configR.Close()
	syncR.Close()

	// The config document is far below the pipe buffer size, so this
	// write cannot block against the not-yet-reading child.
	if _, err := configW.Write(spec.ConfigJSON); err != nil {
		configW.Close()
		syncW.Close()
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		stdoutR.Close()
		return nil, fmt.Errorf("sending config to child: %w", err)
	}
	configW.Close()

	return &execHandle{cmd: cmd, stdout: stdoutR, sync: syncW}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout *os.File
	sync   *os.File
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Release(ok bool) error {
	if h.sync == nil {
		return nil
	}
	defer func() {
		h.sync.Close()
		h.sync = nil
	}()
	if !ok {
		return nil
	}
	if _, err := h.sync.Write([]byte{0}); err != nil {
		return fmt.Errorf("unblocking child: %w", err)
	}
	return nil
}

func (h *execHandle) Wait() (waitStatus, error) {
	err := h.cmd.Wait()
	state := h.cmd.ProcessState
	if state == nil {
		return waitStatus{ExitCode: -1}, fmt.Errorf("waiting for child: %w", err)
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return waitStatus{ExitCode: state.ExitCode()}, nil
	}
	switch {
	case ws.Exited():
		return waitStatus{ExitCode: ws.ExitStatus()}, nil
	case ws.Signaled():
		return waitStatus{ExitCode: -int(ws.Signal()), Signaled: true, Signal: ws.Signal()}, nil
	default:
		return waitStatus{ExitCode: -1}, fmt.Errorf("unexpected wait status %#x", uint32(ws))
	}
}

func (h *execHandle) Stdout() io.ReadCloser {
	return h.stdout
}
