// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package sys is the syscall layer of the sandbox. It exposes the kernel
// primitives the isolation modules need (file writes to /proc and cgroupfs,
// mount, pivot_root, prctl, exec) behind a small interface so that module
// behavior can be asserted against a recorded call trace instead of a live
// kernel.
//
// The layer carries no policy. Every operation reports the underlying OS
// error unmodified via wrapping, so callers can inspect the errno with
// errors.Is (for example errors.Is(err, unix.EPERM)).
package sys

import "os"

// Interface is the set of kernel operations the sandbox modules perform.
// Real is the production implementation; Fake records calls for tests.
type Interface interface {
	// ReadFile returns the contents of the file at path.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes exactly data to the file at path, creating it if
	// the parent directory exists. No trailing newline is added. "not
	// found" and "not permitted" are distinguishable on the returned
	// error; cgroup interface files reject some values with EINVAL or
	// EPERM depending on kernel configuration, and those are surfaced
	// verbatim.
	WriteFile(path string, data []byte) error

	// MkdirAll creates the directory at path along with any missing
	// parents.
	MkdirAll(path string, perm os.FileMode) error

	// RemoveAll removes path and everything below it.
	RemoveAll(path string) error

	// Rmdir removes a single empty directory. Cgroup directories can
	// only be removed this way.
	Rmdir(path string) error

	// Exists reports whether path exists.
	Exists(path string) bool

	// IsDir reports whether path exists and is a directory.
	IsDir(path string) bool

	// Mount wraps mount(2).
	Mount(source, target, fstype string, flags uintptr, data string) error

	// Unmount wraps umount2(2).
	Unmount(target string, flags int) error

	// PivotRoot wraps pivot_root(2).
	PivotRoot(newRoot, putOld string) error

	// Unshare wraps unshare(2).
	Unshare(flags int) error

	// Sethostname wraps sethostname(2).
	Sethostname(name string) error

	// Chdir changes the working directory of the calling process.
	Chdir(dir string) error

	// SetNoNewPrivs sets the PR_SET_NO_NEW_PRIVS bit. Required before an
	// unprivileged seccomp filter install, and makes the filter survive
	// execve.
	SetNoNewPrivs() error

	// SetProcessName sets the process title via prctl(PR_SET_NAME).
	SetProcessName(name string) error

	// Exec replaces the current process image via execve(2). It only
	// returns on failure.
	Exec(argv0 string, argv []string, envv []string) error
}
