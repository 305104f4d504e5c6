// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs one command in a confined execution domain built
// from Linux kernel isolation primitives: namespaces, cgroup v2, seccomp
// BPF, capability sets, and pivot_root.
//
// The central type is [Engine], which owns a set of registered [Module]
// implementations, orders them topologically over their declared
// dependencies, and drives them through a fixed lifecycle: parent-side
// Initialize before the child exists, PrepareChild while the child is
// blocked on a synchronization pipe, child-side ApplyChild between
// namespace entry and the final execve, and parent-side Cleanup in reverse
// order on every exit path.
//
// The child is created by re-executing the current binary with
// SysProcAttr.Cloneflags carrying the requested CLONE_NEW* set, so it
// starts already inside its namespaces; [RunChild] is the entry point the
// CLI dispatches to in that re-executed process. The parent attaches the
// child to its cgroup before releasing it, closing the classic
// attach-versus-exec race with a one-byte pipe handshake.
//
// Ordering inside the child is invariant: namespaces (ID maps, hostname),
// then root filesystem (pivot_root and pseudo-filesystems), then bind
// mounts, then seccomp (NO_NEW_PRIVS first), then capability restriction,
// then execve. Installing the filter after all filesystem setup and before
// the capability drop is what keeps the sequence both functional and
// meaningful as a security boundary.
//
// Output capture uses a single pipe for the child's stdout and stderr;
// splitting the two streams would require a second pipe and a wider result
// type and is left for a future revision.
package sandbox
