// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

// cellbox runs a command inside a kernel-enforced sandbox built from
// namespaces, cgroup v2 limits, seccomp filtering, capability restriction,
// and a pivoted root filesystem.
//
// Usage:
//
//	cellbox [--config FILE] [--name NAME] [--debug] [--ai] -- <command> [args...]
//
// The process exit code is the sandboxed command's exit code; 1 signals an
// engine failure and 2 a configuration error. The internal "child" argv is
// reserved for the re-executed sandbox child and must not be invoked
// manually.
package main
