// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"github.com/cellbox-project/cellbox/lib/config"
)

// ModuleState is the lifecycle position of a registered module. The engine
// alone drives transitions; modules never change their own state.
type ModuleState int

const (
	// StateUninitialized is the state before Initialize has run.
	StateUninitialized ModuleState = iota
	// StateInitialized means Initialize succeeded.
	StateInitialized
	// StateRunning means the child has been released to run its setup
	// and the command.
	StateRunning
	// StateStopped means Cleanup has run.
	StateStopped
	// StateError is the sink for any failed hook.
	StateError
)

func (s ModuleState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Module is one isolation unit orchestrated by the engine. Implementations
// receive the immutable configuration snapshot in every hook and must not
// retain mutable references to it.
//
// Hook placement:
//
//	Initialize    parent, before the child is cloned
//	PrepareChild  parent, after clone, while the child blocks on the sync pipe
//	ApplyChild    child, after namespace entry, before execve
//	Execute       child, last, at most once per run
//	Cleanup       parent, after the child is reaped or on error
//
// An Initialize failure aborts the run before any child exists. A
// PrepareChild failure kills the child. An ApplyChild failure makes the
// child exit with status 1.
type Module interface {
	// Name is the unique registry key, also used in dependency
	// declarations.
	Name() string

	// Version identifies the module implementation.
	Version() string

	// Type is a coarse category (isolation, filesystem, security, ai).
	Type() string

	// Description is a one-line summary for diagnostics.
	Description() string

	// Dependencies lists module names that must run before this module
	// in forward phases (and after it in cleanup).
	Dependencies() []string

	// Enabled reports whether the module participates in this run.
	// Disabled modules stay registered but are skipped in every phase.
	Enabled(cfg *config.Config) bool

	// Initialize validates configuration and acquires parent-side
	// resources.
	Initialize(cfg *config.Config) error

	// PrepareChild attaches external state to the child process (for
	// example cgroup membership) while the child is still blocked.
	PrepareChild(cfg *config.Config, childPID int) error

	// ApplyChild performs in-namespace setup inside the child.
	ApplyChild(cfg *config.Config) error

	// Execute runs the module's payload in the child and returns an
	// exit code. Only meaningful for modules that execute something;
	// the built-in isolation modules return 0.
	Execute(cfg *config.Config) (int, error)

	// Cleanup releases resources acquired in Initialize. It is called
	// in reverse dependency order on every exit path, including after
	// partial initialization.
	Cleanup(cfg *config.Config) error
}
