// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"log/slog"

	"github.com/cellbox-project/cellbox/lib/sys"
)

// DefaultModules returns the built-in module set in its canonical
// registration order. The same constructor runs in the parent and in the
// re-executed child, so both sides resolve the identical execution order:
// namespaces, cgroups, rootfs, mounts, seccomp, caps, network, ai-agent
// (after dependency resolution: seccomp after mounts, caps after seccomp).
func DefaultModules(s sys.Interface, logger *slog.Logger) []Module {
	return []Module{
		NewNamespacesModule(s, logger),
		NewCgroupsModule(s, logger),
		NewRootFSModule(s, logger),
		NewMountsModule(s, logger),
		NewSeccompModule(s, logger),
		NewCapsModule(s, logger),
		NewNetworkModule(logger),
		NewAdvisorModule(logger),
	}
}

// RegisterDefaults registers the built-in modules on an engine.
func RegisterDefaults(e *Engine, s sys.Interface, logger *slog.Logger) {
	for _, m := range DefaultModules(s, logger) {
		e.Register(m)
	}
}
