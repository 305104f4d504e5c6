// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/cellbox-project/cellbox/lib/config"
	"github.com/cellbox-project/cellbox/lib/sys"
)

// namespaceFlags maps configured namespace kinds to clone flags.
var namespaceFlags = map[string]uintptr{
	"pid":   unix.CLONE_NEWPID,
	"net":   unix.CLONE_NEWNET,
	"ipc":   unix.CLONE_NEWIPC,
	"uts":   unix.CLONE_NEWUTS,
	"mount": unix.CLONE_NEWNS,
	"user":  unix.CLONE_NEWUSER,
}

// CloneFlags returns the OR of the clone flags for the configured
// namespace set. Unknown kinds contribute nothing; validation rejects them
// before a run starts.
func CloneFlags(cfg *config.Config) uintptr {
	var flags uintptr
	for _, ns := range cfg.Isolation.Namespaces {
		flags |= namespaceFlags[ns]
	}
	return flags
}

// NamespacesModule requests the configured namespace set and, inside the
// child, writes the user namespace ID maps and the UTS hostname. The
// namespaces themselves are entered at clone time through the engine's
// spawn flags; procfs and sysfs mounting is deferred to the rootfs module
// so it lands after pivot_root.
type NamespacesModule struct {
	sys    sys.Interface
	logger *slog.Logger

	flags uintptr
}

// NewNamespacesModule creates the namespaces module.
func NewNamespacesModule(s sys.Interface, logger *slog.Logger) *NamespacesModule {
	return &NamespacesModule{sys: s, logger: logger}
}

func (m *NamespacesModule) Name() string           { return "namespaces" }
func (m *NamespacesModule) Version() string        { return "1.0.0" }
func (m *NamespacesModule) Type() string           { return "isolation" }
func (m *NamespacesModule) Dependencies() []string { return nil }

func (m *NamespacesModule) Description() string {
	return "Creates PID, network, mount, UTS, IPC, and user namespaces for the sandboxed process."
}

func (m *NamespacesModule) Enabled(cfg *config.Config) bool {
	return len(cfg.Isolation.Namespaces) > 0
}

func (m *NamespacesModule) Initialize(cfg *config.Config) error {
	m.flags = CloneFlags(cfg)
	m.logger.Debug("namespace flags computed",
		"namespaces", cfg.Isolation.Namespaces,
		"flags", fmt.Sprintf("%#x", m.flags),
	)
	return nil
}

func (m *NamespacesModule) PrepareChild(cfg *config.Config, childPID int) error {
	return nil
}

func (m *NamespacesModule) ApplyChild(cfg *config.Config) error {
	if cfg.HasNamespace("user") {
		if err := m.writeIDMaps(cfg); err != nil {
			return failf(NamespaceFailure, "user namespace mapping", err)
		}
	}

	if cfg.HasNamespace("uts") {
		if err := m.sys.Sethostname(cfg.Sandbox.Hostname); err != nil {
			// Hostname is cosmetic; the run continues.
			m.logger.Warn("failed to set hostname", "hostname", cfg.Sandbox.Hostname, "error", err)
		}
	}

	return nil
}

// writeIDMaps denies setgroups and installs the uid and gid maps. The
// kernel accepts exactly one write to each map; a second write fails with
// EPERM and aborts the run.
func (m *NamespacesModule) writeIDMaps(cfg *config.Config) error {
	if err := m.sys.WriteFile("/proc/self/setgroups", []byte("deny")); err != nil {
		m.logger.Warn("failed to write /proc/self/setgroups", "error", err)
	}

	uidMap := fmt.Sprintf("%d %d %d",
		cfg.Isolation.UIDMap.ContainerUID,
		cfg.Isolation.UIDMap.HostUID,
		cfg.Isolation.UIDMap.Count,
	)
	if err := m.sys.WriteFile("/proc/self/uid_map", []byte(uidMap)); err != nil {
		return fmt.Errorf("writing uid_map: %w", err)
	}
	m.logger.Debug("uid map written", "map", uidMap)

	gidMap := fmt.Sprintf("%d %d %d",
		cfg.Isolation.GIDMap.ContainerGID,
		cfg.Isolation.GIDMap.HostGID,
		cfg.Isolation.GIDMap.Count,
	)
	if err := m.sys.WriteFile("/proc/self/gid_map", []byte(gidMap)); err != nil {
		return fmt.Errorf("writing gid_map: %w", err)
	}
	m.logger.Debug("gid map written", "map", gidMap)

	return nil
}

func (m *NamespacesModule) Execute(cfg *config.Config) (int, error) {
	return 0, nil
}

func (m *NamespacesModule) Cleanup(cfg *config.Config) error {
	m.flags = 0
	return nil
}
