// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/cellbox-project/cellbox/lib/config"
	"github.com/cellbox-project/cellbox/lib/sys"
)

// MountsModule applies the configured bind mounts inside the new root, in
// order, optionally remounting each read-only. It depends on rootfs so it
// always runs after pivot_root.
//
// Known limitation: bind sources are resolved in the child's mount
// namespace, which by that point is the pivoted root. A source path must
// therefore exist inside the new root (or have been prepared there ahead
// of time); host paths that were not carried across the pivot are no
// longer reachable.
type MountsModule struct {
	sys    sys.Interface
	logger *slog.Logger

	// applied records successful mounts for reverse-order cleanup.
	applied []string
}

// NewMountsModule creates the bind-mounts module.
func NewMountsModule(s sys.Interface, logger *slog.Logger) *MountsModule {
	return &MountsModule{sys: s, logger: logger}
}

func (m *MountsModule) Name() string           { return "mounts" }
func (m *MountsModule) Version() string        { return "1.0.0" }
func (m *MountsModule) Type() string           { return "filesystem" }
func (m *MountsModule) Dependencies() []string { return []string{"rootfs"} }

func (m *MountsModule) Description() string {
	return "Applies configured bind mounts inside the sandbox root, optionally read-only."
}

func (m *MountsModule) Enabled(cfg *config.Config) bool {
	return len(cfg.Mounts.BindMounts) > 0
}

func (m *MountsModule) Initialize(cfg *config.Config) error {
	for _, bm := range cfg.Mounts.BindMounts {
		mode := "rw"
		if bm.ReadOnly {
			mode = "ro"
		}
		m.logger.Debug("bind mount configured", "source", bm.Source, "target", bm.Target, "mode", mode)
	}
	return nil
}

func (m *MountsModule) PrepareChild(cfg *config.Config, childPID int) error {
	return nil
}

func (m *MountsModule) ApplyChild(cfg *config.Config) error {
	for _, bm := range cfg.Mounts.BindMounts {
		if err := m.applyBindMount(bm); err != nil {
			return failf(ResourceFailure, "bind mount "+bm.Target, err)
		}
		m.applied = append(m.applied, bm.Target)
	}
	return nil
}

func (m *MountsModule) applyBindMount(bm config.BindMount) error {
	if !m.sys.Exists(bm.Source) {
		m.logger.Warn("bind mount source does not exist, creating", "source", bm.Source)
		if err := m.sys.MkdirAll(bm.Source, 0o755); err != nil {
			return err
		}
	}

	if err := m.sys.MkdirAll(bm.Target, 0o755); err != nil {
		return err
	}

	if err := m.sys.Mount(bm.Source, bm.Target, "", unix.MS_BIND, ""); err != nil {
		return err
	}

	if bm.ReadOnly {
		// A bind mount ignores MS_RDONLY at creation; only a remount
		// makes it stick.
		err := m.sys.Mount("", bm.Target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, "")
		if err != nil {
			m.logger.Warn("failed to remount bind mount read-only", "target", bm.Target, "error", err)
		}
	}

	m.logger.Debug("bind mount applied", "source", bm.Source, "target", bm.Target)
	return nil
}

func (m *MountsModule) Execute(cfg *config.Config) (int, error) {
	return 0, nil
}

// Cleanup detaches the recorded mounts in reverse order. In the common
// case the mount namespace died with the child and there is nothing left
// to undo; the detach is for runs without a mount namespace.
func (m *MountsModule) Cleanup(cfg *config.Config) error {
	for i := len(m.applied) - 1; i >= 0; i-- {
		target := m.applied[i]
		if err := m.sys.Unmount(target, unix.MNT_DETACH); err != nil {
			m.logger.Warn("failed to unmount", "target", target, "error", err)
		}
	}
	m.applied = nil
	return nil
}
