// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cellbox-project/cellbox/lib/config"
	"github.com/cellbox-project/cellbox/lib/sys"
)

// DefaultCgroupRoot is the cgroup v2 unified hierarchy mount point.
const DefaultCgroupRoot = "/sys/fs/cgroup"

// cpuPeriodMicros is the fixed cpu.max period.
const cpuPeriodMicros = 100000

// CgroupsModule creates a per-sandbox cgroup v2 directory, writes the
// resource limits into it, and attaches the child before it is released.
// The directory exists from Initialize until Cleanup and nowhere else.
type CgroupsModule struct {
	sys    sys.Interface
	logger *slog.Logger

	root     string
	fullPath string
}

// NewCgroupsModule creates the cgroups module rooted at the standard
// unified hierarchy.
func NewCgroupsModule(s sys.Interface, logger *slog.Logger) *CgroupsModule {
	return &CgroupsModule{sys: s, logger: logger, root: DefaultCgroupRoot}
}

// NewCgroupsModuleAt creates the module against an alternate hierarchy
// root, for delegated sub-trees.
func NewCgroupsModuleAt(root string, s sys.Interface, logger *slog.Logger) *CgroupsModule {
	return &CgroupsModule{sys: s, logger: logger, root: root}
}

func (m *CgroupsModule) Name() string           { return "cgroups" }
func (m *CgroupsModule) Version() string        { return "1.0.0" }
func (m *CgroupsModule) Type() string           { return "isolation" }
func (m *CgroupsModule) Dependencies() []string { return nil }

func (m *CgroupsModule) Description() string {
	return "Enforces CPU, memory, and PID limits through a per-sandbox cgroup v2 directory."
}

func (m *CgroupsModule) Enabled(cfg *config.Config) bool {
	return true
}

// Path returns the sandbox's cgroup directory. Empty before Initialize.
func (m *CgroupsModule) Path() string {
	return m.fullPath
}

func (m *CgroupsModule) Initialize(cfg *config.Config) error {
	// The parent PID in the name keeps concurrent sandboxes with the
	// same configured name from colliding.
	name := fmt.Sprintf("sandbox-%s-%d", cfg.Sandbox.Name, os.Getpid())
	m.fullPath = filepath.Join(m.root, name)

	m.logger.Info("creating cgroup", "path", m.fullPath)
	if err := m.sys.MkdirAll(m.fullPath, 0o755); err != nil {
		return failf(ResourceFailure, "creating cgroup", err)
	}

	if err := m.writeLimits(cfg); err != nil {
		return err
	}
	return nil
}

func (m *CgroupsModule) writeLimits(cfg *config.Config) error {
	memoryBytes := int64(cfg.Resources.MemoryMB) * 1024 * 1024
	if err := m.write("memory.max", strconv.FormatInt(memoryBytes, 10)); err != nil {
		return failf(ResourceFailure, "setting memory.max", err)
	}

	// The high watermark triggers reclaim pressure before the hard
	// limit kills anything. Not all kernels expose it.
	if err := m.write("memory.high", strconv.FormatInt(memoryBytes*8/10, 10)); err != nil {
		m.logger.Warn("failed to set memory.high", "error", err)
	}

	if !cfg.Resources.EnableSwap {
		if err := m.write("memory.swap.max", "0"); err != nil {
			m.logger.Warn("failed to set memory.swap.max", "error", err)
		}
	}

	quota := fmt.Sprintf("%d %d", cfg.Resources.CPUQuotaPercent*1000, cpuPeriodMicros)
	if err := m.write("cpu.max", quota); err != nil {
		return failf(ResourceFailure, "setting cpu.max", err)
	}

	if cfg.Resources.MaxPIDs > 0 {
		if err := m.write("pids.max", strconv.Itoa(cfg.Resources.MaxPIDs)); err != nil {
			return failf(ResourceFailure, "setting pids.max", err)
		}
	}

	m.logger.Debug("cgroup limits applied",
		"memory_mb", cfg.Resources.MemoryMB,
		"cpu_quota_percent", cfg.Resources.CPUQuotaPercent,
		"max_pids", cfg.Resources.MaxPIDs,
	)
	return nil
}

func (m *CgroupsModule) write(file, value string) error {
	return m.sys.WriteFile(filepath.Join(m.fullPath, file), []byte(value))
}

// PrepareChild moves the blocked child into the cgroup so the limits are
// in effect before it runs anything. A failure here must abort the run;
// the engine kills the child.
func (m *CgroupsModule) PrepareChild(cfg *config.Config, childPID int) error {
	m.logger.Debug("attaching child to cgroup", "pid", childPID, "path", m.fullPath)
	if err := m.write("cgroup.procs", strconv.Itoa(childPID)); err != nil {
		return failf(ResourceFailure, "attaching child to cgroup", err)
	}
	return nil
}

func (m *CgroupsModule) ApplyChild(cfg *config.Config) error {
	return nil
}

func (m *CgroupsModule) Execute(cfg *config.Config) (int, error) {
	return 0, nil
}

// Cleanup removes the cgroup directory. Removal can transiently fail with
// EBUSY while the kernel finishes releasing the reaped child, so it is
// retried briefly before surfacing a warning.
func (m *CgroupsModule) Cleanup(cfg *config.Config) error {
	if m.fullPath == "" {
		return nil
	}
	path := m.fullPath
	m.fullPath = ""

	remove := func() error {
		return m.sys.Rmdir(path)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 4)
	if err := backoff.Retry(remove, policy); err != nil {
		m.logger.Warn("failed to remove cgroup", "path", path, "error", err)
		return nil
	}
	m.logger.Debug("cgroup removed", "path", path)
	return nil
}
