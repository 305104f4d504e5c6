// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/cellbox-project/cellbox/lib/config"
	"github.com/cellbox-project/cellbox/lib/sys"
)

// oldRootDir is where pivot_root parks the previous root inside the new
// one until it is detached.
const oldRootDir = "/.oldroot"

// debootstrapMirror is the package mirror used for automatic bootstraps.
const debootstrapMirror = "http://archive.ubuntu.com/ubuntu/"

// fhsSkeleton is the directory layout guaranteed to exist inside the
// rootfs before pivoting. debootstrap creates these itself; hand-built
// rootfs trees frequently miss a few.
var fhsSkeleton = []string{
	"/bin", "/etc", "/home", "/lib", "/lib64", "/media",
	"/mnt", "/opt", "/root", "/sbin", "/srv", "/tmp",
	"/usr", "/var",
}

// RootFSModule ensures the root filesystem exists (optionally bootstrapping
// it with debootstrap) and, inside the child, pivots into it and mounts the
// pseudo-filesystems. The pivot sequence only runs when a mount namespace
// was requested; without one there is no private mount table to pivot.
type RootFSModule struct {
	sys    sys.Interface
	logger *slog.Logger

	rootPath string

	// runCommand runs an external command and returns its error; a
	// test seam around exec for the debootstrap step.
	runCommand func(name string, args ...string) error
}

// NewRootFSModule creates the rootfs module.
func NewRootFSModule(s sys.Interface, logger *slog.Logger) *RootFSModule {
	m := &RootFSModule{sys: s, logger: logger}
	m.runCommand = func(name string, args ...string) error {
		cmd := exec.Command(name, args...)
		return cmd.Run()
	}
	return m
}

func (m *RootFSModule) Name() string           { return "rootfs" }
func (m *RootFSModule) Version() string        { return "1.0.0" }
func (m *RootFSModule) Type() string           { return "filesystem" }
func (m *RootFSModule) Dependencies() []string { return nil }

func (m *RootFSModule) Description() string {
	return "Pivots the sandbox into its own root filesystem and mounts /proc, /sys, and /dev."
}

func (m *RootFSModule) Enabled(cfg *config.Config) bool {
	return true
}

func (m *RootFSModule) Initialize(cfg *config.Config) error {
	m.rootPath = cfg.Sandbox.RootfsPath

	if !m.sys.Exists(m.rootPath) {
		if !cfg.Sandbox.AutoBootstrap {
			return failf(ResourceFailure, "rootfs",
				fmt.Errorf("rootfs does not exist: %s", m.rootPath))
		}
		if err := m.bootstrap(cfg); err != nil {
			return failf(BootstrapFailure, "debootstrap", err)
		}
	}

	if !m.sys.Exists(m.rootPath) {
		return failf(ResourceFailure, "rootfs",
			fmt.Errorf("rootfs still missing after bootstrap: %s", m.rootPath))
	}
	return nil
}

// bootstrap shells out to debootstrap and requires a clean exit. The
// invocation blocks; a minbase bootstrap takes minutes on first use.
func (m *RootFSModule) bootstrap(cfg *config.Config) error {
	m.logger.Info("bootstrapping rootfs",
		"distro", cfg.Sandbox.Distro,
		"release", cfg.Sandbox.Release,
		"path", m.rootPath,
	)
	err := m.runCommand("debootstrap",
		"--arch=amd64",
		"--variant=minbase",
		cfg.Sandbox.Release,
		m.rootPath,
		debootstrapMirror,
	)
	if err != nil {
		return fmt.Errorf("debootstrap %s %s: %w", cfg.Sandbox.Release, m.rootPath, err)
	}
	m.logger.Info("bootstrap completed")
	return nil
}

func (m *RootFSModule) PrepareChild(cfg *config.Config, childPID int) error {
	return nil
}

// ApplyChild performs the pivot. The sequence is load-bearing: the rootfs
// must be a mount point before pivot_root will accept it, and it must be
// private or the sandbox's mounts would propagate back to the host.
func (m *RootFSModule) ApplyChild(cfg *config.Config) error {
	if !cfg.HasNamespace("mount") {
		m.logger.Debug("no mount namespace, skipping pivot_root")
		return nil
	}

	root := cfg.Sandbox.RootfsPath

	m.ensureSkeleton(root)

	if err := m.sys.Mount(root, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return failf(ResourceFailure, "bind-mounting rootfs", err)
	}
	if err := m.sys.Mount("", root, "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return failf(ResourceFailure, "making rootfs private", err)
	}

	putOld := filepath.Join(root, oldRootDir)
	if err := m.sys.MkdirAll(putOld, 0o700); err != nil {
		return failf(ResourceFailure, "creating old root directory", err)
	}

	if err := m.sys.PivotRoot(root, putOld); err != nil {
		return failf(ResourceFailure, "pivot_root", err)
	}
	if err := m.sys.Chdir("/"); err != nil {
		return failf(ResourceFailure, "entering new root", err)
	}

	if err := m.sys.Unmount(oldRootDir, unix.MNT_DETACH); err != nil {
		m.logger.Warn("failed to detach old root", "error", err)
	} else if err := m.sys.Rmdir(oldRootDir); err != nil {
		m.logger.Warn("failed to remove old root directory", "error", err)
	}

	// /proc must reflect the new PID namespace or everything from ps to
	// the stdlib breaks; /sys and /dev are useful but survivable.
	if err := m.sys.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
		if cfg.HasNamespace("pid") {
			return failf(ResourceFailure, "mounting /proc", err)
		}
		m.logger.Warn("failed to mount /proc", "error", err)
	}
	if err := m.sys.Mount("sysfs", "/sys", "sysfs", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
		m.logger.Warn("failed to mount /sys", "error", err)
	}
	if err := m.sys.Mount("tmpfs", "/dev", "tmpfs", unix.MS_NOSUID|unix.MS_STRICTATIME, "mode=755"); err != nil {
		m.logger.Warn("failed to mount /dev", "error", err)
	}

	return nil
}

// ensureSkeleton creates any missing FHS directories inside the rootfs.
func (m *RootFSModule) ensureSkeleton(root string) {
	for _, dir := range fhsSkeleton {
		full := filepath.Join(root, dir)
		if !m.sys.IsDir(full) {
			if err := m.sys.MkdirAll(full, 0o755); err != nil {
				m.logger.Warn("failed to create rootfs directory", "dir", full, "error", err)
			}
		}
	}
}

func (m *RootFSModule) Execute(cfg *config.Config) (int, error) {
	return 0, nil
}

func (m *RootFSModule) Cleanup(cfg *config.Config) error {
	m.rootPath = ""
	return nil
}
