// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/cellbox-project/cellbox/lib/sys"
)

func TestCgroupsInitializeWritesLimits(t *testing.T) {
	t.Parallel()

	fake := sys.NewFake()
	m := NewCgroupsModule(fake, testLogger())

	cfg := testConfig()
	cfg.Resources.MemoryMB = 128
	cfg.Resources.CPUQuotaPercent = 25
	cfg.Resources.MaxPIDs = 64
	cfg.Resources.EnableSwap = false

	if err := m.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	wantPath := fmt.Sprintf("/sys/fs/cgroup/sandbox-sandbox-default-%d", os.Getpid())
	if m.Path() != wantPath {
		t.Errorf("path = %q, want %q", m.Path(), wantPath)
	}

	checks := map[string]string{
		wantPath + "/memory.max":      "134217728",
		wantPath + "/memory.high":     "107374182",
		wantPath + "/memory.swap.max": "0",
		wantPath + "/cpu.max":         "25000 100000",
		wantPath + "/pids.max":        "64",
	}
	for file, want := range checks {
		got, ok := fake.FileContents(file)
		if !ok {
			t.Errorf("%s was not written", file)
			continue
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", file, got, want)
		}
	}
}

func TestCgroupsSwapAndPidsOptional(t *testing.T) {
	t.Parallel()

	fake := sys.NewFake()
	m := NewCgroupsModule(fake, testLogger())

	cfg := testConfig()
	cfg.Resources.EnableSwap = true
	cfg.Resources.MaxPIDs = 0

	if err := m.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, ok := fake.FileContents(m.Path() + "/memory.swap.max"); ok {
		t.Error("memory.swap.max written despite enable_swap=true")
	}
	if _, ok := fake.FileContents(m.Path() + "/pids.max"); ok {
		t.Error("pids.max written despite max_pids=0")
	}
}

func TestCgroupsBestEffortHighWatermark(t *testing.T) {
	t.Parallel()

	fake := sys.NewFake()
	m := NewCgroupsModule(fake, testLogger())
	cfg := testConfig()

	path := fmt.Sprintf("/sys/fs/cgroup/sandbox-%s-%d", cfg.Sandbox.Name, os.Getpid())
	fake.Fail("write", path+"/memory.high", unix.EINVAL)

	// memory.high is advisory; an EINVAL must not fail initialization.
	if err := m.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func TestCgroupsHardLimitFailureIsFatal(t *testing.T) {
	t.Parallel()

	fake := sys.NewFake()
	m := NewCgroupsModule(fake, testLogger())
	cfg := testConfig()

	path := fmt.Sprintf("/sys/fs/cgroup/sandbox-%s-%d", cfg.Sandbox.Name, os.Getpid())
	fake.Fail("write", path+"/memory.max", unix.EPERM)

	err := m.Initialize(cfg)
	if err == nil {
		t.Fatal("expected error for memory.max failure")
	}
	if KindOf(err) != ResourceFailure {
		t.Errorf("kind = %s, want resource", KindOf(err))
	}
}

func TestCgroupsPrepareChildAttachesPID(t *testing.T) {
	t.Parallel()

	fake := sys.NewFake()
	m := NewCgroupsModule(fake, testLogger())
	cfg := testConfig()

	if err := m.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.PrepareChild(cfg, 12345); err != nil {
		t.Fatalf("PrepareChild: %v", err)
	}

	got, ok := fake.FileContents(m.Path() + "/cgroup.procs")
	if !ok || string(got) != "12345" {
		t.Errorf("cgroup.procs = %q, want 12345", got)
	}
}

func TestCgroupsCleanupRemovesDirectory(t *testing.T) {
	t.Parallel()

	fake := sys.NewFake()
	m := NewCgroupsModule(fake, testLogger())
	cfg := testConfig()

	if err := m.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	path := m.Path()

	if err := m.Cleanup(cfg); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if fake.Exists(path) {
		t.Error("cgroup directory still exists after cleanup")
	}
	if m.Path() != "" {
		t.Error("path not reset after cleanup")
	}

	// A second cleanup is a no-op.
	if err := m.Cleanup(cfg); err != nil {
		t.Errorf("second Cleanup: %v", err)
	}
}

func TestCgroupsCleanupRetriesEBUSY(t *testing.T) {
	t.Parallel()

	fake := sys.NewFake()
	m := NewCgroupsModule(fake, testLogger())
	cfg := testConfig()

	if err := m.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	path := m.Path()

	// Permanent EBUSY: all attempts are made, then a warning, no error.
	fake.Fail("rmdir", path, unix.EBUSY)
	if err := m.Cleanup(cfg); err != nil {
		t.Fatalf("Cleanup surfaced an error despite warning semantics: %v", err)
	}

	attempts := 0
	for _, c := range fake.CallsTo("rmdir") {
		if strings.HasPrefix(c.Args[0], path) {
			attempts++
		}
	}
	if attempts != 5 {
		t.Errorf("rmdir attempts = %d, want 5", attempts)
	}
}
