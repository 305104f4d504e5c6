// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"strings"
	"testing"

	"github.com/cellbox-project/cellbox/lib/sys"
)

func TestChildEnv(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Sandbox.Hostname = "demo-host"

	env := childEnv(cfg)
	joined := strings.Join(env, "\n")
	for _, want := range []string{"PATH=", "HOME=", "HOSTNAME=demo-host", "container=cellbox"} {
		if !strings.Contains(joined, want) {
			t.Errorf("env missing %q: %v", want, env)
		}
	}
}

func TestDefaultModulesRegistry(t *testing.T) {
	t.Parallel()

	modules := DefaultModules(sys.NewFake(), testLogger())

	wantNames := []string{"namespaces", "cgroups", "rootfs", "mounts", "seccomp", "caps", "network", "ai-agent"}
	if len(modules) != len(wantNames) {
		t.Fatalf("module count = %d, want %d", len(modules), len(wantNames))
	}
	for i, want := range wantNames {
		if modules[i].Name() != want {
			t.Errorf("modules[%d] = %q, want %q", i, modules[i].Name(), want)
		}
	}

	// Identity fields are filled in for diagnostics.
	for _, m := range modules {
		if m.Version() == "" || m.Type() == "" || m.Description() == "" {
			t.Errorf("module %s has incomplete identity", m.Name())
		}
	}
}

func TestRegisterDefaults(t *testing.T) {
	t.Parallel()

	e := NewEngine(testConfig(), testLogger())
	RegisterDefaults(e, sys.NewFake(), testLogger())

	for _, name := range []string{"namespaces", "cgroups", "rootfs", "mounts", "seccomp", "caps", "network", "ai-agent"} {
		if e.Module(name) == nil {
			t.Errorf("module %s not registered", name)
		}
	}
}
