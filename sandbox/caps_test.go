// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"testing"

	"github.com/syndtr/gocapability/capability"

	"github.com/cellbox-project/cellbox/lib/sys"
)

func TestCapabilityNameTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want capability.Cap
	}{
		{"CAP_CHOWN", capability.CAP_CHOWN},
		{"CAP_NET_BIND_SERVICE", capability.CAP_NET_BIND_SERVICE},
		{"CAP_NET_ADMIN", capability.CAP_NET_ADMIN},
		{"CAP_SYS_ADMIN", capability.CAP_SYS_ADMIN},
		{"CAP_SYS_PTRACE", capability.CAP_SYS_PTRACE},
		{"CAP_SETUID", capability.CAP_SETUID},
		{"CAP_SETGID", capability.CAP_SETGID},
		{"CAP_KILL", capability.CAP_KILL},
		{"CAP_MKNOD", capability.CAP_MKNOD},
		{"CAP_AUDIT_WRITE", capability.CAP_AUDIT_WRITE},
	}
	for _, tt := range tests {
		got, ok := capsByName[tt.name]
		if !ok {
			t.Errorf("%s missing from table", tt.name)
			continue
		}
		if got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestResolveCapabilities(t *testing.T) {
	t.Parallel()

	keep := resolveCapabilities(
		[]string{"CAP_NET_BIND_SERVICE", "CAP_TIME_TRAVEL", "cap_kill"},
		testLogger(),
	)

	// The unknown name is dropped with a warning; case is normalized.
	if len(keep) != 2 {
		t.Fatalf("kept = %v, want 2 capabilities", keep)
	}
	if keep[0] != capability.CAP_NET_BIND_SERVICE || keep[1] != capability.CAP_KILL {
		t.Errorf("kept = %v", keep)
	}
}

func TestResolveCapabilitiesEmpty(t *testing.T) {
	t.Parallel()

	// An empty list is valid: the process runs with no capabilities.
	if keep := resolveCapabilities(nil, testLogger()); len(keep) != 0 {
		t.Errorf("kept = %v, want none", keep)
	}
}

func TestCapsInitialize(t *testing.T) {
	t.Parallel()

	m := NewCapsModule(sys.NewFake(), testLogger())
	cfg := testConfig()
	cfg.Security.Capabilities = []string{"CAP_NET_BIND_SERVICE"}

	if err := m.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(m.keep) != 1 {
		t.Errorf("keep = %v", m.keep)
	}

	if err := m.Cleanup(cfg); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if m.keep != nil {
		t.Error("keep not reset by cleanup")
	}
}

func TestCapsDependsOnSeccomp(t *testing.T) {
	t.Parallel()

	m := NewCapsModule(sys.NewFake(), testLogger())
	deps := m.Dependencies()
	if len(deps) != 1 || deps[0] != "seccomp" {
		t.Errorf("dependencies = %v, want [seccomp]", deps)
	}
}
