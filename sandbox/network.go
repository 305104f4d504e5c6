// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"

	"github.com/vishvananda/netlink"

	"github.com/cellbox-project/cellbox/lib/config"
)

// NetworkModule configures networking inside a fresh network namespace.
// A new namespace starts with only a downed loopback device; this module
// brings it up so the sandboxed command can at least talk to itself.
// External connectivity (veth pairs, bridging, addressing) is deliberately
// out of scope: an isolated sandbox gets no route to the host.
type NetworkModule struct {
	logger *slog.Logger

	// linkUp brings up a named interface; a seam for tests, since
	// netlink operations need a live namespace.
	linkUp func(name string) error
}

// NewNetworkModule creates the network module.
func NewNetworkModule(logger *slog.Logger) *NetworkModule {
	m := &NetworkModule{logger: logger}
	m.linkUp = func(name string) error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return fmt.Errorf("looking up %s: %w", name, err)
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("bringing up %s: %w", name, err)
		}
		return nil
	}
	return m
}

func (m *NetworkModule) Name() string           { return "network" }
func (m *NetworkModule) Version() string        { return "1.0.0" }
func (m *NetworkModule) Type() string           { return "isolation" }
func (m *NetworkModule) Dependencies() []string { return []string{"namespaces"} }

func (m *NetworkModule) Description() string {
	return "Brings up the loopback interface inside the sandbox's network namespace."
}

func (m *NetworkModule) Enabled(cfg *config.Config) bool {
	return cfg.HasNamespace("net")
}

func (m *NetworkModule) Initialize(cfg *config.Config) error {
	return nil
}

func (m *NetworkModule) PrepareChild(cfg *config.Config, childPID int) error {
	return nil
}

func (m *NetworkModule) ApplyChild(cfg *config.Config) error {
	if err := m.linkUp("lo"); err != nil {
		// Loopback is a convenience, not a boundary.
		m.logger.Warn("failed to bring up loopback", "error", err)
	}
	return nil
}

func (m *NetworkModule) Execute(cfg *config.Config) (int, error) {
	return 0, nil
}

func (m *NetworkModule) Cleanup(cfg *config.Config) error {
	return nil
}
