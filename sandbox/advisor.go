// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"log/slog"

	"github.com/cellbox-project/cellbox/advisor"
	"github.com/cellbox-project/cellbox/lib/config"
)

// AdvisorModule registers the AI advisor in the module registry so its
// availability shows up alongside the isolation modules. Its lifecycle
// hooks do no sandbox work: Initialize builds the client and Cleanup drops
// it. Analysis happens on demand after a failed run, never on the sandbox
// path.
type AdvisorModule struct {
	logger *slog.Logger
	client *advisor.Client
}

// NewAdvisorModule creates the advisor module.
func NewAdvisorModule(logger *slog.Logger) *AdvisorModule {
	return &AdvisorModule{logger: logger}
}

func (m *AdvisorModule) Name() string           { return "ai-agent" }
func (m *AdvisorModule) Version() string        { return "1.0.0" }
func (m *AdvisorModule) Type() string           { return "ai" }
func (m *AdvisorModule) Dependencies() []string { return nil }

func (m *AdvisorModule) Description() string {
	return "Provides AI-assisted analysis of sandbox failures."
}

func (m *AdvisorModule) Enabled(cfg *config.Config) bool {
	return cfg.AI.Enabled
}

func (m *AdvisorModule) Initialize(cfg *config.Config) error {
	m.client = advisor.New(cfg.AI, m.logger)
	if !m.client.Enabled() {
		m.logger.Debug("advisor configured but unavailable")
	}
	return nil
}

// Client returns the advisor client built during Initialize, or nil.
func (m *AdvisorModule) Client() *advisor.Client {
	return m.client
}

func (m *AdvisorModule) PrepareChild(cfg *config.Config, childPID int) error {
	return nil
}

func (m *AdvisorModule) ApplyChild(cfg *config.Config) error {
	return nil
}

func (m *AdvisorModule) Execute(cfg *config.Config) (int, error) {
	return 0, nil
}

func (m *AdvisorModule) Cleanup(cfg *config.Config) error {
	m.client = nil
	return nil
}
