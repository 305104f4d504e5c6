// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"log/slog"
	"strings"

	"github.com/syndtr/gocapability/capability"

	"github.com/cellbox-project/cellbox/lib/config"
	"github.com/cellbox-project/cellbox/lib/sys"
)

// capsByName maps CAP_* names to capability values, derived from the
// library's canonical list so new kernel capabilities appear without code
// changes here.
var capsByName = func() map[string]capability.Cap {
	table := make(map[string]capability.Cap)
	for _, c := range capability.List() {
		table["CAP_"+strings.ToUpper(c.String())] = c
	}
	return table
}()

// CapsModule reduces the child's capability sets to the configured list.
// It runs after seccomp: the filter must be in place before the process
// loses the privileges that installing it might need, and the drop must
// still happen before execve so the sandboxed command starts restricted.
// An empty list is valid and leaves the process with no capabilities.
type CapsModule struct {
	sys    sys.Interface
	logger *slog.Logger

	keep []capability.Cap
}

// NewCapsModule creates the capabilities module.
func NewCapsModule(s sys.Interface, logger *slog.Logger) *CapsModule {
	return &CapsModule{sys: s, logger: logger}
}

func (m *CapsModule) Name() string           { return "caps" }
func (m *CapsModule) Version() string        { return "1.0.0" }
func (m *CapsModule) Type() string           { return "security" }
func (m *CapsModule) Dependencies() []string { return []string{"seccomp"} }

func (m *CapsModule) Description() string {
	return "Clears the process capability sets, retaining only the configured capabilities."
}

func (m *CapsModule) Enabled(cfg *config.Config) bool {
	return true
}

func (m *CapsModule) Initialize(cfg *config.Config) error {
	m.keep = resolveCapabilities(cfg.Security.Capabilities, m.logger)
	m.logger.Debug("capabilities resolved", "requested", len(cfg.Security.Capabilities), "kept", len(m.keep))
	return nil
}

// resolveCapabilities translates capability names to values. Unknown names
// are warned about and dropped rather than failing the run.
func resolveCapabilities(names []string, logger *slog.Logger) []capability.Cap {
	keep := make([]capability.Cap, 0, len(names))
	for _, name := range names {
		c, ok := capsByName[strings.ToUpper(name)]
		if !ok {
			logger.Warn("unknown capability, ignoring", "capability", name)
			continue
		}
		keep = append(keep, c)
	}
	return keep
}

func (m *CapsModule) PrepareChild(cfg *config.Config, childPID int) error {
	return nil
}

func (m *CapsModule) ApplyChild(cfg *config.Config) error {
	// The child runs from a fresh process image, so derive the kept
	// list from configuration rather than relying on parent-side state.
	m.keep = resolveCapabilities(cfg.Security.Capabilities, m.logger)

	caps, err := capability.NewPid2(0)
	if err != nil {
		return failf(SecurityFailure, "reading process capabilities", err)
	}

	// Empty the effective, permitted, and inheritable sets, then put
	// back only the kept list. The bounding set is shrunk too: without
	// that, a file capability could re-grant a dropped privilege across
	// execve.
	caps.Clear(capability.CAPS | capability.BOUNDS)
	if len(m.keep) > 0 {
		caps.Set(capability.EFFECTIVE|capability.PERMITTED|capability.INHERITABLE, m.keep...)
		caps.Set(capability.BOUNDING, m.keep...)
	}
	if err := caps.Apply(capability.CAPS | capability.BOUNDS); err != nil {
		return failf(SecurityFailure, "applying capability sets", err)
	}

	// Ambient capabilities keep the kept list across execve for
	// non-setuid binaries. Kernels before 4.3 reject this; the run
	// continues without.
	if len(m.keep) > 0 {
		caps.Set(capability.AMBIENT, m.keep...)
		if err := caps.Apply(capability.AMBS); err != nil {
			m.logger.Warn("failed to set ambient capabilities", "error", err)
		}
	}

	m.logger.Debug("capabilities applied", "kept", len(m.keep))
	return nil
}

func (m *CapsModule) Execute(cfg *config.Config) (int, error) {
	return 0, nil
}

func (m *CapsModule) Cleanup(cfg *config.Config) error {
	m.keep = nil
	return nil
}
