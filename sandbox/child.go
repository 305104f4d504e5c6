// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cellbox-project/cellbox/lib/config"
	"github.com/cellbox-project/cellbox/lib/sys"
)

// RunChild is the entry point of the re-executed child process. It reads
// the configuration from the inherited config pipe, blocks on the sync
// pipe until the parent has finished PrepareChild (cgroup attachment in
// particular), applies every module's child-side setup in dependency
// order, and finally replaces itself with the sandboxed command.
//
// The return value is the process exit status for failure paths: 1 for a
// parent abort or an apply failure, 127 when the final execve fails. On
// success RunChild never returns.
func RunChild(logger *slog.Logger) int {
	s := sys.NewReal()

	cfg, err := readChildConfig()
	if err != nil {
		logger.Error("child failed to read configuration", "error", err)
		return 1
	}

	// Block until the parent releases us. EOF without a byte means a
	// PrepareChild hook failed and the run is being torn down.
	if !awaitRelease() {
		logger.Error("parent aborted before release")
		return 1
	}

	if err := s.SetProcessName(cfg.Sandbox.Name); err != nil {
		logger.Warn("failed to set process title", "error", err)
	}

	modules := DefaultModules(s, logger)
	order := resolveOrder(modules, logger)

	for _, m := range order {
		if !m.Enabled(cfg) {
			continue
		}
		logger.Debug("applying module", "module", m.Name())
		if err := m.ApplyChild(cfg); err != nil {
			logger.Error("module apply failed", "module", m.Name(), "error", err)
			return 1
		}
	}

	// Give each module its execution slot. The built-ins return 0; a
	// custom payload module can short-circuit the run here.
	for _, m := range order {
		if !m.Enabled(cfg) {
			continue
		}
		code, err := m.Execute(cfg)
		if err != nil {
			logger.Error("module execution failed", "module", m.Name(), "error", err)
			return 1
		}
		if code != 0 {
			return code
		}
	}

	argv := cfg.Sandbox.Command
	if err := s.Exec(argv[0], argv, childEnv(cfg)); err != nil {
		logger.Error("exec failed", "command", argv[0], "error", err)
		return 127
	}
	return 127 // Unreachable: Exec does not return on success.
}

// readChildConfig decodes the configuration the parent wrote into the
// inherited config pipe.
func readChildConfig() (*config.Config, error) {
	f := os.NewFile(childConfigFD, "config-pipe")
	if f == nil {
		return nil, fmt.Errorf("config pipe (fd %d) not inherited", childConfigFD)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading config pipe: %w", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// awaitRelease blocks on the sync pipe until the parent writes the release
// byte. It returns false when the pipe closes without one.
func awaitRelease() bool {
	f := os.NewFile(childSyncFD, "sync-pipe")
	if f == nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 1)
	n, _ := f.Read(buf)
	return n == 1
}

// childEnv builds the environment for the sandboxed command. The helper's
// own environment is deliberately not inherited.
func childEnv(cfg *config.Config) []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/root",
		"TERM=xterm",
		"HOSTNAME=" + cfg.Sandbox.Hostname,
		"container=cellbox",
	}
}
