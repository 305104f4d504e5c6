// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates sandbox configuration.
//
// Configuration is a single JSON document (comments and trailing commas are
// tolerated) with top-level sections sandbox, resources, isolation,
// security, mounts, ai_module, and logging. Only sandbox.command and
// resources.memory_mb are required; everything else falls back to the
// defaults from Default. Unknown keys are ignored.
//
// The path is chosen by the --config flag, the SANDBOX_CONFIG_PATH
// environment variable, or a short list of conventional locations, in that
// order. A loaded Config is treated as an immutable snapshot for the
// lifetime of one run.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/tidwall/jsonc"
)

// Config is the full configuration for one sandbox run.
type Config struct {
	Sandbox   SandboxConfig   `json:"sandbox"`
	Resources ResourcesConfig `json:"resources"`
	Isolation IsolationConfig `json:"isolation"`
	Security  SecurityConfig  `json:"security"`
	Mounts    MountsConfig    `json:"mounts"`
	AI        AIConfig        `json:"ai_module"`
	Logging   LoggingConfig   `json:"logging"`
}

// SandboxConfig identifies the sandbox and the command it runs.
type SandboxConfig struct {
	// Name is the instance identifier, used in the cgroup path and as
	// the child's process title.
	Name string `json:"name"`

	// Hostname is set inside the UTS namespace.
	Hostname string `json:"hostname"`

	// RootfsPath is the directory pivoted to as the new root.
	RootfsPath string `json:"rootfs_path"`

	// Command is the argv of the sandboxed program. Required.
	Command []string `json:"command"`

	// AutoBootstrap runs debootstrap when RootfsPath does not exist.
	AutoBootstrap bool `json:"auto_bootstrap"`

	// Release is the suite debootstrap installs from the Ubuntu archive
	// mirror. Distro is only recorded in the bootstrap log; it does not
	// change the mirror or the debootstrap arguments.
	Distro  string `json:"distro"`
	Release string `json:"release"`
}

// ResourcesConfig holds the cgroup v2 limits.
type ResourcesConfig struct {
	// MemoryMB is the memory.max limit in megabytes. Required, >= 1.
	MemoryMB int `json:"memory_mb"`

	// CPUQuotaPercent is the CPU quota as a percentage of one CPU
	// (100 = one full CPU, up to NumCPU*100).
	CPUQuotaPercent int `json:"cpu_quota_percent"`

	// MaxPIDs caps the process count; 0 leaves pids.max unset.
	MaxPIDs int `json:"max_pids"`

	// EnableSwap leaves swap available; when false memory.swap.max is
	// pinned to 0.
	EnableSwap bool `json:"enable_swap"`
}

// UIDMap maps one contiguous range of user IDs into the user namespace.
type UIDMap struct {
	ContainerUID int `json:"container_uid"`
	HostUID      int `json:"host_uid"`
	Count        int `json:"count"`
}

// GIDMap maps one contiguous range of group IDs into the user namespace.
type GIDMap struct {
	ContainerGID int `json:"container_gid"`
	HostGID      int `json:"host_gid"`
	Count        int `json:"count"`
}

// IsolationConfig selects the namespace set and ID mappings.
type IsolationConfig struct {
	// Namespaces is the set of namespace kinds to create; a subset of
	// pid, net, ipc, uts, mount, user.
	Namespaces []string `json:"namespaces"`

	UIDMap UIDMap `json:"uid_map"`
	GIDMap GIDMap `json:"gid_map"`
}

// SecurityConfig selects the capability and seccomp posture.
type SecurityConfig struct {
	// Capabilities lists the CAP_* names the sandboxed process keeps.
	// Empty means the process runs with no capabilities.
	Capabilities []string `json:"capabilities"`

	// SeccompPolicy is one of default, strict, log, allow, off.
	SeccompPolicy string `json:"seccomp_policy"`

	// SeccompProfilePath optionally names a YAML profile that replaces
	// the built-in allow-list.
	SeccompProfilePath string `json:"seccomp_profile_path"`
}

// BindMount is one host directory made visible inside the sandbox.
type BindMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// MountsConfig lists bind mounts applied in order after pivot_root.
type MountsConfig struct {
	BindMounts []BindMount `json:"bind_mounts"`
}

// AIConfig configures the error-analysis advisor.
type AIConfig struct {
	Enabled          bool    `json:"enabled"`
	Provider         string  `json:"provider"`
	APIKeyEnv        string  `json:"api_key_env"`
	BaseURL          string  `json:"base_url"`
	Model            string  `json:"model"`
	Temperature      float32 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	SystemPrompt     string  `json:"system_prompt"`
	AutoReportErrors bool    `json:"auto_report_errors"`
}

// LoggingConfig configures the log sink.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`

	// Output is stdout, stderr, or file.
	Output string `json:"output"`

	// LogFile receives appended log lines when set.
	LogFile string `json:"log_file"`
}

// Default returns the baseline configuration that file values are layered
// over.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Name:       "sandbox-default",
			Hostname:   "sandbox-container",
			RootfsPath: "/var/lib/cellbox/rootfs/ubuntu_focal",
			Command:    []string{"/bin/bash"},
			Distro:     "ubuntu",
			Release:    "focal",
		},
		Resources: ResourcesConfig{
			MemoryMB:        512,
			CPUQuotaPercent: 50,
			MaxPIDs:         100,
		},
		Isolation: IsolationConfig{
			Namespaces: []string{"pid", "net", "ipc", "uts", "mount", "user"},
			UIDMap:     UIDMap{ContainerUID: 0, HostUID: 1000, Count: 1},
			GIDMap:     GIDMap{ContainerGID: 0, HostGID: 1000, Count: 1},
		},
		Security: SecurityConfig{
			SeccompPolicy: "default",
		},
		Mounts: MountsConfig{
			BindMounts: []BindMount{{Source: "/tmp", Target: "/tmp"}},
		},
		AI: AIConfig{
			Provider:         "openai",
			APIKeyEnv:        "OPENAI_API_KEY",
			BaseURL:          "https://api.openai.com/v1",
			Model:            "gpt-4-turbo",
			Temperature:      0.2,
			MaxTokens:        1000,
			SystemPrompt:     "You are a sandbox assistant that helps analyze and configure sandbox environments.",
			AutoReportErrors: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

// DefaultPath returns the config file to use when --config is not given:
// SANDBOX_CONFIG_PATH if set, otherwise the first conventional location
// that exists. Empty means run on built-in defaults.
func DefaultPath() string {
	if p := os.Getenv("SANDBOX_CONFIG_PATH"); p != "" {
		return p
	}
	candidates := []string{
		"/etc/cellbox/default.json",
		"/var/lib/cellbox/config.json",
		"./config/default.json",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document and validates it. The required
// keys sandbox.command and resources.memory_mb must be present in the
// document itself, not supplied by defaults.
func Parse(data []byte) (*Config, error) {
	data = jsonc.ToJSON(data)

	if err := checkRequired(data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkRequired verifies the two keys a document must carry itself.
func checkRequired(data []byte) error {
	var raw struct {
		Sandbox   map[string]json.RawMessage `json:"sandbox"`
		Resources map[string]json.RawMessage `json:"resources"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if raw.Sandbox == nil {
		return errors.New("config must contain a sandbox section")
	}
	if _, ok := raw.Sandbox["command"]; !ok {
		return errors.New("sandbox.command is required")
	}
	if raw.Resources == nil {
		return errors.New("config must contain a resources section")
	}
	if _, ok := raw.Resources["memory_mb"]; !ok {
		return errors.New("resources.memory_mb is required")
	}
	return nil
}

var validNamespaces = map[string]bool{
	"pid": true, "net": true, "ipc": true, "uts": true, "mount": true, "user": true,
}

var validSeccompPolicies = map[string]bool{
	"default": true, "strict": true, "log": true, "allow": true, "off": true,
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if c.Sandbox.Name == "" {
		errs = append(errs, errors.New("sandbox.name is required"))
	}
	if len(c.Sandbox.Command) == 0 {
		errs = append(errs, errors.New("sandbox.command must not be empty"))
	}

	if c.Resources.MemoryMB < 1 {
		errs = append(errs, fmt.Errorf("resources.memory_mb must be >= 1, got %d", c.Resources.MemoryMB))
	}
	maxQuota := runtime.NumCPU() * 100
	if c.Resources.CPUQuotaPercent < 1 || c.Resources.CPUQuotaPercent > maxQuota {
		errs = append(errs, fmt.Errorf("resources.cpu_quota_percent must be in 1..%d, got %d", maxQuota, c.Resources.CPUQuotaPercent))
	}
	if c.Resources.MaxPIDs < 0 {
		errs = append(errs, fmt.Errorf("resources.max_pids must be >= 0, got %d", c.Resources.MaxPIDs))
	}

	for _, ns := range c.Isolation.Namespaces {
		if !validNamespaces[ns] {
			errs = append(errs, fmt.Errorf("unknown namespace kind: %s", ns))
		}
	}
	if c.HasNamespace("user") {
		if c.Isolation.UIDMap.Count < 1 {
			errs = append(errs, errors.New("isolation.uid_map is required with the user namespace"))
		}
		if c.Isolation.GIDMap.Count < 1 {
			errs = append(errs, errors.New("isolation.gid_map is required with the user namespace"))
		}
	}

	if !validSeccompPolicies[c.Security.SeccompPolicy] {
		errs = append(errs, fmt.Errorf("security.seccomp_policy must be one of default, strict, log, allow, off; got %q", c.Security.SeccompPolicy))
	}

	for i, m := range c.Mounts.BindMounts {
		if m.Source == "" {
			errs = append(errs, fmt.Errorf("mounts.bind_mounts[%d]: source is required", i))
		}
		if m.Target == "" {
			errs = append(errs, fmt.Errorf("mounts.bind_mounts[%d]: target is required", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasNamespace reports whether the named namespace kind is requested.
func (c *Config) HasNamespace(kind string) bool {
	for _, ns := range c.Isolation.Namespaces {
		if ns == kind {
			return true
		}
	}
	return false
}
