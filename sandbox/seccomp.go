// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"

	"github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
	"golang.org/x/net/bpf"
	"gopkg.in/yaml.v3"

	"github.com/cellbox-project/cellbox/lib/config"
	"github.com/cellbox-project/cellbox/lib/sys"
)

// defaultAllowList names the syscalls a POSIX-ish runtime needs: basic
// I/O, memory management, signals, locking, scheduling, timers, process
// inquiry, and filesystem access. Everything else hits the policy's
// default action.
var defaultAllowList = []string{
	// I/O.
	"read", "write", "close", "pread64", "pwrite64", "readv", "writev",
	"open", "openat", "creat", "access", "pipe", "dup", "dup2", "ioctl",
	"fcntl", "flock", "fsync", "fdatasync", "readahead",
	// Filesystem.
	"stat", "fstat", "lstat", "newfstatat", "getdents", "getdents64",
	"getcwd", "chdir", "fchdir", "rename", "mkdir", "rmdir", "link",
	"unlink", "symlink", "readlink", "truncate", "ftruncate",
	// Extended attributes.
	"setxattr", "lsetxattr", "fsetxattr", "getxattr", "lgetxattr",
	"fgetxattr", "listxattr", "llistxattr", "flistxattr", "removexattr",
	"lremovexattr", "fremovexattr",
	// Memory management.
	"brk", "mmap", "mprotect", "munmap", "mremap", "msync", "mincore",
	"madvise",
	// SysV IPC.
	"shmget", "shmat", "shmctl", "shmdt", "semget", "semop", "semctl",
	"msgget", "msgsnd", "msgrcv", "msgctl",
	// Signals.
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "signal", "pause",
	"tkill", "kill",
	// Process and identity inquiry.
	"getpid", "gettid", "getppid", "getuid", "getgid", "geteuid",
	"getegid", "getpgid", "setpgid", "getsid", "setsid", "uname",
	"syslog",
	// Scheduling and synchronization.
	"futex", "sched_yield", "sched_setaffinity", "sched_getaffinity",
	"set_tid_address",
	// Timers and clocks.
	"nanosleep", "getitimer", "setitimer", "alarm", "gettimeofday",
	"settimeofday", "time", "timer_create", "timer_settime",
	"timer_gettime", "timer_getoverrun", "timer_delete", "clock_settime",
	"clock_gettime", "clock_getres", "clock_nanosleep",
	// Async I/O and polling.
	"io_setup", "io_destroy", "io_getevents", "io_submit", "io_cancel",
	"epoll_create",
	// Resource accounting.
	"getrlimit", "setrlimit", "getrusage", "getrandom",
	// Process lifecycle.
	"execve", "exit", "exit_group", "wait4", "sethostname",
}

// policyActions maps the configured policy selector to the filter's
// default action for syscalls outside the allow-list.
var policyActions = map[string]seccomp.Action{
	"default": seccomp.ActionErrno,
	"strict":  seccomp.ActionKillProcess,
	"log":     seccomp.ActionLog,
	"allow":   seccomp.ActionAllow,
}

// seccompProfile is the on-disk shape of a custom profile: a default
// action and the syscall names to allow.
type seccompProfile struct {
	DefaultAction string   `yaml:"default_action"`
	Syscalls      []string `yaml:"syscalls"`
}

// SeccompModule compiles an allow-list BPF filter in the parent and
// installs it in the child, after all filesystem setup and before the
// capability drop. Installation is irreversible within the process.
type SeccompModule struct {
	sys    sys.Interface
	logger *slog.Logger

	action     seccomp.Action
	names      []string
	configured bool

	// compiled caches the assembled program; the compile is
	// deterministic given action and names.
	compiled []bpf.Instruction
}

// NewSeccompModule creates the seccomp module.
func NewSeccompModule(s sys.Interface, logger *slog.Logger) *SeccompModule {
	return &SeccompModule{sys: s, logger: logger}
}

func (m *SeccompModule) Name() string           { return "seccomp" }
func (m *SeccompModule) Version() string        { return "1.0.0" }
func (m *SeccompModule) Type() string           { return "security" }
func (m *SeccompModule) Dependencies() []string { return []string{"mounts"} }

func (m *SeccompModule) Description() string {
	return "Restricts the syscalls available to the sandboxed process with a seccomp BPF allow-list."
}

func (m *SeccompModule) Enabled(cfg *config.Config) bool {
	return cfg.Security.SeccompPolicy != "off"
}

func (m *SeccompModule) Initialize(cfg *config.Config) error {
	if err := m.configure(cfg); err != nil {
		return err
	}

	compiled, err := m.compile()
	if err != nil {
		return failf(SecurityFailure, "compiling seccomp filter", err)
	}
	m.compiled = compiled

	m.logger.Debug("seccomp filter compiled",
		"policy", cfg.Security.SeccompPolicy,
		"allowed_syscalls", len(m.names),
		"instructions", len(compiled),
	)
	return nil
}

// configure derives the default action and resolved allow-list from the
// configuration. It runs in the parent during Initialize and again in the
// child, which starts from a fresh process image; the derivation is
// deterministic so both sides agree.
func (m *SeccompModule) configure(cfg *config.Config) error {
	action, ok := policyActions[cfg.Security.SeccompPolicy]
	if !ok {
		return failf(SecurityFailure, "seccomp policy",
			fmt.Errorf("unknown policy %q", cfg.Security.SeccompPolicy))
	}
	m.action = action

	names := defaultAllowList
	if path := cfg.Security.SeccompProfilePath; path != "" {
		profile, err := m.loadProfile(path)
		if err != nil {
			return failf(SecurityFailure, "seccomp profile", err)
		}
		names = profile.Syscalls
		if profile.DefaultAction != "" {
			action, ok := policyActions[profile.DefaultAction]
			if !ok {
				return failf(SecurityFailure, "seccomp profile",
					fmt.Errorf("unknown default_action %q", profile.DefaultAction))
			}
			m.action = action
		}
	}
	m.names = m.resolveNames(names)
	m.configured = true
	return nil
}

func (m *SeccompModule) loadProfile(path string) (*seccompProfile, error) {
	data, err := m.sys.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile seccompProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(profile.Syscalls) == 0 {
		return nil, fmt.Errorf("profile %s allows no syscalls", path)
	}
	return &profile, nil
}

// resolveNames drops syscall names the running architecture does not know.
// Lists are shared across architectures, so a few misses are normal.
func (m *SeccompModule) resolveNames(names []string) []string {
	info, err := arch.GetInfo("")
	if err != nil {
		// Resolution is a nicety; assembly reports unknown names too.
		m.logger.Warn("failed to load syscall table", "error", err)
		return names
	}

	resolved := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := info.SyscallNames[name]; !ok {
			m.logger.Warn("skipping unresolvable syscall", "syscall", name)
			continue
		}
		resolved = append(resolved, name)
	}
	return resolved
}

func (m *SeccompModule) compile() ([]bpf.Instruction, error) {
	policy := seccomp.Policy{
		DefaultAction: m.action,
		Syscalls: []seccomp.SyscallGroup{
			{
				Action: seccomp.ActionAllow,
				Names:  m.names,
			},
		},
	}
	return policy.Assemble()
}

func (m *SeccompModule) PrepareChild(cfg *config.Config, childPID int) error {
	return nil
}

// ApplyChild installs the filter. NO_NEW_PRIVS must be set first: without
// it the kernel refuses the filter for unprivileged callers, and the
// filter would not survive execve.
func (m *SeccompModule) ApplyChild(cfg *config.Config) error {
	if !m.configured {
		if err := m.configure(cfg); err != nil {
			return err
		}
	}

	if err := m.sys.SetNoNewPrivs(); err != nil {
		return failf(SecurityFailure, "setting no_new_privs", err)
	}

	if m.compiled == nil {
		compiled, err := m.compile()
		if err != nil {
			return failf(SecurityFailure, "compiling seccomp filter", err)
		}
		m.compiled = compiled
	}

	filter := seccomp.Filter{
		NoNewPrivs: false, // Set above, through the syscall layer.
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: m.action,
			Syscalls: []seccomp.SyscallGroup{
				{Action: seccomp.ActionAllow, Names: m.names},
			},
		},
	}
	if err := seccomp.LoadFilter(filter); err != nil {
		return failf(SecurityFailure, "installing seccomp filter", err)
	}

	m.logger.Debug("seccomp filter installed", "allowed_syscalls", len(m.names))
	return nil
}

func (m *SeccompModule) Execute(cfg *config.Config) (int, error) {
	return 0, nil
}

func (m *SeccompModule) Cleanup(cfg *config.Config) error {
	m.names = nil
	m.compiled = nil
	m.configured = false
	return nil
}

// AllowedSyscalls returns the resolved allow-list. Only meaningful after
// Initialize.
func (m *SeccompModule) AllowedSyscalls() []string {
	return m.names
}
