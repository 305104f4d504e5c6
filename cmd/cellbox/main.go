// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/cellbox-project/cellbox/advisor"
	"github.com/cellbox-project/cellbox/lib/config"
	"github.com/cellbox-project/cellbox/lib/sys"
	"github.com/cellbox-project/cellbox/lib/version"
	"github.com/cellbox-project/cellbox/sandbox"
)

const (
	exitEngineFailure = 1
	exitConfigError   = 2
)

func main() {
	// The re-executed sandbox child dispatches before flag parsing;
	// its only job is RunChild.
	if len(os.Args) > 1 && os.Args[1] == sandbox.ChildCommand {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		os.Exit(sandbox.RunChild(logger))
	}

	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("cellbox", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "Configuration file path")
	name := flags.StringP("name", "n", "", "Sandbox instance name")
	debug := flags.BoolP("debug", "d", false, "Enable debug logging")
	enableAI := flags.Bool("ai", false, "Enable the AI advisor")
	showVersion := flags.BoolP("version", "v", false, "Show version information")
	flags.Usage = printUsage

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		printUsage()
		return exitConfigError
	}

	if *showVersion {
		fmt.Printf("cellbox %s\n", version.Info())
		return 0
	}

	command := flags.Args()
	if dash := flags.ArgsLenAtDash(); dash >= 0 {
		command = command[dash:]
	}

	// Load configuration: explicit flag, then SANDBOX_CONFIG_PATH and
	// conventional locations, then built-in defaults.
	path := *configPath
	if path == "" {
		path = config.DefaultPath()
	}

	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitConfigError
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if *name != "" {
		cfg.Sandbox.Name = *name
	}
	if *enableAI {
		cfg.AI.Enabled = true
	}
	if len(command) > 0 {
		cfg.Sandbox.Command = command
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}

	logger, closeLog, err := buildLogger(cfg.Logging, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}
	defer closeLog()

	logger.Info("starting cellbox", "version", version.Info(), "command", cfg.Sandbox.Command)

	engine := sandbox.NewEngine(cfg, logger)
	sandbox.RegisterDefaults(engine, sys.NewReal(), logger)

	result := engine.Run()

	// Child output is part of the tool's contract: it was captured
	// through the pipe and replayed here.
	if len(result.Stdout) > 0 {
		os.Stdout.Write(result.Stdout)
	}

	if !result.Success {
		logger.Error("sandbox run failed", "error", result.ErrorMessage, "exit_code", result.ExitCode)
		analyzeFailure(engine, cfg, result, logger)
	}

	switch {
	case result.ChildPID == -1:
		// The engine failed before a child existed.
		return exitEngineFailure
	case result.ExitCode < 0:
		// Signal death: a process status cannot be negative, so -SIG
		// is reported as its 8-bit truncation, 256-SIG.
		return 256 + result.ExitCode
	default:
		return result.ExitCode
	}
}

// analyzeFailure asks the advisor for a diagnosis when one is configured.
func analyzeFailure(engine *sandbox.Engine, cfg *config.Config, result *sandbox.Result, logger *slog.Logger) {
	if !cfg.AI.Enabled || !cfg.AI.AutoReportErrors {
		return
	}
	mod, ok := engine.Module("ai-agent").(*sandbox.AdvisorModule)
	if !ok || mod.Client() == nil || !mod.Client().Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	contextInfo := fmt.Sprintf("command: %v\nexit code: %d\ncaptured output:\n%s",
		cfg.Sandbox.Command, result.ExitCode, truncate(result.Stdout, 2000))
	analysis, err := mod.Client().AnalyzeError(ctx, result.ErrorMessage, contextInfo)
	if err != nil {
		if !errors.Is(err, advisor.ErrDisabled) {
			logger.Warn("advisor analysis failed", "error", err)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "\nAdvisor analysis:\n%s\n", analysis)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// buildLogger assembles the slog sink from the logging configuration: a
// colorized console handler when the console is a terminal and no log file
// is set, plain text otherwise. When a log file is set it is opened in
// append mode and receives the same plain-text records as the console.
func buildLogger(cfg config.LoggingConfig, debug bool) (*slog.Logger, func(), error) {
	level := parseLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}

	var console io.Writer
	switch cfg.Output {
	case "", "stdout":
		console = os.Stdout
	case "stderr":
		console = os.Stderr
	case "file":
		console = nil
	default:
		return nil, nil, fmt.Errorf("logging.output must be stdout, stderr, or file; got %q", cfg.Output)
	}

	closeLog := func() {}
	var sink io.Writer
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		closeLog = func() { f.Close() }
		sink = f
	}

	switch {
	case console == nil && sink == nil:
		// "file" output without a file: discard.
		return slog.New(slog.NewTextHandler(io.Discard, nil)), closeLog, nil
	case console == nil:
		return slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: level})), closeLog, nil
	case sink != nil:
		w := io.MultiWriter(console, sink)
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeLog, nil
	}

	if f, ok := console.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(tint.NewHandler(console, &tint.Options{Level: level})), closeLog, nil
	}
	return slog.New(slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})), closeLog, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage() {
	fmt.Print(`cellbox - Run commands in a kernel-enforced sandbox

USAGE
    cellbox [flags] -- <command> [args...]

FLAGS
    -c, --config FILE   Configuration file path
    -n, --name NAME     Sandbox instance name
    -d, --debug         Enable debug logging
        --ai            Enable the AI advisor
    -v, --version       Show version information
    -h, --help          Show this help

EXAMPLES
    # Run a shell in the default sandbox
    cellbox -- /bin/bash

    # Run with an explicit configuration
    cellbox --config /etc/cellbox/default.json -- /bin/ls -la

    # Name the instance (appears in the cgroup path)
    cellbox -n build-42 -- make -j8

ENVIRONMENT
    SANDBOX_CONFIG_PATH  Default configuration file
    OPENAI_API_KEY       API key for the AI advisor (ai_module.api_key_env)
`)
}
