// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

// caisson-run assembles a game runtime container and launches a
// command inside it.
//
// Usage:
//
//	caisson-run run [flags] -- <command> [args...]
//	caisson-run plan [flags]
//	caisson-run gc [flags]
//	caisson-run version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/caisson-foundation/caisson/lib/config"
	"github.com/caisson-foundation/caisson/lib/process"
	"github.com/caisson-foundation/caisson/lib/version"
	"github.com/caisson-foundation/caisson/runtime"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	logger := newLogger()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runCmd(args, logger)
	case "plan":
		err = planCmd(args, logger)
	case "gc":
		err = gcCmd(args, logger)
	case "version", "--version", "-v":
		fmt.Printf("caisson-run %s\n", version.Info())
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if code := process.ExitCode(err); code >= 0 {
			os.Exit(code)
		}
		process.Fatal(err)
	}
}

// newLogger builds the stderr logger. Timestamps are dropped when
// stderr is a terminal; the launching service's journal adds its own
// when it is not.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("CAISSON_DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func printUsage() {
	fmt.Print(`caisson-run - Assemble and launch game runtime containers

USAGE
    caisson-run <command> [flags] [-- <args>...]

COMMANDS
    run      Assemble the runtime and run a command inside it
    plan     Print the container setup arguments without launching
    gc       Remove abandoned runtime copies and stale deployments
    version  Show version

EXAMPLES
    # Run a command in the configured runtime
    caisson-run run -- bash

    # Use a specific runtime archive with a writable copy
    caisson-run run --source=/srv/runtimes/soldier.tar.gz --mutable -- env

    # Inspect the bind plan without launching anything
    caisson-run plan --source=/srv/runtimes/soldier.tar.gz

ENVIRONMENT
    CAISSON_CONFIG  Path to the configuration file
    CAISSON_DEBUG   Enable debug logging
`)
}

// loadConfig loads configuration from --config when given, otherwise
// from CAISSON_CONFIG, otherwise the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("CAISSON_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// runtimeFlags registers the flags shared by run and plan and returns
// a closure that folds the parsed values into the configuration.
func runtimeFlags(fs *flag.FlagSet) func(*config.Config) {
	source := fs.String("source", "", "Runtime archive or directory (overrides config)")
	id := fs.String("id", "", "Deployment identity override")
	variable := fs.String("variable-dir", "", "Directory for deployments and copies")
	mutable := fs.Bool("mutable", false, "Force a private writable runtime copy")
	providers := fs.StringArray("provider", nil, "Graphics provider root, repeatable, highest priority first")
	realRoot := fs.String("real-root", "", "The host's real root filesystem")
	captureHelper := fs.String("capture-helper", "", "Path to the caisson-capture-libs binary")
	archiveTool := fs.String("archive-tool", "", "Extractor binary for runtime archives")
	singleThread := fs.Bool("single-thread", false, "Disable background driver enumeration")

	return func(cfg *config.Config) {
		if *source != "" {
			cfg.Runtime.Source = *source
		}
		if *id != "" {
			cfg.Runtime.ID = *id
		}
		if *variable != "" {
			cfg.Paths.Variable = *variable
		}
		if *mutable {
			cfg.Runtime.Mutable = true
		}
		if len(*providers) > 0 {
			cfg.Graphics.Providers = *providers
		}
		if *realRoot != "" {
			cfg.Graphics.RealRoot = *realRoot
		}
		if *captureHelper != "" {
			cfg.Graphics.CaptureHelper = *captureHelper
		}
		if *archiveTool != "" {
			cfg.Runtime.ArchiveTool = *archiveTool
		}
		if *singleThread {
			cfg.Graphics.SingleThread = true
		}
	}
}

// newRuntime builds a runtime.Runtime from the merged configuration.
func newRuntime(cfg *config.Config, logger *slog.Logger) (*runtime.Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return runtime.New(runtime.Config{
		Source:        cfg.Runtime.Source,
		ID:            cfg.Runtime.ID,
		VariableDir:   cfg.Paths.Variable,
		Mutable:       cfg.Runtime.Mutable,
		ProviderPaths: cfg.Graphics.Providers,
		RealRoot:      cfg.Graphics.RealRoot,
		CaptureHelper: cfg.CaptureHelper(),
		ArchiveTool:   cfg.Runtime.ArchiveTool,
		SingleThread:  cfg.Graphics.SingleThread,
		Logger:        logger,
	})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

// runCmd implements the "run" command.
func runCmd(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file path")
	launcher := fs.String("launcher", "bwrap", "Container launcher binary")
	verbose := fs.Bool("verbose", false, "Show the launcher command being executed")
	apply := runtimeFlags(fs)

	fs.Usage = func() {
		fmt.Print(`caisson-run run - Assemble the runtime and run a command inside it

USAGE
    caisson-run run [flags] -- <command> [args...]

FLAGS
`)
		fs.PrintDefaults()
		fmt.Print(`
EXAMPLES
    caisson-run run -- bash
    caisson-run run --source=/srv/runtimes/soldier.tar.gz --mutable -- env
`)
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	command := fs.Args()
	if len(command) == 0 {
		return fmt.Errorf("command is required after --")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	apply(cfg)

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signalContext()
	defer cancel()

	plan, err := rt.Setup(ctx)
	if err != nil {
		return err
	}

	argv := append(plan.Args(), command...)
	if *verbose {
		logger.Info("executing launcher", "command", *launcher+" "+strings.Join(argv, " "))
	}

	child := exec.CommandContext(ctx, *launcher, argv...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Run(); err != nil {
		return fmt.Errorf("running %s: %w", *launcher, err)
	}
	return nil
}

// planCmd implements the "plan" command: full assembly, no launch.
func planCmd(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file path")
	apply := runtimeFlags(fs)

	fs.Usage = func() {
		fmt.Print(`caisson-run plan - Print the container setup arguments without launching

The runtime is fully assembled (deployed, copied if mutable, drivers
imported) so the printed arguments reference real paths.

USAGE
    caisson-run plan [flags]

FLAGS
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	apply(cfg)

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signalContext()
	defer cancel()

	plan, err := rt.Setup(ctx)
	if err != nil {
		return err
	}
	fmt.Println(strings.Join(plan.Args(), " \\\n  "))
	return nil
}

// gcCmd implements the "gc" command.
func gcCmd(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file path")
	variable := fs.String("variable-dir", "", "Directory for deployments and copies")

	fs.Usage = func() {
		fmt.Print(`caisson-run gc - Remove abandoned runtime copies and stale deployments

Directories still referenced by a running launch, or containing a
keep marker, are left alone.

USAGE
    caisson-run gc [flags]

FLAGS
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *variable != "" {
		cfg.Paths.Variable = *variable
	}
	if cfg.Paths.Variable == "" {
		return fmt.Errorf("no variable directory configured")
	}
	return runtime.GarbageCollect(cfg.Paths.Variable, "", logger)
}
