package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lambdev/lambdev/internal/config"
	"github.com/lambdev/lambdev/internal/logger"
	"github.com/lambdev/lambdev/internal/watch"
)

// Version is the CLI version checked against a project's required_version
// constraint. Overridden at release build time.
var Version = "1.0.0"

// NewWatchCommand creates the watch command
func NewWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run Lambda functions locally, rebuilding on file changes",
		Long: `Boot a local Lambda environment for the functions declared in lambdev.toml.

The emulator serves the Lambda Runtime API and Extensions API, spawns one
process per function on demand, and rebuilds and restarts functions when
their source files change.

Examples:
  lambdev watch                              # Watch the current project
  lambdev watch -p 9001                      # Use a different invoke port
  lambdev watch --ignore-changes             # Never rebuild on file changes
  lambdev watch --only-lambda-apis           # Serve the APIs, manage processes yourself
  lambdev watch --bin handler=target/handler # Declare a function from the command line`,
		Args: cobra.NoArgs,
		RunE: runWatchCommand,
	}

	cmd.Flags().StringP("invoke-address", "a", "", "Address the invoke server binds to (default: 127.0.0.1)")
	cmd.Flags().IntP("invoke-port", "p", 0, "Port the invoke server binds to (default: 9000)")
	cmd.Flags().StringP("project-dir", "C", "", "Project directory to watch (default: current directory)")

	cmd.Flags().StringSlice("bin", []string{}, "Declare a function as NAME=BINARY_PATH (repeatable)")
	cmd.Flags().StringSlice("build-command", []string{}, "Build command run before each start, LAMBDEV_FUNCTION names the target")
	cmd.Flags().String("template", "", "SAM template with HTTP routes for the declared functions")

	cmd.Flags().Bool("ignore-changes", false, "Serve invocations without rebuilding on file changes")
	cmd.Flags().Bool("only-lambda-apis", false, "Serve the Runtime and Extensions APIs without spawning any process")
	cmd.Flags().StringSlice("ignore", []string{}, "Glob patterns excluded from file watching (repeatable)")
	cmd.Flags().Duration("debounce", 0, "Quiet window before a file change triggers a rebuild (default: 350ms)")

	cmd.Flags().Duration("grace-period", 0, "Graceful termination window at shutdown (default: 2s)")
	cmd.Flags().Duration("invoke-timeout", 0, "Default per-invocation deadline (default: 5m)")

	cmd.Flags().String("tls-cert", "", "TLS certificate for the invoke server")
	cmd.Flags().String("tls-key", "", "TLS private key for the invoke server")
	cmd.Flags().String("tls-ca", "", "CA bundle requiring client certificates on the invoke server")

	cmd.Flags().Bool("print-traces", false, "Print invocation trace spans to stdout")
	cmd.Flags().String("log-level", "", "Set log level (DEBUG, INFO, WARN, ERROR) (default: INFO)")

	return cmd
}

func runWatchCommand(cmd *cobra.Command, args []string) error {
	cfg, log, err := resolveWatchConfig(cmd)
	if err != nil {
		return err
	}

	server, err := watch.NewServer(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx)
}

// resolveWatchConfig layers configuration sources: built-in defaults and
// environment first, then lambdev.toml metadata, then command line flags.
func resolveWatchConfig(cmd *cobra.Command) (*config.ResolvedConfig, *logger.Logger, error) {
	cfg := config.Default()

	if dir, _ := cmd.Flags().GetString("project-dir"); dir != "" {
		cfg.ProjectBase = dir
	}
	base, err := filepath.Abs(cfg.ProjectBase)
	if err != nil {
		return nil, nil, err
	}
	cfg.ProjectBase = base

	if err := cfg.LoadMetadata(base); err != nil {
		return nil, nil, err
	}

	if addr, _ := cmd.Flags().GetString("invoke-address"); addr != "" {
		cfg.InvokeAddress = addr
	}
	if port, _ := cmd.Flags().GetInt("invoke-port"); port != 0 {
		cfg.InvokePort = port
	}
	if bins, _ := cmd.Flags().GetStringSlice("bin"); len(bins) > 0 {
		fns, err := parseBinFlags(bins, base)
		if err != nil {
			return nil, nil, err
		}
		cfg.Functions = mergeFunctions(cfg.Functions, fns)
	}
	if buildCmd, _ := cmd.Flags().GetStringSlice("build-command"); len(buildCmd) > 0 {
		cfg.BuildCommand = buildCmd
	}
	if template, _ := cmd.Flags().GetString("template"); template != "" {
		if err := cfg.LoadRouteTemplate(template); err != nil {
			return nil, nil, err
		}
	}

	if ignoreChanges, _ := cmd.Flags().GetBool("ignore-changes"); ignoreChanges {
		cfg.IgnoreChanges = true
	}
	if onlyAPIs, _ := cmd.Flags().GetBool("only-lambda-apis"); onlyAPIs {
		cfg.OnlyLambdaAPIs = true
	}
	if patterns, _ := cmd.Flags().GetStringSlice("ignore"); len(patterns) > 0 {
		cfg.IgnorePatterns = append(cfg.IgnorePatterns, patterns...)
	}
	if debounce, _ := cmd.Flags().GetDuration("debounce"); debounce > 0 {
		cfg.Debounce = debounce
	}
	if grace, _ := cmd.Flags().GetDuration("grace-period"); grace > 0 {
		cfg.GracePeriod = grace
	}
	if timeout, _ := cmd.Flags().GetDuration("invoke-timeout"); timeout > 0 {
		cfg.InvokeTimeout = timeout
	}

	cfg.TLSCert, _ = cmd.Flags().GetString("tls-cert")
	cfg.TLSKey, _ = cmd.Flags().GetString("tls-key")
	cfg.TLSCA, _ = cmd.Flags().GetString("tls-ca")
	if printTraces, _ := cmd.Flags().GetBool("print-traces"); printTraces {
		cfg.PrintTraces = true
	}

	if err := cfg.CheckVersion(Version); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level, _ := cmd.Flags().GetString("log-level")
	var log *logger.Logger
	if level != "" {
		log = logger.New(os.Stderr, level)
	} else {
		log = logger.Default()
	}
	return cfg, log, nil
}

// parseBinFlags turns NAME=PATH declarations into function configs. A bare
// PATH declares a function named after the binary.
func parseBinFlags(bins []string, base string) ([]config.Function, error) {
	fns := make([]config.Function, 0, len(bins))
	for _, bin := range bins {
		name, path, found := strings.Cut(bin, "=")
		if !found {
			path = bin
			name = filepath.Base(bin)
		}
		if name == "" || path == "" {
			return nil, fmt.Errorf("invalid --bin value %q, expected NAME=BINARY_PATH", bin)
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		fns = append(fns, config.Function{Name: name, BinaryPath: path})
	}
	return fns, nil
}

// mergeFunctions overlays flag-declared functions onto metadata-declared
// ones; a flag with the same name replaces the metadata entry's binary.
func mergeFunctions(declared, overrides []config.Function) []config.Function {
	merged := make([]config.Function, len(declared))
	copy(merged, declared)
	for _, o := range overrides {
		replaced := false
		for i := range merged {
			if merged[i].Name == o.Name {
				merged[i].BinaryPath = o.BinaryPath
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, o)
		}
	}
	return merged
}
