package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Function describes one Lambda function binary managed by the watch server.
type Function struct {
	// Name is the function name, used in routes and runtime API paths.
	Name string `toml:"name"`
	// BinaryPath is where the build collaborator leaves the executable.
	BinaryPath string `toml:"binary_path"`
	// Env holds per-function environment variables, merged over the base
	// environment when the process is spawned.
	Env map[string]string `toml:"env"`
	// WatchPaths are the project subtrees whose changes trigger a rebuild
	// of this function. Empty means the whole project base.
	WatchPaths []string `toml:"watch_paths"`
	// Timeout bounds each invocation of this function. Zero uses the
	// server default.
	Timeout time.Duration `toml:"timeout"`
}

// Route maps an HTTP path pattern (and optionally a method) to a function.
type Route struct {
	Path     string `toml:"path" yaml:"path"`
	Method   string `toml:"method" yaml:"method"`
	Function string `toml:"function" yaml:"function"`
}

// ResolvedConfig is the fully resolved configuration handed to the watch
// core at startup. Precedence resolution (env vars, TOML metadata, CLI
// flags) happens in the loaders; the core only reads this value.
type ResolvedConfig struct {
	// InvokeAddress and InvokePort locate the public invoke surface.
	InvokeAddress string
	InvokePort    int

	Functions []Function
	Routes    []Route

	// ProjectBase is the directory watched for changes.
	ProjectBase string
	// IgnorePatterns are gitignore-style globs excluded from watching.
	IgnorePatterns []string
	// IgnoreChanges disables rebuild-on-change entirely.
	IgnoreChanges bool
	// OnlyLambdaAPIs starts the emulator servers without spawning any
	// function process.
	OnlyLambdaAPIs bool

	// Debounce coalesces file events per function before a restart.
	Debounce time.Duration
	// GracePeriod bounds graceful termination at full shutdown.
	GracePeriod time.Duration
	// RestartGrace bounds graceful termination on hot-reload restarts.
	RestartGrace time.Duration
	// PollTimeout bounds runtime/extension long-polls before an empty
	// response is returned and the client re-polls.
	PollTimeout time.Duration
	// InvokeTimeout is the default per-invocation deadline.
	InvokeTimeout time.Duration

	// BuildCommand is the opaque compiler invocation, run from ProjectBase
	// with LAMBDEV_FUNCTION set to the function name.
	BuildCommand []string
	// BuildDir is the shared build directory all compilations contend on.
	BuildDir string

	// TLS material for the public invoke surface. Empty means plain HTTP.
	TLSCert string
	TLSKey  string
	TLSCA   string

	// RequiredVersion is a semver constraint on the CLI version, declared
	// in project metadata.
	RequiredVersion string

	PrintTraces bool
}

// Default returns the built-in configuration, before env, metadata and
// flag overrides.
func Default() *ResolvedConfig {
	return &ResolvedConfig{
		InvokeAddress: getEnvString("LAMBDEV_INVOKE_ADDRESS", "127.0.0.1"),
		InvokePort:    getEnvInt("LAMBDEV_INVOKE_PORT", 9000),
		ProjectBase:   ".",
		IgnoreChanges: getEnvBool("LAMBDEV_IGNORE_CHANGES", false),
		PrintTraces:   getEnvBool("LAMBDEV_PRINT_TRACES", false),
		Debounce:      getEnvDuration("LAMBDEV_RELOAD_DEBOUNCE", 350*time.Millisecond),
		GracePeriod:   getEnvDuration("LAMBDEV_SHUTDOWN_GRACE", 2*time.Second),
		RestartGrace:  getEnvDuration("LAMBDEV_RESTART_GRACE", 500*time.Millisecond),
		PollTimeout:   getEnvDuration("LAMBDEV_POLL_TIMEOUT", 30*time.Second),
		InvokeTimeout: getEnvDuration("LAMBDEV_INVOKE_TIMEOUT", 5*time.Minute),
		BuildDir:      getEnvString("LAMBDEV_BUILD_DIR", "target/lambda"),
	}
}

// Validate ensures the configuration is usable before the servers start.
func (c *ResolvedConfig) Validate() error {
	if c.InvokePort < 1 || c.InvokePort > 65535 {
		return fmt.Errorf("invalid invoke port: %d", c.InvokePort)
	}
	if len(c.Functions) == 0 {
		return fmt.Errorf("no functions configured")
	}
	seen := make(map[string]bool, len(c.Functions))
	for _, fn := range c.Functions {
		if fn.Name == "" {
			return fmt.Errorf("function with empty name")
		}
		if seen[fn.Name] {
			return fmt.Errorf("duplicate function name: %s", fn.Name)
		}
		seen[fn.Name] = true
	}
	for _, r := range c.Routes {
		if !seen[r.Function] {
			return fmt.Errorf("route %s targets unknown function %s", r.Path, r.Function)
		}
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("route pattern must start with '/': %s", r.Path)
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("TLS requires both a certificate and a key")
	}
	return nil
}

// CheckVersion verifies the project's required_version constraint against
// the running CLI version.
func (c *ResolvedConfig) CheckVersion(current string) error {
	if c.RequiredVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(c.RequiredVersion)
	if err != nil {
		return fmt.Errorf("invalid required_version %q: %w", c.RequiredVersion, err)
	}
	v, err := semver.NewVersion(current)
	if err != nil {
		return fmt.Errorf("invalid CLI version %q: %w", current, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("this project requires lambdev %s, current version is %s", c.RequiredVersion, current)
	}
	return nil
}

// Function returns the function config for name, if declared.
func (c *ResolvedConfig) Function(name string) (Function, bool) {
	for _, fn := range c.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return Function{}, false
}

// FunctionNames lists the declared function names in configuration order.
func (c *ResolvedConfig) FunctionNames() []string {
	names := make([]string, 0, len(c.Functions))
	for _, fn := range c.Functions {
		names = append(names, fn.Name)
	}
	return names
}

// DefaultFunction returns the single configured function, if exactly one
// is declared. Routing falls back to it when nothing else matches.
func (c *ResolvedConfig) DefaultFunction() (string, bool) {
	if len(c.Functions) == 1 {
		return c.Functions[0].Name, true
	}
	return "", false
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}
