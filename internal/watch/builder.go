package watch

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/lambdev/lambdev/internal/config"
	"github.com/lambdev/lambdev/internal/logger"
)

// Builder is the opaque compiler collaborator. Build produces the binary
// for a function or a *BuildError describing why compilation failed.
type Builder interface {
	Build(ctx context.Context, fn config.Function) (string, error)
}

// CommandBuilder runs the configured build command with LAMBDEV_FUNCTION
// set to the target function name. When no command is configured it only
// checks that the declared binary already exists.
type CommandBuilder struct {
	Dir     string
	Command []string
	Log     *logger.Logger
}

func (b *CommandBuilder) Build(ctx context.Context, fn config.Function) (string, error) {
	if len(b.Command) == 0 {
		if _, err := os.Stat(fn.BinaryPath); err != nil {
			return "", &BuildError{
				Function: fn.Name,
				Err:      fmt.Errorf("no build command configured and binary %s not found: %w", fn.BinaryPath, err),
			}
		}
		return fn.BinaryPath, nil
	}

	cmd := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	cmd.Dir = b.Dir
	cmd.Env = append(os.Environ(), "LAMBDEV_FUNCTION="+fn.Name)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", &BuildError{Function: fn.Name, Output: string(output), Err: err}
	}
	if b.Log != nil && len(output) > 0 && b.Log.IsDebugEnabled() {
		b.Log.Debug("build output for %s:\n%s", fn.Name, output)
	}
	return fn.BinaryPath, nil
}
