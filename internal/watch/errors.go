package watch

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for invocation resolution. Each pending invocation is
// resolved by exactly one of: a function response, a function error, or
// one of these.
var (
	// ErrInvocationTimeout resolves an invocation whose deadline elapsed
	// while queued or dispatched.
	ErrInvocationTimeout = errors.New("invocation deadline exceeded")

	// ErrRestarted fails pending invocations cleared by a rebuild-triggered
	// restart.
	ErrRestarted = errors.New("function restarted while invocation was pending")

	// ErrProcessCrashed fails pending invocations when the function process
	// exits unexpectedly.
	ErrProcessCrashed = errors.New("function process exited unexpectedly")

	// ErrStaleInvocation rejects a response or error posted for an
	// invocation that is not currently dispatched.
	ErrStaleInvocation = errors.New("unknown or stale invocation id")

	// ErrAbandoned resolves an invocation whose caller disconnected before
	// the function picked it up.
	ErrAbandoned = errors.New("invocation abandoned by caller")

	// ErrShuttingDown rejects work submitted after shutdown started.
	ErrShuttingDown = errors.New("server is shutting down")
)

// BuildError reports a failed compiler invocation. The function stays
// Stopped and the build is retried on the next trigger.
type BuildError struct {
	Function string
	Output   string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed for function %s: %v", e.Function, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// RoutingError reports an inbound request that matched no function and no
// default. Surfaced immediately to the caller, never retried.
type RoutingError struct {
	Requested string
	Available []string
}

func (e *RoutingError) Error() string {
	if e.Requested == "" {
		return fmt.Sprintf("no function matched the request; available functions: %s",
			strings.Join(e.Available, ", "))
	}
	return fmt.Sprintf("function %q is not declared in this project; available functions: %s",
		e.Requested, strings.Join(e.Available, ", "))
}
