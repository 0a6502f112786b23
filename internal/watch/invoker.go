package watch

import (
	"context"
	"time"

	"github.com/lambdev/lambdev/internal/config"
	"github.com/lambdev/lambdev/internal/logger"
)

// InvocationRouter accepts inbound invoke requests, resolves the target
// function and waits for the function process to answer.
type InvocationRouter struct {
	cfg        *config.ResolvedConfig
	log        *logger.Logger
	sup        *Supervisor
	routes     *RouteTable
	dispatches *dispatchTable
}

func NewInvocationRouter(cfg *config.ResolvedConfig, log *logger.Logger, sup *Supervisor, routes *RouteTable, dispatches *dispatchTable) *InvocationRouter {
	return &InvocationRouter{
		cfg:        cfg,
		log:        log,
		sup:        sup,
		routes:     routes,
		dispatches: dispatches,
	}
}

// Resolve picks the target function for a request. Resolution order: an
// explicit function name, then a route table match on path and method,
// then the single default function. Anything else is a routing error.
func (r *InvocationRouter) Resolve(explicit, path, method string) (string, map[string]string, error) {
	if explicit != "" {
		if _, ok := r.cfg.Function(explicit); !ok {
			return "", nil, &RoutingError{Requested: explicit, Available: r.cfg.FunctionNames()}
		}
		return explicit, nil, nil
	}

	if name, params, ok := r.routes.Lookup(path, method); ok {
		if _, declared := r.cfg.Function(name); !declared {
			return "", nil, &RoutingError{Requested: name, Available: r.cfg.FunctionNames()}
		}
		return name, params, nil
	}

	return "", nil, &RoutingError{Available: r.cfg.FunctionNames()}
}

// Invoke queues a pending invocation for the function and suspends the
// caller until it resolves or its deadline elapses. If the caller's
// context ends first, the invocation is marked abandoned but keeps its
// queue slot so the single-resolution invariant holds.
func (r *InvocationRouter) Invoke(ctx context.Context, name string, payload []byte, traceHeader string) (InvocationResult, error) {
	fn, ok := r.cfg.Function(name)
	if !ok {
		return InvocationResult{}, &RoutingError{Requested: name, Available: r.cfg.FunctionNames()}
	}

	if err := r.sup.EnsureRunning(ctx, name); err != nil {
		return InvocationResult{}, err
	}

	timeout := fn.Timeout
	if timeout <= 0 {
		timeout = r.cfg.InvokeTimeout
	}

	inv := newInvocation(name, payload, timeout)
	inv.TraceHeader = traceHeader
	defer r.dispatches.remove(inv.ID)

	queue, ok := r.sup.Queue(name)
	if !ok {
		return InvocationResult{}, &RoutingError{Requested: name, Available: r.cfg.FunctionNames()}
	}
	if err := queue.push(ctx, inv); err != nil {
		return InvocationResult{}, err
	}

	r.log.Debug("queued invocation %s for %s", inv.ID, name)

	select {
	case res := <-inv.done:
		r.logOutcome(inv, res)
		return res.result, res.err
	case <-ctx.Done():
		inv.abandon()
		return InvocationResult{}, ctx.Err()
	}
}

func (r *InvocationRouter) logOutcome(inv *Invocation, res resolution) {
	elapsed := time.Since(inv.ReceivedAt).Round(time.Millisecond)
	switch {
	case res.err != nil:
		r.log.Warning("invocation %s for %s failed after %s: %v", inv.ID, inv.FunctionName, elapsed, res.err)
	case res.result.FunctionError:
		r.log.Warning("invocation %s for %s returned a function error after %s", inv.ID, inv.FunctionName, elapsed)
	default:
		r.log.Debug("invocation %s for %s completed in %s", inv.ID, inv.FunctionName, elapsed)
	}
}
