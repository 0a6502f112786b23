package watch

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lambdev/lambdev/internal/logger"
)

// Runtime API headers, as the Lambda runtime contract defines them.
const (
	headerRequestID   = "Lambda-Runtime-Aws-Request-Id"
	headerDeadlineMs  = "Lambda-Runtime-Deadline-Ms"
	headerFunctionARN = "Lambda-Runtime-Invoked-Function-Arn"
	headerTraceID     = "Lambda-Runtime-Trace-Id"
)

// runtimeAPI serves the long-poll Runtime API surface a function process
// calls into. Per invocation the state machine is:
// queued -> dispatched -> (responded | errored | timed out).
type runtimeAPI struct {
	sup         *Supervisor
	dispatches  *dispatchTable
	extensions  *ExtensionCache
	log         *logger.Logger
	pollTimeout time.Duration
	defaultFn   string
}

// mount registers the Runtime API routes on a router group. Bare routes
// (no function path segment) serve the single default function.
func (a *runtimeAPI) mount(g *gin.RouterGroup) {
	g.GET("/:function/2018-06-01/runtime/invocation/next", a.next)
	g.POST("/:function/2018-06-01/runtime/invocation/:reqid/response", a.postResponse)
	g.POST("/:function/2018-06-01/runtime/invocation/:reqid/error", a.postError)
	g.POST("/:function/2018-06-01/runtime/init/error", a.initError)

	g.GET("/2018-06-01/runtime/invocation/next", a.next)
	g.POST("/2018-06-01/runtime/invocation/:reqid/response", a.postResponse)
	g.POST("/2018-06-01/runtime/invocation/:reqid/error", a.postError)
	g.POST("/2018-06-01/runtime/init/error", a.initError)
}

func (a *runtimeAPI) function(c *gin.Context) string {
	if name := c.Param("function"); name != "" {
		return name
	}
	return a.defaultFn
}

// next is the long-poll a function process blocks on. It suspends until
// an invocation is queued for the function or the poll window elapses
// (204, the client re-polls). Dispatch order is strict FIFO.
func (a *runtimeAPI) next(c *gin.Context) {
	name := a.function(c)
	queue, ok := a.sup.Queue(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown function: " + name})
		return
	}

	// The first poll is how we learn the process finished initializing.
	a.sup.MarkRunning(name)

	ctx := c.Request.Context()
	deadline := time.NewTimer(a.pollTimeout)
	defer deadline.Stop()

	for {
		pollCtx, cancel := contextWithSignal(ctx, deadline.C)
		inv, err := queue.pop(pollCtx)
		cancel()
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if inv.isResolved() {
			// Deadline already fired while queued; the slot is free.
			continue
		}
		if inv.isAbandoned() {
			inv.fail(ErrAbandoned)
			a.log.Debug("discarding abandoned invocation %s for %s", inv.ID, name)
			continue
		}

		a.dispatch(c, name, inv)
		return
	}
}

func (a *runtimeAPI) dispatch(c *gin.Context, name string, inv *Invocation) {
	a.dispatches.put(inv)

	a.extensions.Broadcast(ExtensionEvent{
		EventType:          EventInvoke,
		DeadlineMs:         inv.deadlineMillis(),
		RequestID:          inv.ID,
		InvokedFunctionARN: functionARN(name),
		Tracing:            &eventTracing{Type: "X-Amzn-Trace-Id", Value: inv.TraceHeader},
	})

	a.log.Debug("dispatching invocation %s to %s", inv.ID, name)

	c.Header(headerRequestID, inv.ID)
	c.Header(headerDeadlineMs, strconv.FormatInt(inv.deadlineMillis(), 10))
	c.Header(headerFunctionARN, functionARN(name))
	if inv.TraceHeader != "" {
		c.Header(headerTraceID, inv.TraceHeader)
	}
	c.Data(http.StatusOK, "application/json", inv.Payload)
}

// postResponse resolves the dispatched invocation matching the request ID.
// Posts for IDs that are not currently dispatched are rejected so stale or
// duplicate posts never resolve another caller's invocation.
func (a *runtimeAPI) postResponse(c *gin.Context) {
	a.resolvePost(c, false)
}

// postError resolves the invocation as a function error.
func (a *runtimeAPI) postError(c *gin.Context) {
	a.resolvePost(c, true)
}

func (a *runtimeAPI) resolvePost(c *gin.Context, functionError bool) {
	reqID := c.Param("reqid")
	inv, ok := a.dispatches.take(reqID)
	if !ok {
		a.log.Warning("rejecting post for unknown invocation id %s", reqID)
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrStaleInvocation.Error(), "requestId": reqID})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		inv.fail(ErrProcessCrashed)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read response body"})
		return
	}

	if !inv.resolve(InvocationResult{Payload: body, FunctionError: functionError}) {
		// Deadline beat the post; the caller already observed a timeout.
		a.log.Debug("invocation %s resolved before the function responded", reqID)
	}
	c.Status(http.StatusAccepted)
}

// initError is reported by a process that failed before its first poll.
// The function moves to Crashed and everything queued for it fails.
func (a *runtimeAPI) initError(c *gin.Context) {
	name := a.function(c)
	body, _ := io.ReadAll(c.Request.Body)
	if len(body) > 0 {
		a.log.Error("init error from %s: %s", name, body)
	}
	a.sup.RecordInitError(name)
	c.Status(http.StatusAccepted)
}

func functionARN(name string) string {
	return "arn:aws:lambda:local:000000000000:function:" + name
}

// contextWithSignal derives a context that is canceled when the signal
// channel fires, so a long-poll can park on a queue and still honor the
// poll window.
func contextWithSignal(parent context.Context, signal <-chan time.Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-signal:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
