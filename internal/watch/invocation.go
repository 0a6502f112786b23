package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// InvocationResult carries a function's answer back to the routing caller.
type InvocationResult struct {
	// Payload is the raw response body posted by the function process.
	Payload []byte
	// FunctionError is true when the function posted to the error endpoint
	// instead of the response endpoint.
	FunctionError bool
}

// Invocation is one in-flight invoke request. It is created by the
// InvocationRouter, consumed exactly once by a runtime API "next" poll and
// resolved exactly once: by a response, an error, or deadline expiry.
type Invocation struct {
	ID           string
	FunctionName string
	Payload      []byte
	TraceHeader  string
	ReceivedAt   time.Time
	Deadline     time.Time

	resolved  atomic.Bool
	abandoned atomic.Bool
	timer     *time.Timer

	done chan resolution
}

type resolution struct {
	result InvocationResult
	err    error
}

func newInvocation(function string, payload []byte, timeout time.Duration) *Invocation {
	now := time.Now()
	inv := &Invocation{
		ID:           uuid.NewString(),
		FunctionName: function,
		Payload:      payload,
		ReceivedAt:   now,
		Deadline:     now.Add(timeout),
		done:         make(chan resolution, 1),
	}
	// The deadline fires independently of process liveness; a later
	// response or error post for this ID is rejected as stale.
	inv.timer = time.AfterFunc(timeout, func() {
		inv.fail(ErrInvocationTimeout)
	})
	return inv
}

// resolve completes the invocation with a function response or error
// payload. Returns false if it was already resolved.
func (inv *Invocation) resolve(result InvocationResult) bool {
	if !inv.resolved.CompareAndSwap(false, true) {
		return false
	}
	inv.timer.Stop()
	inv.done <- resolution{result: result}
	return true
}

// fail completes the invocation with an infrastructure error (timeout,
// restart, crash). Returns false if it was already resolved.
func (inv *Invocation) fail(err error) bool {
	if !inv.resolved.CompareAndSwap(false, true) {
		return false
	}
	inv.timer.Stop()
	inv.done <- resolution{err: err}
	return true
}

// abandon marks the invocation as abandoned by its caller. It stays in the
// queue until a poll discovers it, preserving the single-resolution
// invariant.
func (inv *Invocation) abandon() {
	inv.abandoned.Store(true)
}

func (inv *Invocation) isAbandoned() bool { return inv.abandoned.Load() }

func (inv *Invocation) isResolved() bool { return inv.resolved.Load() }

// deadlineMillis returns the deadline as epoch milliseconds for the
// Lambda-Runtime-Deadline-Ms header.
func (inv *Invocation) deadlineMillis() int64 {
	return inv.Deadline.UnixMilli()
}

// invocationQueue is the per-function FIFO of invocations awaiting a poll
// slot. Dispatch order is strictly arrival order.
type invocationQueue struct {
	ch chan *Invocation
}

const queueCapacity = 100

func newInvocationQueue() *invocationQueue {
	return &invocationQueue{ch: make(chan *Invocation, queueCapacity)}
}

// push appends an invocation, blocking if the queue is full.
func (q *invocationQueue) push(ctx context.Context, inv *Invocation) error {
	select {
	case q.ch <- inv:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pop removes the oldest invocation, blocking until one is available or
// the context expires.
func (q *invocationQueue) pop(ctx context.Context) (*Invocation, error) {
	select {
	case inv := <-q.ch:
		return inv, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain removes and returns everything currently queued, without blocking.
func (q *invocationQueue) drain() []*Invocation {
	var drained []*Invocation
	for {
		select {
		case inv := <-q.ch:
			drained = append(drained, inv)
		default:
			return drained
		}
	}
}

// dispatchTable tracks dispatched invocations by request ID until the
// function posts a response or error. Entries for resolved invocations are
// removed, so stale or duplicate posts miss and are rejected.
type dispatchTable struct {
	mu  sync.Mutex
	byID map[string]*Invocation
}

func newDispatchTable() *dispatchTable {
	return &dispatchTable{byID: make(map[string]*Invocation)}
}

func (t *dispatchTable) put(inv *Invocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[inv.ID] = inv
}

// take removes and returns the invocation for id, if it is currently
// dispatched.
func (t *dispatchTable) take(id string) (*Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	return inv, ok
}

func (t *dispatchTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}
