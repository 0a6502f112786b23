package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambdev/lambdev/internal/config"
)

func routerFixture(t *testing.T) (*InvocationRouter, *Supervisor, context.CancelFunc) {
	t.Helper()
	cfg := config.Default()
	cfg.Functions = []config.Function{
		{Name: "users", BinaryPath: "bin/users"},
		{Name: "orders", BinaryPath: "bin/orders"},
	}
	cfg.Routes = []config.Route{
		{Path: "/users/{id}", Function: "users"},
		{Path: "/orders", Method: "POST", Function: "orders"},
	}
	cfg.OnlyLambdaAPIs = true
	cfg.InvokeTimeout = 5 * time.Second

	log := testLogger()
	builds := NewBuildQueue(&fakeBuilder{}, log)
	sup := NewSupervisor(cfg, log, builds, newFakeLauncher(false), func(string) string { return "" })

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)

	routes, err := NewRouteTable(cfg.Routes, "")
	require.NoError(t, err)
	router := NewInvocationRouter(cfg, log, sup, routes, newDispatchTable())
	t.Cleanup(cancel)
	return router, sup, cancel
}

func TestResolveExplicitName(t *testing.T) {
	router, _, _ := routerFixture(t)

	name, params, err := router.Resolve("orders", "/whatever", "GET")
	require.NoError(t, err)
	assert.Equal(t, "orders", name)
	assert.Nil(t, params)
}

func TestResolveExplicitNameUnknown(t *testing.T) {
	router, _, _ := routerFixture(t)

	_, _, err := router.Resolve("missing", "/", "GET")
	var routing *RoutingError
	require.ErrorAs(t, err, &routing)
	assert.Equal(t, "missing", routing.Requested)
	assert.Equal(t, []string{"users", "orders"}, routing.Available)
}

func TestResolveByRoute(t *testing.T) {
	router, _, _ := routerFixture(t)

	name, params, err := router.Resolve("", "/users/7", "GET")
	require.NoError(t, err)
	assert.Equal(t, "users", name)
	assert.Equal(t, "7", params["id"])

	name, _, err = router.Resolve("", "/orders", "POST")
	require.NoError(t, err)
	assert.Equal(t, "orders", name)
}

func TestResolveNoMatch(t *testing.T) {
	router, _, _ := routerFixture(t)

	_, _, err := router.Resolve("", "/orders", "GET")
	var routing *RoutingError
	require.ErrorAs(t, err, &routing)
	assert.Empty(t, routing.Requested)
}

func TestInvokeResolvedByFunctionResponse(t *testing.T) {
	router, sup, _ := routerFixture(t)

	queue, ok := sup.Queue("users")
	require.True(t, ok)

	// Stand in for a function process draining the queue.
	go func() {
		inv, err := queue.pop(context.Background())
		if err != nil {
			return
		}
		inv.resolve(InvocationResult{Payload: []byte(`"done"`)})
	}()

	res, err := router.Invoke(context.Background(), "users", []byte("{}"), "")
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(res.Payload))
}

func TestInvokeAbandonedOnCallerDisconnect(t *testing.T) {
	router, sup, _ := routerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := router.Invoke(ctx, "users", []byte("{}"), "")
	assert.ErrorIs(t, err, context.Canceled)

	// The invocation stays queued, marked abandoned for the next poll.
	queue, _ := sup.Queue("users")
	popCtx, popCancel := context.WithTimeout(context.Background(), time.Second)
	defer popCancel()
	inv, err := queue.pop(popCtx)
	require.NoError(t, err)
	assert.True(t, inv.isAbandoned())
}

func TestInvokeUnknownFunction(t *testing.T) {
	router, _, _ := routerFixture(t)

	_, err := router.Invoke(context.Background(), "missing", []byte("{}"), "")
	var routing *RoutingError
	assert.ErrorAs(t, err, &routing)
}

func TestInvokePerFunctionTimeoutOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Functions = []config.Function{
		{Name: "fast", BinaryPath: "bin/fast", Timeout: 30 * time.Millisecond},
	}
	cfg.OnlyLambdaAPIs = true
	cfg.InvokeTimeout = time.Hour

	log := testLogger()
	builds := NewBuildQueue(&fakeBuilder{}, log)
	sup := NewSupervisor(cfg, log, builds, newFakeLauncher(false), func(string) string { return "" })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	routes, err := NewRouteTable(nil, "fast")
	require.NoError(t, err)
	router := NewInvocationRouter(cfg, log, sup, routes, newDispatchTable())

	start := time.Now()
	_, err = router.Invoke(context.Background(), "fast", []byte("{}"), "")
	assert.ErrorIs(t, err, ErrInvocationTimeout)
	assert.Less(t, time.Since(start), time.Second)
}
