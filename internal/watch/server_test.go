package watch

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambdev/lambdev/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// Canceling the run context must still deliver the full stop sequence to
// live function processes. The supervisor has to outlive the context so
// StopAll reaches it.
func TestServerShutdownStopsProcessesAfterCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	bin := filepath.Join(dir, "handler")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	cfg := config.Default()
	cfg.InvokeAddress = "127.0.0.1"
	cfg.InvokePort = freePort(t)
	cfg.ProjectBase = dir
	cfg.Functions = []config.Function{{Name: "handler", BinaryPath: bin}}
	cfg.IgnoreChanges = true
	cfg.GracePeriod = 50 * time.Millisecond

	launcher := newFakeLauncher(true)
	srv, err := newServer(cfg, testLogger(), launcher)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	ensureCtx, cancelEnsure := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelEnsure()
	require.NoError(t, srv.sup.EnsureRunning(ensureCtx, "handler"))
	handle := <-launcher.started

	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.True(t, handle.wasTerminated(), "function process never received the stop signal")
	assert.True(t, handle.wasKilled(), "a process that ignores the grace window must be killed")
}

// With TLS on the invoke surface, the plain runtime listener serves only
// the runtime and extensions APIs. Exposing the invoke routes there would
// bypass the TLS client certificate gate.
func TestServerTLSSplitsRuntimeSurface(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Functions = []config.Function{
		{Name: "users", BinaryPath: "bin/users"},
		{Name: "orders", BinaryPath: "bin/orders"},
	}
	cfg.OnlyLambdaAPIs = true
	cfg.PollTimeout = 50 * time.Millisecond
	cfg.TLSCert = "cert.pem"
	cfg.TLSKey = "key.pem"

	srv, err := newServer(cfg, testLogger(), newFakeLauncher(false))
	require.NoError(t, err)
	require.NotSame(t, srv.engine, srv.runtimeEngine)
	assert.Equal(t, cfg.InvokePort+1, srv.runtimePort)

	// Runtime clients reach their API on the plain listener.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/.rt/users/2018-06-01/runtime/invocation/next", nil)
	srv.runtimeEngine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// The invoke surface is absent from the plain listener.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/users/invocations", strings.NewReader("{}"))
	srv.runtimeEngine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The TLS listener keeps the invoke surface.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/missing/invocations", strings.NewReader("{}"))
	srv.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "users")
}

func TestServerSharesEngineWithoutTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Functions = []config.Function{{Name: "handler", BinaryPath: "bin/handler"}}
	cfg.OnlyLambdaAPIs = true

	srv, err := newServer(cfg, testLogger(), newFakeLauncher(false))
	require.NoError(t, err)
	assert.Same(t, srv.engine, srv.runtimeEngine)
	assert.Equal(t, cfg.InvokePort, srv.runtimePort)
}
