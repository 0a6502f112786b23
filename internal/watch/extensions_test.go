package watch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExtensionEngine(t *testing.T, pollTimeout time.Duration) (*gin.Engine, *ExtensionCache) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cache := NewExtensionCache(testLogger())
	api := &extensionAPI{
		cache:       cache,
		log:         testLogger(),
		pollTimeout: pollTimeout,
		functionName: func(c *gin.Context) string {
			if name := c.Param("function"); name != "" {
				return name
			}
			return "handler"
		},
	}
	engine := gin.New()
	api.mount(engine.Group("/"))
	return engine, cache
}

func registerExtension(t *testing.T, engine *gin.Engine, events []string) string {
	t.Helper()
	body, err := json.Marshal(map[string][]string{"events": events})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/2020-01-01/extension/register", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get(extensionIDHeader)
	require.NotEmpty(t, id)
	return id
}

func TestExtensionRegister(t *testing.T) {
	engine, _ := newExtensionEngine(t, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/logger/2020-01-01/extension/register",
		strings.NewReader(`{"events":["INVOKE","SHUTDOWN"]}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(extensionIDHeader))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "logger", resp["functionName"])
}

func TestExtensionEventDelivery(t *testing.T) {
	engine, cache := newExtensionEngine(t, time.Second)
	id := registerExtension(t, engine, []string{EventInvoke})

	cache.Broadcast(ExtensionEvent{
		EventType:  EventInvoke,
		RequestID:  "req-1",
		DeadlineMs: time.Now().Add(time.Minute).UnixMilli(),
	})

	req := httptest.NewRequest(http.MethodGet, "/2020-01-01/extension/event/next", nil)
	req.Header.Set(extensionIDHeader, id)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var event ExtensionEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))
	assert.Equal(t, EventInvoke, event.EventType)
	assert.Equal(t, "req-1", event.RequestID)
}

func TestExtensionEventFiltering(t *testing.T) {
	engine, cache := newExtensionEngine(t, 50*time.Millisecond)
	id := registerExtension(t, engine, []string{EventShutdown})

	// An INVOKE event must not reach an extension registered for SHUTDOWN.
	cache.Broadcast(ExtensionEvent{EventType: EventInvoke, RequestID: "req-1"})

	req := httptest.NewRequest(http.MethodGet, "/2020-01-01/extension/event/next", nil)
	req.Header.Set(extensionIDHeader, id)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	cache.Broadcast(ExtensionEvent{EventType: EventShutdown, ShutdownReason: "spindown"})

	req = httptest.NewRequest(http.MethodGet, "/2020-01-01/extension/event/next", nil)
	req.Header.Set(extensionIDHeader, id)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var event ExtensionEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))
	assert.Equal(t, "spindown", event.ShutdownReason)
}

func TestExtensionNextRequiresIdentifier(t *testing.T) {
	engine, _ := newExtensionEngine(t, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/2020-01-01/extension/event/next", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/2020-01-01/extension/event/next", nil)
	req.Header.Set(extensionIDHeader, "bogus")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExtensionBroadcastNeverBlocks(t *testing.T) {
	_, cache := newExtensionEngine(t, time.Second)
	cache.Register([]string{EventInvoke})

	// Nobody polls; the queue fills and further events are dropped.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			cache.Broadcast(ExtensionEvent{EventType: EventInvoke})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full extension queue")
	}
}
