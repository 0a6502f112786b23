package watch

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lambdev/lambdev/internal/logger"
)

const extensionIDHeader = "Lambda-Extension-Identifier"

// Extension event types, matching the Extensions API contract.
const (
	EventInvoke   = "INVOKE"
	EventShutdown = "SHUTDOWN"
)

// ExtensionEvent is delivered to a registered extension's long-poll.
type ExtensionEvent struct {
	EventType          string          `json:"eventType"`
	DeadlineMs         int64           `json:"deadlineMs"`
	RequestID          string          `json:"requestId,omitempty"`
	InvokedFunctionARN string          `json:"invokedFunctionArn,omitempty"`
	ShutdownReason     string          `json:"shutdownReason,omitempty"`
	Tracing            *eventTracing   `json:"tracing,omitempty"`
}

type eventTracing struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// extensionRegistration is one registered extension process. Events are
// delivered through a buffered queue so a slow extension never blocks an
// invocation.
type extensionRegistration struct {
	id     string
	events map[string]bool
	queue  chan ExtensionEvent
}

// ExtensionCache tracks extension registrations for the lifetime of the
// watch server. Nothing is persisted across runs.
type ExtensionCache struct {
	log *logger.Logger

	mu         sync.Mutex
	registered map[string]*extensionRegistration
}

func NewExtensionCache(log *logger.Logger) *ExtensionCache {
	return &ExtensionCache{
		log:        log,
		registered: make(map[string]*extensionRegistration),
	}
}

// Register stores a new registration and returns its extension ID.
func (c *ExtensionCache) Register(events []string) string {
	reg := &extensionRegistration{
		id:     uuid.NewString(),
		events: make(map[string]bool, len(events)),
		queue:  make(chan ExtensionEvent, 100),
	}
	for _, e := range events {
		reg.events[e] = true
	}

	c.mu.Lock()
	c.registered[reg.id] = reg
	c.mu.Unlock()

	c.log.Debug("registered extension %s for events %v", reg.id, events)
	return reg.id
}

func (c *ExtensionCache) lookup(id string) (*extensionRegistration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registered[id]
	return reg, ok
}

// Broadcast delivers an event to every registration subscribed to its
// type. Delivery is best effort: a full queue drops the event rather than
// blocking the caller, and no ordering is guaranteed relative to function
// process lifecycle.
func (c *ExtensionCache) Broadcast(event ExtensionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reg := range c.registered {
		if !reg.events[event.EventType] {
			continue
		}
		select {
		case reg.queue <- event:
		default:
			c.log.Warning("dropping %s event for extension %s: delivery queue full", event.EventType, reg.id)
		}
	}
}

// extensionAPI serves the Extensions API HTTP surface.
type extensionAPI struct {
	cache       *ExtensionCache
	log         *logger.Logger
	pollTimeout time.Duration
	// functionName names the function in register responses. The emulator
	// reports the default function when the bare route is used.
	functionName func(c *gin.Context) string
}

type registerRequest struct {
	Events []string `json:"events"`
}

// mount registers the Extensions API routes on a router group. Both the
// bare paths and function-scoped paths are served; internal extensions
// register through the function-scoped ones.
func (a *extensionAPI) mount(g *gin.RouterGroup) {
	g.POST("/2020-01-01/extension/register", a.register)
	g.GET("/2020-01-01/extension/event/next", a.nextEvent)
	g.POST("/:function/2020-01-01/extension/register", a.register)
	g.GET("/:function/2020-01-01/extension/event/next", a.nextEvent)
}

func (a *extensionAPI) register(c *gin.Context) {
	var req registerRequest
	// The extensions runtime does not always send a Content-Type, so the
	// body is decoded without content negotiation.
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid registration payload"})
		return
	}

	id := a.cache.Register(req.Events)

	c.Header(extensionIDHeader, id)
	c.JSON(http.StatusOK, gin.H{
		"functionName":    a.functionName(c),
		"functionVersion": "1",
		"handler":         "bootstrap",
	})
}

func (a *extensionAPI) nextEvent(c *gin.Context) {
	id := c.GetHeader(extensionIDHeader)
	if id == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "missing " + extensionIDHeader + " header"})
		return
	}
	reg, ok := a.cache.lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown extension id"})
		return
	}

	a.log.Debug("extension %s waiting for next event", id)

	ctx := c.Request.Context()
	timer := time.NewTimer(a.pollTimeout)
	defer timer.Stop()

	select {
	case event := <-reg.queue:
		c.JSON(http.StatusOK, event)
	case <-timer.C:
		// Empty response; the extension re-polls.
		c.Status(http.StatusNoContent)
	case <-ctx.Done():
		c.Status(http.StatusNoContent)
	}
}
