package watch

import (
	"time"

	"github.com/lambdev/lambdev/internal/logger"
)

// ShutdownCoordinator runs the teardown sequence: extensions get a
// best-effort SHUTDOWN event, then every function process is terminated
// within the grace window. Extension delivery is not ordered with respect
// to process termination.
type ShutdownCoordinator struct {
	log        *logger.Logger
	sup        *Supervisor
	extensions *ExtensionCache
	grace      time.Duration
}

// Shutdown blocks until every function process is gone or force-killed.
func (s *ShutdownCoordinator) Shutdown() {
	s.extensions.Broadcast(ExtensionEvent{
		EventType:      EventShutdown,
		ShutdownReason: "spindown",
		DeadlineMs:     time.Now().Add(s.grace).UnixMilli(),
	})
	s.sup.StopAll(s.grace)
	s.log.Info("all function processes stopped")
}
