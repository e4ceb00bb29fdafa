package graceful

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rail-service/settlement_service/pkg/logger"
)

const defaultTimeout = 30 * time.Second

type component struct {
	name  string
	close func(ctx context.Context) error
}

// ShutdownManager stops the HTTP server first, then every registered component in
// reverse registration order, all within one timeout.
type ShutdownManager struct {
	server     *http.Server
	components []component
	timeout    time.Duration
	logger     *logger.Logger
}

func NewShutdownManager(server *http.Server, logger *logger.Logger) *ShutdownManager {
	return &ShutdownManager{
		server:  server,
		timeout: defaultTimeout,
		logger:  logger,
	}
}

// Register adds a component to stop on shutdown
func (sm *ShutdownManager) Register(name string, close func(ctx context.Context) error) {
	sm.components = append(sm.components, component{name: name, close: close})
}

// WaitForShutdown blocks until SIGINT, SIGTERM or ctx is done, then shuts everything down
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	sm.logger.Info("Shutting down gracefully...")
	sm.Shutdown()
}

// Shutdown stops the server and every component. Errors are logged, never returned.
func (sm *ShutdownManager) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sm.logger.Error("Server forced shutdown", "error", err)
		}
	}

	for i := len(sm.components) - 1; i >= 0; i-- {
		c := sm.components[i]
		if err := c.close(ctx); err != nil {
			sm.logger.Warn("Component shutdown error", "component", c.name, "error", err)
		}
	}

	sm.logger.Info("Shutdown complete")
}
