package graceful

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rail-service/settlement_service/pkg/logger"
)

func TestShutdown_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(nil, logger.NewLogger("test"))
	var order []string
	for _, name := range []string{"database", "redis", "watcher"} {
		name := name
		sm.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			if name == "redis" {
				return errors.New("already closed")
			}
			return nil
		})
	}

	sm.Shutdown()
	assert.Equal(t, []string{"watcher", "redis", "database"}, order)
}

func TestWaitForShutdown_ContextCancel(t *testing.T) {
	sm := NewShutdownManager(nil, logger.NewLogger("test"))
	closed := make(chan struct{})
	sm.Register("worker", func(ctx context.Context) error {
		close(closed)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go sm.WaitForShutdown(ctx)
	cancel()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("component was not shut down")
	}
}
