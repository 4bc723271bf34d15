package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mailpilot/pkg/chat"
)

func TestNewEventLoop(t *testing.T) {
	d := createTestDaemon(t, WithoutGateway())

	eventLoop := NewEventLoop(d)
	assert.NotNil(t, eventLoop)
	assert.Equal(t, d, eventLoop.daemon)
	assert.Equal(t, maintenanceInterval, eventLoop.interval)
}

func TestEventLoopRun(t *testing.T) {
	d := createTestDaemon(t, WithoutGateway())
	_, err := d.GetManager().Create("main")
	require.NoError(t, err)

	eventLoop := NewEventLoop(d)
	eventLoop.interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		eventLoop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Event loop did not stop in time")
	}
}

func TestEventLoopHandleShutdown(t *testing.T) {
	d := createTestDaemon(t, WithoutGateway())

	eventLoop := NewEventLoop(d)

	// Should not block with nothing in flight
	done := make(chan struct{})
	go func() {
		eventLoop.HandleShutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleShutdown blocked with an idle queue")
	}
}

func TestEventLoopProcessTasks(t *testing.T) {
	t.Run("should count sessions with an idle lane", func(t *testing.T) {
		d := createTestDaemon(t, WithoutGateway())
		_, err := d.GetManager().Create("main")
		require.NoError(t, err)

		report := NewEventLoop(d).processTasks(context.Background())
		assert.Equal(t, tickReport{sessions: 1}, report)
	})

	t.Run("should flag a lane with a dispatch queued behind a running one", func(t *testing.T) {
		d := createTestDaemon(t, WithoutGateway())
		_, err := d.GetManager().Create("main")
		require.NoError(t, err)

		lane := chat.LaneFor("main")
		block := make(chan struct{})
		started := make(chan struct{})
		go func() {
			_, _ = d.queue.EnqueueWithContext(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
				close(started)
				<-block
				return nil, nil
			}, nil)
		}()
		<-started
		go func() {
			_, _ = d.queue.EnqueueWithContext(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return d.queue.QueueSize(lane) == 1 }, time.Second, 5*time.Millisecond)

		report := NewEventLoop(d).processTasks(context.Background())
		assert.Equal(t, 1, report.sessions)
		assert.Equal(t, 1, report.backedUp)

		close(block)
		assert.True(t, d.queue.WaitForActive(time.Second))
	})
}
