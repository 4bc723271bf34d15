package daemon

import (
	"context"
	"time"

	"github.com/harun/mailpilot/internal/observability"
	"github.com/harun/mailpilot/pkg/chat"
)

const maintenanceInterval = 30 * time.Second

// EventLoop handles the main event processing loop
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Debug().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Debug().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// tickReport summarizes one maintenance pass.
type tickReport struct {
	sessions int
	pending  int
	backedUp int
}

// processTasks reports session and queue gauges.
func (e *EventLoop) processTasks(_ context.Context) tickReport {
	sessions := e.daemon.manager.List()
	observability.SetActiveSessions(len(sessions))

	report := tickReport{sessions: len(sessions)}
	for _, s := range sessions {
		if s.Pending {
			report.pending++
		}

		lane := chat.LaneFor(s.ID)
		queued := e.daemon.queue.QueueSize(lane)
		if queued == 0 {
			continue
		}
		// A reset left an abandoned reply running ahead of a new dispatch.
		report.backedUp++
		e.daemon.logger.Info().
			Str("session_id", s.ID).
			Int("queued", queued).
			Int("running", e.daemon.queue.RunningCount(lane)).
			Msg("Session lane backed up")
	}

	e.daemon.logger.Debug().
		Int("sessions", report.sessions).
		Int("pending", report.pending).
		Int("backed_up", report.backedUp).
		Msg("Maintenance tick")
	return report
}

// HandleShutdown waits briefly for in-flight dispatches to finish.
func (e *EventLoop) HandleShutdown() {
	if !e.daemon.queue.WaitForActive(shutdownTimeout) {
		e.daemon.logger.Warn().Msg("Dispatches still running at shutdown")
	}
	e.daemon.dispatcher.Wait()
}
