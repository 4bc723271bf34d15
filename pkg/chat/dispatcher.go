package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/mailpilot/internal/observability"
	"github.com/harun/mailpilot/internal/tracing"
	"github.com/harun/mailpilot/pkg/commandqueue"
)

// ErrDispatchTimeout is the failure recorded when a backend does not answer in time.
var ErrDispatchTimeout = errors.New("backend did not reply in time")

// DefaultQueueWarning is how long a dispatch may wait in its session lane
// before the wait is logged.
const DefaultQueueWarning = 10 * time.Second

// Backend produces the assistant reply for a conversation.
type Backend interface {
	Reply(ctx context.Context, turns []Turn) (string, error)
	Name() string
}

const lanePrefix = "session:"

// LaneFor returns the command queue lane used for a session's dispatches.
func LaneFor(sessionID string) string {
	return lanePrefix + sessionID
}

// SessionFromLane reverses LaneFor.
func SessionFromLane(lane string) (string, bool) {
	id, ok := strings.CutPrefix(lane, lanePrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// AsyncDispatcher calls a Backend on a background goroutine, one call at a
// time per session lane, and resolves the session with the outcome.
type AsyncDispatcher struct {
	backend   Backend
	queue     *commandqueue.CommandQueue
	timeout   time.Duration
	warnAfter time.Duration
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// DispatcherOption configures an AsyncDispatcher.
type DispatcherOption func(*AsyncDispatcher)

// WithQueue runs backend calls through q. Without a queue the backend is
// called directly.
func WithQueue(q *commandqueue.CommandQueue) DispatcherOption {
	return func(d *AsyncDispatcher) { d.queue = q }
}

// WithTimeout bounds each backend call. 0 means no limit.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *AsyncDispatcher) { d.timeout = timeout }
}

// WithQueueWarning sets how long a dispatch may sit behind an earlier
// reply in its lane before a warning is logged. 0 disables the warning.
func WithQueueWarning(after time.Duration) DispatcherOption {
	return func(d *AsyncDispatcher) { d.warnAfter = after }
}

// WithDispatcherLogger sets the base logger.
func WithDispatcherLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *AsyncDispatcher) { d.logger = logger }
}

// NewAsyncDispatcher creates a dispatcher for backend.
func NewAsyncDispatcher(backend Backend, opts ...DispatcherOption) (*AsyncDispatcher, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	d := &AsyncDispatcher{
		backend:   backend,
		warnAfter: DefaultQueueWarning,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "dispatcher").Str("backend", backend.Name()).Logger()
	return d, nil
}

// Dispatch starts the backend call and returns immediately. res is
// resolved exactly once, even when resolution panics.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, req DispatchRequest, res Resolver) {
	once := &onceResolver{inner: res}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Str("session_id", req.SessionID).Interface("panic", r).Msg("Dispatch panicked")
				once.Fail(req.Generation, fmt.Errorf("dispatch panic: %v", r))
			}
		}()
		d.run(ctx, req, once)
	}()
}

// Wait blocks until every started dispatch has resolved.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}

func (d *AsyncDispatcher) run(ctx context.Context, req DispatchRequest, res Resolver) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "chat.dispatch",
		attribute.String("session_id", req.SessionID),
		attribute.Int64("generation", int64(req.Generation)),
		attribute.String("backend", d.backend.Name()),
		attribute.Int("turns", len(req.Context)),
	)
	defer span.End()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	logger := tracing.LoggerFromContext(ctx, d.logger)
	start := time.Now()

	reply, err := d.call(ctx, req, logger)
	duration := time.Since(start)
	observability.RecordDispatch(d.backend.Name(), duration, err == nil)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w (%s)", ErrDispatchTimeout, d.timeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		applied := res.Fail(req.Generation, err)
		logger.Warn().Err(err).Dur("duration", duration).Bool("applied", applied).Msg("Dispatch failed")
		observability.RecordChatAudit(ctx, "dispatch", req.SessionID, "failure", map[string]interface{}{
			"backend":     d.backend.Name(),
			"duration_ms": duration.Milliseconds(),
			"applied":     applied,
		})
		return
	}

	applied, rerr := res.Receive(req.Generation, reply)
	if rerr != nil {
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
	}
	logger.Debug().Dur("duration", duration).Bool("applied", applied).Msg("Dispatch resolved")
	observability.RecordChatAudit(ctx, "dispatch", req.SessionID, "success", map[string]interface{}{
		"backend":     d.backend.Name(),
		"duration_ms": duration.Milliseconds(),
		"applied":     applied,
	})
}

func (d *AsyncDispatcher) call(ctx context.Context, req DispatchRequest, logger zerolog.Logger) (string, error) {
	task := func(ctx context.Context) (result interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("backend panic: %v", r)
			}
		}()
		return d.backend.Reply(ctx, req.Context)
	}

	var (
		value interface{}
		err   error
	)
	if d.queue != nil {
		var opts *commandqueue.TaskOptions
		if d.warnAfter > 0 {
			opts = &commandqueue.TaskOptions{
				WarnAfter: d.warnAfter,
				OnWait: func(wait time.Duration, queuePos int) {
					logger.Warn().
						Str("session_id", req.SessionID).
						Dur("wait", wait).
						Int("queue_pos", queuePos).
						Msg("Dispatch waiting behind an earlier reply")
				},
			}
		}
		value, err = d.queue.EnqueueWithContext(ctx, LaneFor(req.SessionID), task, opts)
	} else {
		value, err = task(ctx)
	}
	if err != nil {
		return "", err
	}

	reply, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("backend returned %T, want string", value)
	}
	return reply, nil
}

// onceResolver forwards only the first resolution to inner.
type onceResolver struct {
	once  sync.Once
	inner Resolver
}

func (o *onceResolver) Receive(gen Generation, reply string) (applied bool, err error) {
	o.once.Do(func() {
		applied, err = o.inner.Receive(gen, reply)
	})
	return applied, err
}

func (o *onceResolver) Fail(gen Generation, cause error) (applied bool) {
	o.once.Do(func() {
		applied = o.inner.Fail(gen, cause)
	})
	return applied
}
