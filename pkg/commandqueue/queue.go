package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/mailpilot/internal/observability"
	"github.com/harun/mailpilot/internal/tracing"
)

var (
	// ErrLaneReset is returned to tasks still queued when their lane is reset.
	ErrLaneReset = errors.New("lane reset")
	// ErrQueueClosed is returned by EnqueueWithContext after Close.
	ErrQueueClosed = errors.New("command queue closed")
)

// Event types emitted by the queue.
const (
	EventEnqueued  = "enqueued"
	EventCompleted = "completed"
	EventRejected  = "rejected"
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution.
// OnWait is called once if the task is still queued after WarnAfter; without
// it the queue logs the wait itself.
type TaskOptions struct {
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu         sync.Mutex
	generation int
	queue      []*taskRecord
	running    int
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// CommandQueue runs tasks in named lanes. Each lane is FIFO and runs one
// task at a time; different lanes run independently.
type CommandQueue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	eventMu       sync.RWMutex
	eventHandlers map[string][]EventHandler
}

// Option configures a CommandQueue.
type Option func(*CommandQueue)

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(cq *CommandQueue) {
		cq.logger = logger
	}
}

// New creates a new CommandQueue
func New(opts ...Option) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		logger:        log.Logger,
		eventHandlers: make(map[string][]EventHandler),
	}
	for _, opt := range opts {
		opt(cq)
	}
	return cq
}

func (cq *CommandQueue) lane(name string) (*laneState, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	ls, ok := cq.lanes[name]
	return ls, ok
}

func (cq *CommandQueue) ensureLane(name string) *laneState {
	if ls, ok := cq.lane(name); ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[name]; ok {
		return ls
	}
	ls := &laneState{}
	cq.lanes[name] = ls
	cq.logger.Debug().Str("lane", name).Msg("Lane initialized")
	return ls
}

// EnqueueWithContext adds a task to the lane and blocks until it has run or
// been rejected. A task whose context is cancelled while it waits is
// rejected with the context error instead of being run.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "mailpilot.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, cq.logger).With().Str("lane", lane).Logger()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	ls := cq.ensureLane(lane)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().Str("task_id", taskID).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	cq.emit(Event{
		Type:   EventEnqueued,
		Lane:   lane,
		TaskID: taskID,
		Data:   map[string]interface{}{"queueSize": queueSize},
	})

	finished := make(chan struct{})
	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane, ls, finished)
	}

	go cq.processLane(lane, ls)

	result := <-record.result
	close(finished)
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running == 0 && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			cq.reject(lane, record, ErrLaneReset)
			continue
		}
		if err := record.ctx.Err(); err != nil {
			cq.reject(lane, record, err)
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

// reject must be called with the lane mutex held.
func (cq *CommandQueue) reject(lane string, record *taskRecord, err error) {
	record.result <- taskResult{err: err}
	close(record.result)

	go cq.emit(Event{
		Type:   EventRejected,
		Lane:   lane,
		TaskID: record.id,
		Data:   map[string]interface{}{"reason": err.Error()},
	})
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "mailpilot.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, cq.logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.emit(Event{
		Type:   EventCompleted,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	go cq.processLane(lane, ls)
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string, ls *laneState, finished <-chan struct{}) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos < 0 {
			return
		}
		wait := time.Since(record.enqueuedAt)
		if record.options.OnWait != nil {
			record.options.OnWait(wait, queuePos)
			return
		}
		cq.logger.Warn().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("wait", wait).
			Int("queue_pos", queuePos).
			Msg("Task waiting longer than expected")
	case <-finished:
	case <-cq.ctx.Done():
	}
}

// QueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) QueueSize(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) RunningCount(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// ResetLane bumps the lane generation and rejects every queued task with
// ErrLaneReset. Running tasks are not interrupted.
func (cq *CommandQueue) ResetLane(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	count := len(ls.queue)
	for _, record := range ls.queue {
		cq.reject(lane, record, ErrLaneReset)
	}
	ls.queue = nil

	cq.logger.Debug().Str("lane", lane).Int("generation", ls.generation).Int("rejected", count).Msg("Lane reset")
	observability.RecordQueueEnqueue(lane, 0)
	return count
}

// RemoveLane resets the lane and forgets it.
func (cq *CommandQueue) RemoveLane(lane string) {
	cq.ResetLane(lane)

	cq.mu.Lock()
	delete(cq.lanes, lane)
	cq.mu.Unlock()

	observability.ForgetQueueLane(lane)
}

// WaitForActive waits until no lane has running or queued tasks.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if ls.running > 0 || len(ls.queue) > 0 {
				idle = false
			}
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if idle {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	names := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		names = append(names, name)
	}
	cq.mu.Unlock()

	for _, name := range names {
		cq.ResetLane(name)
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
