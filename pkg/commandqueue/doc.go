// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// mailpilot gives every chat session its own lane, so backend dispatches for
// one conversation run one at a time while separate conversations proceed
// in parallel.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - ResetLane rejects queued tasks of the previous generation; running tasks finish.
// - Queue activity is observable through enqueued/completed/rejected events and metrics.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return backend.Reply(ctx, turns)
//	}, nil)
package commandqueue
