// Package dispatcher implements the Task Dispatcher: the abstract
// façade by which the Executor hands a named task off to an external
// worker pool and awaits its completion. Per spec, this is a
// capability set (dispatch/await/revoke), not a concrete type — two
// backends are provided: an at-least-once RabbitMQ transport (adapted
// from the teacher's internal/queue.RabbitMQQueue and
// internal/invoker.Service request/reply pattern) and an HTTP webhook
// transport for notification/approval-style steps, backed by resty and
// instrumented with otelhttp.
package dispatcher

import (
	"context"
	"strconv"
	"time"
)

// Status is the terminal state of an awaited dispatch.
type Status string

const (
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
	StatusRevoked Status = "revoked"
)

// Result is what Await returns for a completed (or failed/timed-out)
// dispatch.
type Result struct {
	Status Status
	Output map[string]interface{}
	Err    error
}

// Handle identifies one in-flight dispatch for Await/Revoke.
type Handle struct {
	ID       string
	TaskName string
	Queue    string
}

// Dispatcher is the narrow capability contract the Executor depends
// on; the Engine and Executor are oblivious to the backend.
type Dispatcher interface {
	// Dispatch enqueues task with args, addressed to queue, with a
	// hard time limit the worker pool should honor.
	Dispatch(ctx context.Context, taskName string, args map[string]interface{}, queue string, timeLimit time.Duration) (Handle, error)

	// Await blocks until the dispatch completes, the timeout elapses,
	// or ctx is cancelled — cancellation propagates as StatusRevoked.
	Await(ctx context.Context, handle Handle, timeout time.Duration) (Result, error)

	// Revoke is best-effort cancellation; terminate requests the
	// worker pool interrupt in-flight execution rather than merely
	// discard a queued task.
	Revoke(ctx context.Context, handle Handle, terminate bool) error
}

// GroupHandle is the combined handle for a fan-out of sub-dispatches
// issued by a parallel step.
type GroupHandle struct {
	Handles []Handle
}

// DispatchGroup issues one Dispatch per task and returns their combined
// handle, synthesizing sub-task ids as "{stepID}:{i}" per spec.md §4.5.
func DispatchGroup(ctx context.Context, d Dispatcher, stepID string, tasks []Task, queue string, timeLimit time.Duration) (GroupHandle, error) {
	handles := make([]Handle, 0, len(tasks))
	for i, task := range tasks {
		h, err := d.Dispatch(ctx, task.Name, task.Args, queue, timeLimit)
		if err != nil {
			for _, issued := range handles {
				_ = d.Revoke(ctx, issued, true)
			}
			return GroupHandle{}, err
		}
		h.ID = stepID + ":" + strconv.Itoa(i)
		handles = append(handles, h)
	}
	return GroupHandle{Handles: handles}, nil
}

// Task is one sub-task of a parallel step's fan-out.
type Task struct {
	Name string
	Args map[string]interface{}
}

// AwaitGroup awaits every handle in the group and returns their results
// in dispatch order; a single timeout budget is shared across all
// sub-tasks as a combined deadline, matching "await the whole group".
func AwaitGroup(ctx context.Context, d Dispatcher, group GroupHandle, timeout time.Duration) ([]Result, error) {
	deadline := time.Now().Add(timeout)
	results := make([]Result, len(group.Handles))
	for i, h := range group.Handles {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		res, err := d.Await(ctx, h, remaining)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}
