package dispatcher

import (
	"context"
	"strings"
	"time"
)

const httpQueuePrefix = "http:"

// Composite routes a dispatch to the HTTP webhook transport when queue
// is prefixed "http:" (used by notification/approval steps), and to
// the AMQP transport otherwise — letting a single WorkflowDefinition
// mix queue-backed and webhook-backed steps behind one Dispatcher.
type Composite struct {
	Queue Dispatcher
	HTTP  Dispatcher
}

func (c *Composite) route(queue string) (Dispatcher, string) {
	if strings.HasPrefix(queue, httpQueuePrefix) {
		return c.HTTP, strings.TrimPrefix(queue, httpQueuePrefix)
	}
	return c.Queue, queue
}

func (c *Composite) Dispatch(ctx context.Context, taskName string, args map[string]interface{}, queue string, timeLimit time.Duration) (Handle, error) {
	backend, realQueue := c.route(queue)
	handle, err := backend.Dispatch(ctx, taskName, args, realQueue, timeLimit)
	if err != nil {
		return handle, err
	}
	handle.Queue = queue // preserve the original (possibly prefixed) queue so Await/Revoke route correctly
	return handle, nil
}

func (c *Composite) Await(ctx context.Context, handle Handle, timeout time.Duration) (Result, error) {
	backend, _ := c.route(handle.Queue)
	return backend.Await(ctx, handle, timeout)
}

func (c *Composite) Revoke(ctx context.Context, handle Handle, terminate bool) error {
	backend, _ := c.route(handle.Queue)
	return backend.Revoke(ctx, handle, terminate)
}
