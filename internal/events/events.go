// Package events implements the engine's in-process event bus: a
// synchronous publish/subscribe mechanism over a fixed vocabulary of
// workflow and step lifecycle events. Handlers run in registration
// order on the publishing goroutine and are isolated from each other —
// a panicking or erroring handler never blocks or breaks the others.
//
// This replaces the teacher's gRPC-backed subscription_manager.go,
// which pushed execution/step events to external clients over a
// streaming RPC. That wire transport is out of scope; what is kept
// here is its bookkeeping shape — a mutex-guarded map of subscriber
// channels, keyed, with subscribe/unsubscribe and cleanup-on-empty.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Type is one of the fixed lifecycle event names the engine emits.
type Type string

const (
	WorkflowStarted   Type = "workflow.started"
	WorkflowCompleted Type = "workflow.completed"
	WorkflowFailed    Type = "workflow.failed"
	WorkflowCancelled Type = "workflow.cancelled"
	WorkflowPaused    Type = "workflow.paused"
	WorkflowResumed   Type = "workflow.resumed"
	StepStarted       Type = "step.started"
	StepCompleted     Type = "step.completed"
	StepFailed        Type = "step.failed"
	StepRetrying      Type = "step.retrying"
)

// Event is the payload delivered to handlers and subscribers.
type Event struct {
	Type       Type
	InstanceID string
	StepID     string
	Data       map[string]interface{}
}

// Handler observes events synchronously; it must not block for long or
// panic — panics are recovered and logged, never propagated.
type Handler func(Event)

// Bus is the synchronous in-process publisher. Zero value is not
// usable; construct with NewBus.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers []Handler

	subMu       sync.Mutex
	subscribers map[string]map[string]chan Event // instanceID -> subscriberID -> channel
}

// NewBus constructs an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[string]map[string]chan Event),
	}
}

// Register appends a handler invoked on every Publish, in registration
// order.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish invokes every registered handler, in order, each isolated so
// that one handler's failure never prevents the others from running,
// then fans the event out to any channel subscribers for InstanceID.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invokeSafely(h, e)
	}

	b.fanOut(e)
}

func (b *Bus) invokeSafely(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.Any("recovered", r),
				zap.String("event_type", string(e.Type)),
				zap.String("instance_id", e.InstanceID),
			)
		}
	}()
	h(e)
}

// Subscribe registers a buffered channel that receives every event for
// instanceID under subscriberID, returning it and an unsubscribe func.
func (b *Bus) Subscribe(instanceID, subscriberID string, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.subMu.Lock()
	if b.subscribers[instanceID] == nil {
		b.subscribers[instanceID] = make(map[string]chan Event)
	}
	b.subscribers[instanceID][subscriberID] = ch
	b.subMu.Unlock()

	unsubscribe := func() { b.Unsubscribe(instanceID, subscriberID) }
	return ch, unsubscribe
}

// Unsubscribe removes and closes a subscriber's channel, deleting the
// per-instance map once it is empty.
func (b *Bus) Unsubscribe(instanceID, subscriberID string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	subs, ok := b.subscribers[instanceID]
	if !ok {
		return
	}
	if ch, ok := subs[subscriberID]; ok {
		close(ch)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(b.subscribers, instanceID)
	}
}

func (b *Bus) fanOut(e Event) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	subs, ok := b.subscribers[e.InstanceID]
	if !ok {
		return
	}
	for id, ch := range subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("instance_id", e.InstanceID),
				zap.String("subscriber_id", id),
				zap.String("event_type", string(e.Type)),
			)
		}
	}
}
