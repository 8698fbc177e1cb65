package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/contentflow/workflow-engine/internal/engineerr"
)

// taskMessage is the wire envelope published to the task queue,
// adapted from invoker/service.go's ProcessStepExecution request
// shape (minus the protobuf framing).
type taskMessage struct {
	CorrelationID  string                 `json:"correlation_id"`
	TaskName       string                 `json:"task_name"`
	Args           map[string]interface{} `json:"args"`
	TimeLimitMs    int64                  `json:"time_limit_ms"`
	SoftLimitMs    int64                  `json:"soft_limit_ms,omitempty"`
	ReplyTo        string                 `json:"reply_to"`
}

// resultMessage is the wire envelope a worker publishes back on the
// reply queue.
type resultMessage struct {
	CorrelationID string                 `json:"correlation_id"`
	Status        Status                 `json:"status"`
	Output        map[string]interface{} `json:"output"`
	Error         string                 `json:"error,omitempty"`
}

// AMQPDispatcher is the RabbitMQ-backed Dispatcher, at-least-once by
// construction: a network failure between publish and ack may cause
// the broker to redeliver to another worker.
type AMQPDispatcher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger

	replyQueue string

	mu      sync.Mutex
	pending map[string]chan resultMessage
	revoked map[string]bool
}

// NewAMQPDispatcher dials url and declares the reply queue, then
// starts consuming results in the background.
func NewAMQPDispatcher(url string, logger *zap.Logger) (*AMQPDispatcher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}

	d := &AMQPDispatcher{
		conn:       conn,
		channel:    ch,
		logger:     logger.With(zap.String("component", "amqp_dispatcher")),
		replyQueue: replyQueue.Name,
		pending:    make(map[string]chan resultMessage),
		revoked:    make(map[string]bool),
	}

	deliveries, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}
	go d.consumeResults(deliveries)

	return d, nil
}

func (d *AMQPDispatcher) consumeResults(deliveries <-chan amqp.Delivery) {
	for msg := range deliveries {
		var result resultMessage
		if err := json.Unmarshal(msg.Body, &result); err != nil {
			d.logger.Error("malformed result message", zap.Error(err))
			continue
		}

		d.mu.Lock()
		ch, ok := d.pending[result.CorrelationID]
		d.mu.Unlock()
		if !ok {
			continue
		}
		ch <- result
	}
}

// Close shuts down the channel and connection.
func (d *AMQPDispatcher) Close() error {
	d.channel.Close()
	return d.conn.Close()
}

// Dispatch publishes taskName with args to queue and registers a
// pending result channel keyed by a fresh correlation id.
func (d *AMQPDispatcher) Dispatch(ctx context.Context, taskName string, args map[string]interface{}, queue string, timeLimit time.Duration) (Handle, error) {
	correlationID := uuid.NewString()

	msg := taskMessage{
		CorrelationID: correlationID,
		TaskName:      taskName,
		Args:          args,
		TimeLimitMs:   timeLimit.Milliseconds(),
		SoftLimitMs:   int64(float64(timeLimit.Milliseconds()) * 0.9),
		ReplyTo:       d.replyQueue,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal task message: %w", err)
	}

	d.mu.Lock()
	d.pending[correlationID] = make(chan resultMessage, 1)
	d.mu.Unlock()

	err = d.channel.Publish("", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		CorrelationId: correlationID,
		ReplyTo:       d.replyQueue,
	})
	if err != nil {
		d.mu.Lock()
		delete(d.pending, correlationID)
		d.mu.Unlock()
		return Handle{}, engineerr.New(engineerr.KindDispatch, err, "publish task %s", taskName)
	}

	return Handle{ID: correlationID, TaskName: taskName, Queue: queue}, nil
}

// Await blocks on the pending result channel for handle up to timeout,
// or until ctx is cancelled (StatusRevoked).
func (d *AMQPDispatcher) Await(ctx context.Context, handle Handle, timeout time.Duration) (Result, error) {
	d.mu.Lock()
	ch, ok := d.pending[handle.ID]
	d.mu.Unlock()
	if !ok {
		return Result{Status: StatusError}, engineerr.New(engineerr.KindDispatch, nil, "no pending dispatch for handle %s", handle.ID)
	}
	defer func() {
		d.mu.Lock()
		delete(d.pending, handle.ID)
		delete(d.revoked, handle.ID)
		d.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		if result.Status == StatusError {
			return Result{Status: StatusError, Output: result.Output}, engineerr.New(engineerr.KindTask, nil, "%s", result.Error).WithStep("", handle.TaskName)
		}
		return Result{Status: result.Status, Output: result.Output}, nil
	case <-timer.C:
		return Result{Status: StatusTimeout}, engineerr.New(engineerr.KindStepTimeout, nil, "task %s", handle.TaskName)
	case <-ctx.Done():
		return Result{Status: StatusRevoked}, engineerr.New(engineerr.KindCancelRequested, ctx.Err(), "task %s", handle.TaskName)
	}
}

// Revoke marks the handle revoked and, for terminate, best-effort
// publishes a cancellation notice to the task's queue; delivery is not
// guaranteed, matching §4.4's "best-effort cancellation".
func (d *AMQPDispatcher) Revoke(ctx context.Context, handle Handle, terminate bool) error {
	d.mu.Lock()
	d.revoked[handle.ID] = true
	d.mu.Unlock()

	if !terminate {
		return nil
	}

	body, err := json.Marshal(map[string]string{"correlation_id": handle.ID, "action": "terminate"})
	if err != nil {
		return fmt.Errorf("marshal revoke message: %w", err)
	}
	if err := d.channel.Publish("", handle.Queue+".control", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		d.logger.Warn("best-effort revoke publish failed", zap.String("handle", handle.ID), zap.Error(err))
	}
	return nil
}
