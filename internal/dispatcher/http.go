package dispatcher

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/contentflow/workflow-engine/internal/engineerr"
)

// HTTPDispatcher is a webhook-style Dispatcher for notification and
// approval steps: it POSTs the task to a worker endpoint and treats
// the HTTP response as the task result, rather than round-tripping
// through a queue. The underlying transport is instrumented with
// otelhttp so webhook calls participate in the engine's trace.
type HTTPDispatcher struct {
	client   *resty.Client
	logger   *zap.Logger
	endpoint func(taskName string) string

	mu      sync.Mutex
	pending map[string]chan Result
}

// NewHTTPDispatcher builds an HTTPDispatcher whose requests resolve
// taskName to a URL via endpoint (e.g. a per-task_name webhook
// registry).
func NewHTTPDispatcher(endpoint func(taskName string) string, logger *zap.Logger) *HTTPDispatcher {
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	client := resty.NewWithClient(httpClient).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	return &HTTPDispatcher{
		client:   client,
		logger:   logger.With(zap.String("component", "http_dispatcher")),
		endpoint: endpoint,
		pending:  make(map[string]chan Result),
	}
}

// Dispatch POSTs the task asynchronously and stores the eventual
// response on a buffered channel keyed by a fresh handle id; the HTTP
// round trip itself runs in a goroutine so Dispatch returns
// immediately, matching the non-blocking dispatch/await split of the
// interface.
func (h *HTTPDispatcher) Dispatch(ctx context.Context, taskName string, args map[string]interface{}, queue string, timeLimit time.Duration) (Handle, error) {
	handle := Handle{ID: uuid.NewString(), TaskName: taskName, Queue: queue}

	resultCh := make(chan Result, 1)
	h.mu.Lock()
	h.pending[handle.ID] = resultCh
	h.mu.Unlock()

	go h.execute(ctx, handle, args, timeLimit, resultCh)

	return handle, nil
}

func (h *HTTPDispatcher) execute(ctx context.Context, handle Handle, args map[string]interface{}, timeLimit time.Duration, resultCh chan<- Result) {
	reqCtx, cancel := context.WithTimeout(ctx, timeLimit)
	defer cancel()

	var body map[string]interface{}
	resp, err := h.client.R().
		SetContext(reqCtx).
		SetHeader("X-Task-Correlation-Id", handle.ID).
		SetBody(args).
		SetResult(&body).
		Post(h.endpoint(handle.TaskName))

	if err != nil {
		resultCh <- Result{Status: StatusError, Err: engineerr.New(engineerr.KindDispatch, err, "webhook call %s", handle.TaskName)}
		return
	}
	if resp.IsError() {
		resultCh <- Result{Status: StatusError, Err: engineerr.New(engineerr.KindTask, nil, "webhook %s returned %d", handle.TaskName, resp.StatusCode())}
		return
	}
	resultCh <- Result{Status: StatusOK, Output: body}
}

// Await blocks on the pending channel for handle.
func (h *HTTPDispatcher) Await(ctx context.Context, handle Handle, timeout time.Duration) (Result, error) {
	h.mu.Lock()
	ch, ok := h.pending[handle.ID]
	h.mu.Unlock()
	if !ok {
		return Result{Status: StatusError}, engineerr.New(engineerr.KindDispatch, nil, "no pending dispatch for handle %s", handle.ID)
	}
	defer func() {
		h.mu.Lock()
		delete(h.pending, handle.ID)
		h.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		if result.Err != nil {
			return result, result.Err
		}
		return result, nil
	case <-timer.C:
		return Result{Status: StatusTimeout}, engineerr.New(engineerr.KindStepTimeout, nil, "task %s", handle.TaskName)
	case <-ctx.Done():
		return Result{Status: StatusRevoked}, engineerr.New(engineerr.KindCancelRequested, ctx.Err(), "task %s", handle.TaskName)
	}
}

// Revoke is best-effort: the in-flight goroutine's context is not
// separately cancellable once Dispatch has returned, so revoke only
// drops the pending entry so a late response is discarded.
func (h *HTTPDispatcher) Revoke(ctx context.Context, handle Handle, terminate bool) error {
	h.mu.Lock()
	delete(h.pending, handle.ID)
	h.mu.Unlock()
	return nil
}
