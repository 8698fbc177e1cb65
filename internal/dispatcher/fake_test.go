package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeDispatcher is an in-memory Dispatcher for exercising
// DispatchGroup/AwaitGroup and Composite routing without a broker.
type fakeDispatcher struct {
	mu      sync.Mutex
	results map[string]Result
	handles []Handle
	name    string
}

func newFakeDispatcher(name string) *fakeDispatcher {
	return &fakeDispatcher{results: make(map[string]Result), name: name}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, taskName string, args map[string]interface{}, queue string, timeLimit time.Duration) (Handle, error) {
	h := Handle{ID: taskName, TaskName: taskName, Queue: queue}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.results[h.ID] = Result{Status: StatusOK, Output: map[string]interface{}{"backend": f.name, "task": taskName}}
	f.mu.Unlock()
	return h, nil
}

func (f *fakeDispatcher) Await(ctx context.Context, handle Handle, timeout time.Duration) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[handle.ID], nil
}

func (f *fakeDispatcher) Revoke(ctx context.Context, handle Handle, terminate bool) error {
	return nil
}

func TestDispatchGroupAndAwaitGroup(t *testing.T) {
	d := newFakeDispatcher("queue")
	tasks := []Task{
		{Name: "variant_a", Args: map[string]interface{}{"n": 1}},
		{Name: "variant_b", Args: map[string]interface{}{"n": 2}},
	}

	group, err := DispatchGroup(context.Background(), d, "fan_out_step", tasks, "default", time.Second)
	if err != nil {
		t.Fatalf("dispatch group failed: %v", err)
	}
	if len(group.Handles) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(group.Handles))
	}
	if group.Handles[0].ID != "fan_out_step:0" || group.Handles[1].ID != "fan_out_step:1" {
		t.Fatalf("expected synthetic sub-task ids, got %+v", group.Handles)
	}

	results, err := AwaitGroup(context.Background(), d, group, time.Second)
	if err != nil {
		t.Fatalf("await group failed: %v", err)
	}
	if len(results) != 2 || results[0].Status != StatusOK || results[1].Status != StatusOK {
		t.Fatalf("expected both results ok, got %+v", results)
	}
}

func TestComposite_RoutesHTTPPrefixedQueueToHTTPBackend(t *testing.T) {
	queueBackend := newFakeDispatcher("queue")
	httpBackend := newFakeDispatcher("http")
	composite := &Composite{Queue: queueBackend, HTTP: httpBackend}

	handle, err := composite.Dispatch(context.Background(), "send_approval", nil, "http:approvals", time.Second)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	result, err := composite.Await(context.Background(), handle, time.Second)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if result.Output["backend"] != "http" {
		t.Fatalf("expected http backend to handle the dispatch, got %+v", result.Output)
	}
}

func TestComposite_RoutesPlainQueueToQueueBackend(t *testing.T) {
	queueBackend := newFakeDispatcher("queue")
	httpBackend := newFakeDispatcher("http")
	composite := &Composite{Queue: queueBackend, HTTP: httpBackend}

	handle, err := composite.Dispatch(context.Background(), "analyze_content", nil, "default", time.Second)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	result, err := composite.Await(context.Background(), handle, time.Second)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if result.Output["backend"] != "queue" {
		t.Fatalf("expected queue backend to handle the dispatch, got %+v", result.Output)
	}
}
