package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/contentflow/workflow-engine/internal/dispatcher"
	"github.com/contentflow/workflow-engine/internal/events"
	"github.com/contentflow/workflow-engine/internal/models"
)

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	deny   map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool), deny: make(map[string]bool)}
}

func (f *fakeLocker) AcquireStepLock(ctx context.Context, instanceID, stepID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := instanceID + "/" + stepID
	if f.deny[key] {
		return false, nil
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLocker) ReleaseStepLock(ctx context.Context, instanceID, stepID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, instanceID+"/"+stepID)
	return nil
}

// scriptedDispatcher returns a queued sequence of Await outcomes per
// task name, dispatching instantly and awaiting whatever was queued
// next for that task.
type scriptedDispatcher struct {
	mu       sync.Mutex
	attempts map[string]int
	script   map[string][]dispatcher.Result
}

func newScriptedDispatcher(script map[string][]dispatcher.Result) *scriptedDispatcher {
	return &scriptedDispatcher{attempts: make(map[string]int), script: script}
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, taskName string, args map[string]interface{}, queue string, timeLimit time.Duration) (dispatcher.Handle, error) {
	return dispatcher.Handle{ID: taskName, TaskName: taskName, Queue: queue}, nil
}

func (d *scriptedDispatcher) Await(ctx context.Context, handle dispatcher.Handle, timeout time.Duration) (dispatcher.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	outcomes := d.script[handle.TaskName]
	idx := d.attempts[handle.TaskName]
	d.attempts[handle.TaskName] = idx + 1
	if idx >= len(outcomes) {
		idx = len(outcomes) - 1
	}
	result := outcomes[idx]
	if result.Status != dispatcher.StatusOK {
		return result, result.Err
	}
	return result, nil
}

func (d *scriptedDispatcher) Revoke(ctx context.Context, handle dispatcher.Handle, terminate bool) error {
	return nil
}

func testStep(taskName string) *models.WorkflowStep {
	return &models.WorkflowStep{
		ID:             "step_a",
		Name:           "Step A",
		Type:           models.StepTypeAnalysis,
		TaskName:       taskName,
		TimeoutSeconds: 5,
		RetryPolicy: models.RetryPolicy{
			MaxAttempts:       3,
			DelaySeconds:      0,
			BackoffMultiplier: 1,
			MaxDelaySeconds:   1,
		},
	}
}

func testInstance() *models.WorkflowInstance {
	return &models.WorkflowInstance{
		ID:          "inst_1",
		WorkflowID:  "wf_1",
		Status:      models.WorkflowStatusRunning,
		Context:     map[string]interface{}{},
		InputData:   map[string]interface{}{"url": "https://example.com"},
		OutputData:  map[string]interface{}{},
		StepResults: map[string]models.StepResult{},
	}
}

func TestExecute_LinearSuccessMergesOutputAndContext(t *testing.T) {
	step := testStep("analyze_content")
	inst := testInstance()
	def := &models.WorkflowDefinition{ID: "wf_1", Steps: []models.WorkflowStep{*step}}

	d := newScriptedDispatcher(map[string][]dispatcher.Result{
		"analyze_content": {{Status: dispatcher.StatusOK, Output: map[string]interface{}{
			"output":  map[string]interface{}{"score": 0.9},
			"context": map[string]interface{}{"analyzed": true},
		}}},
	})

	e := New(zap.NewNop(), newFakeLocker(), d, events.NewBus(zap.NewNop()), Config{})
	result, err := e.Execute(context.Background(), def, inst, step)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Status != models.StepStatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.Output["score"] != 0.9 {
		t.Fatalf("expected merged output score, got %+v", result.Output)
	}
	if result.Context["analyzed"] != true {
		t.Fatalf("expected merged context, got %+v", result.Context)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.Attempts)
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	step := testStep("flaky_task")
	inst := testInstance()
	def := &models.WorkflowDefinition{ID: "wf_1", Steps: []models.WorkflowStep{*step}}

	d := newScriptedDispatcher(map[string][]dispatcher.Result{
		"flaky_task": {
			{Status: dispatcher.StatusError, Err: errors.New("transient failure")},
			{Status: dispatcher.StatusError, Err: errors.New("transient failure")},
			{Status: dispatcher.StatusOK, Output: map[string]interface{}{}},
		},
	})

	var retryEvents int
	bus := events.NewBus(zap.NewNop())
	bus.Register(func(e events.Event) {
		if e.Type == events.StepRetrying {
			retryEvents++
		}
	})

	e := New(zap.NewNop(), newFakeLocker(), d, bus, Config{})
	result, err := e.Execute(context.Background(), def, inst, step)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Status != models.StepStatusCompleted {
		t.Fatalf("expected eventual completion, got %s", result.Status)
	}
	if result.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", result.Attempts)
	}
	if retryEvents != 2 {
		t.Fatalf("expected 2 step.retrying events, got %d", retryEvents)
	}
}

func TestExecute_RetryExhaustionReturnsFailed(t *testing.T) {
	step := testStep("always_fails")
	inst := testInstance()
	def := &models.WorkflowDefinition{ID: "wf_1", Steps: []models.WorkflowStep{*step}}

	d := newScriptedDispatcher(map[string][]dispatcher.Result{
		"always_fails": {{Status: dispatcher.StatusError, Err: errors.New("permanent failure")}},
	})

	var failedEvents int
	bus := events.NewBus(zap.NewNop())
	bus.Register(func(e events.Event) {
		if e.Type == events.StepFailed {
			failedEvents++
		}
	})

	e := New(zap.NewNop(), newFakeLocker(), d, bus, Config{})
	result, err := e.Execute(context.Background(), def, inst, step)
	if err == nil {
		t.Fatal("expected an error after retry exhaustion")
	}
	if result.Status != models.StepStatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if result.Attempts != step.RetryPolicy.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", step.RetryPolicy.MaxAttempts, result.Attempts)
	}
	if failedEvents != 1 {
		t.Fatalf("expected exactly 1 step.failed event, got %d", failedEvents)
	}
}

func TestExecute_LockHeldElsewhereSkips(t *testing.T) {
	step := testStep("analyze_content")
	inst := testInstance()
	def := &models.WorkflowDefinition{ID: "wf_1", Steps: []models.WorkflowStep{*step}}

	locker := newFakeLocker()
	locker.deny[inst.ID+"/"+step.ID] = true

	d := newScriptedDispatcher(nil)
	e := New(zap.NewNop(), locker, d, events.NewBus(zap.NewNop()), Config{})

	result, err := e.Execute(context.Background(), def, inst, step)
	if err != nil {
		t.Fatalf("expected no error on skip, got %v", err)
	}
	if result.Status != models.StepStatusSkipped {
		t.Fatalf("expected skipped status, got %s", result.Status)
	}
}

func TestExecute_ParallelStepBatchesByMaxParallelSteps(t *testing.T) {
	step := &models.WorkflowStep{
		ID:             "fan_out",
		Name:           "Fan Out",
		Type:           models.StepTypeParallel,
		TaskName:       "ignored",
		TimeoutSeconds: 5,
		RetryPolicy:    models.DefaultRetryPolicy(),
		ParallelTasks: []models.ParallelTask{
			{Name: "variant_a"},
			{Name: "variant_b"},
			{Name: "variant_c"},
		},
	}
	inst := testInstance()
	def := &models.WorkflowDefinition{ID: "wf_1", MaxParallelSteps: 2, Steps: []models.WorkflowStep{*step}}

	d := newScriptedDispatcher(map[string][]dispatcher.Result{
		"variant_a": {{Status: dispatcher.StatusOK, Output: map[string]interface{}{"v": "a"}}},
		"variant_b": {{Status: dispatcher.StatusOK, Output: map[string]interface{}{"v": "b"}}},
		"variant_c": {{Status: dispatcher.StatusOK, Output: map[string]interface{}{"v": "c"}}},
	})

	e := New(zap.NewNop(), newFakeLocker(), d, events.NewBus(zap.NewNop()), Config{})
	result, err := e.Execute(context.Background(), def, inst, step)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Status != models.StepStatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if len(result.Results) != 3 {
		t.Fatalf("expected 3 aggregated results, got %d", len(result.Results))
	}
}
