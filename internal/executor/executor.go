// Package executor implements the per-step Executor: lock acquisition,
// argument-bundle assembly, dispatch (single, parallel fan-out, or
// branching), timeout/soft-timeout handling, retry/backoff, and result
// merging back into the instance. Grounded on the teacher's
// internal/engine.Executor (semaphore-bound concurrency, circuit
// breaker per task) and the original content service's executor.py
// (lock-acquire → dispatch-by-type → release-in-finally, soft
// timeout at 90% of the hard timeout, parallel/branching result
// shapes).
package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/contentflow/workflow-engine/internal/dispatcher"
	"github.com/contentflow/workflow-engine/internal/engineerr"
	"github.com/contentflow/workflow-engine/internal/events"
	"github.com/contentflow/workflow-engine/internal/models"
	"github.com/contentflow/workflow-engine/internal/observability"
	"github.com/contentflow/workflow-engine/internal/resilience"
)

// StepLocker is the subset of the coordination store the Executor
// depends on; *coordination.Store satisfies it.
type StepLocker interface {
	AcquireStepLock(ctx context.Context, instanceID, stepID string, ttl time.Duration) (bool, error)
	ReleaseStepLock(ctx context.Context, instanceID, stepID string) error
}

// Config bounds the Executor's behavior.
type Config struct {
	// StepLockTTLSlack is added to a step's timeout when computing the
	// step lock's TTL, so a slow-to-release lock doesn't expire before
	// the Executor finishes recording the outcome.
	StepLockTTLSlack time.Duration
}

func defaultConfig() Config {
	return Config{StepLockTTLSlack: 5 * time.Second}
}

// Executor is the per-step execution component.
type Executor struct {
	logger       *zap.Logger
	coordination StepLocker
	dispatch     dispatcher.Dispatcher
	bus          *events.Bus
	breakers     *resilience.CircuitBreakerManager
	config       Config
	metrics      *observability.Metrics
}

// SetMetrics attaches Prometheus metrics. Safe to skip in tests; nil
// metrics are simply not recorded.
func (e *Executor) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// New constructs an Executor. cfg may be the zero value to take
// defaults.
func New(logger *zap.Logger, coord StepLocker, dispatch dispatcher.Dispatcher, bus *events.Bus, cfg Config) *Executor {
	if cfg.StepLockTTLSlack == 0 {
		cfg = defaultConfig()
	}
	return &Executor{
		logger:       logger.With(zap.String("component", "executor")),
		coordination: coord,
		dispatch:     dispatch,
		bus:          bus,
		breakers:     resilience.NewCircuitBreakerManager(logger),
		config:       cfg,
	}
}

// Execute runs step to completion (including its full retry loop) and
// returns the final StepResult. Per spec.md §4.5: acquire the step
// lock, dispatch according to step type, retry on failure per §4.7,
// and always release the lock on exit.
func (e *Executor) Execute(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance, step *models.WorkflowStep) (models.StepResult, error) {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	lockTTL := timeout + e.config.StepLockTTLSlack

	acquired, err := e.coordination.AcquireStepLock(ctx, inst.ID, step.ID, lockTTL)
	if err != nil {
		return models.StepResult{}, err
	}
	if !acquired {
		e.logger.Info("step lock held elsewhere, skipping", zap.String("instance_id", inst.ID), zap.String("step_id", step.ID))
		return models.StepResult{StepID: step.ID, Status: models.StepStatusSkipped}, nil
	}
	defer func() {
		if err := e.coordination.ReleaseStepLock(context.Background(), inst.ID, step.ID); err != nil {
			e.logger.Warn("failed to release step lock", zap.String("instance_id", inst.ID), zap.String("step_id", step.ID), zap.Error(err))
		}
	}()

	e.bus.Publish(events.Event{Type: events.StepStarted, InstanceID: inst.ID, StepID: step.ID})

	policy := step.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = models.DefaultRetryPolicy()
	}

	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := e.attempt(ctx, def, inst, step, timeout, attempt)
		if err == nil {
			result.Attempts = attempt
			now := time.Now().UTC()
			result.CompletedAt = &now
			e.bus.Publish(events.Event{Type: events.StepCompleted, InstanceID: inst.ID, StepID: step.ID, Data: map[string]interface{}{"attempts": attempt}})
			if e.metrics != nil {
				e.metrics.RecordStepExecution(step.TaskName, string(step.Type), "completed")
				e.metrics.ObserveStepDuration(step.TaskName, string(step.Type), time.Since(started).Seconds())
			}
			return result, nil
		}

		lastErr = err
		if errNonRetryable(err) {
			break
		}
		if attempt >= policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		e.bus.Publish(events.Event{
			Type: events.StepRetrying, InstanceID: inst.ID, StepID: step.ID,
			Data: map[string]interface{}{"attempt": attempt, "delay_seconds": delay.Seconds()},
		})
		if e.metrics != nil {
			e.metrics.RecordStepRetry(step.TaskName)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			e.bus.Publish(events.Event{Type: events.StepFailed, InstanceID: inst.ID, StepID: step.ID})
			return models.StepResult{StepID: step.ID, Status: models.StepStatusFailed, Error: ctx.Err().Error(), Attempts: attempt}, engineerr.New(engineerr.KindCancelRequested, ctx.Err(), "step %s", step.ID)
		}
	}

	e.bus.Publish(events.Event{Type: events.StepFailed, InstanceID: inst.ID, StepID: step.ID, Data: map[string]interface{}{"error": lastErr.Error()}})
	if e.metrics != nil {
		e.metrics.RecordStepExecution(step.TaskName, string(step.Type), "failed")
	}
	return models.StepResult{StepID: step.ID, Status: models.StepStatusFailed, Error: lastErr.Error(), Attempts: policy.MaxAttempts}, lastErr
}

// errNonRetryable reports whether err should short-circuit the retry
// loop regardless of remaining attempts — cancellation is never
// retried.
func errNonRetryable(err error) bool {
	kind, ok := engineerr.GetKind(err)
	return ok && kind == engineerr.KindCancelRequested
}

func (e *Executor) attempt(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance, step *models.WorkflowStep, timeout time.Duration, attemptNum int) (models.StepResult, error) {
	args := buildArgs(inst.ID, step, inst)
	if _, err := decodeArgBundle(args); err != nil {
		return models.StepResult{}, engineerr.New(engineerr.KindTask, err, "step %s", step.ID).WithStep(inst.ID, step.ID)
	}

	breaker := e.breakers.GetOrCreate(step.TaskName, resilience.DefaultTaskCircuitBreakerConfig(step.TaskName))

	var result models.StepResult
	_, err := breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		var execErr error
		switch step.Type {
		case models.StepTypeParallel:
			result, execErr = e.executeParallel(ctx, def, inst, step, args, timeout)
		case models.StepTypeBranching:
			result, execErr = e.executeBranching(ctx, inst, step, args, timeout)
		default:
			result, execErr = e.executeSingle(ctx, inst, step, args, timeout)
		}
		return nil, execErr
	})
	if e.metrics != nil {
		e.metrics.SetCircuitBreakerState(step.TaskName, float64(breaker.GetState()))
	}
	if err != nil {
		return models.StepResult{}, err
	}
	return result, nil
}

func (e *Executor) executeSingle(ctx context.Context, inst *models.WorkflowInstance, step *models.WorkflowStep, args map[string]interface{}, timeout time.Duration) (models.StepResult, error) {
	handle, err := e.dispatch.Dispatch(ctx, step.TaskName, args, defaultQueue(step), timeout)
	if err != nil {
		return models.StepResult{}, engineerr.New(engineerr.KindDispatch, err, "step %s", step.ID).WithStep(inst.ID, step.ID)
	}

	result, err := e.dispatch.Await(ctx, handle, timeout)
	if err != nil {
		if result.Status == dispatcher.StatusTimeout {
			_ = e.dispatch.Revoke(context.Background(), handle, true)
		}
		return models.StepResult{}, err
	}

	output, mergedContext, err := mergeReservedKeys(inst.OutputData, inst.Context, result.Output)
	if err != nil {
		return models.StepResult{}, engineerr.New(engineerr.KindTask, err, "merge result for step %s", step.ID).WithStep(inst.ID, step.ID)
	}

	return models.StepResult{
		StepID:  step.ID,
		Status:  models.StepStatusCompleted,
		Output:  output,
		Context: mergedContext,
	}, nil
}

func (e *Executor) executeBranching(ctx context.Context, inst *models.WorkflowInstance, step *models.WorkflowStep, args map[string]interface{}, timeout time.Duration) (models.StepResult, error) {
	handle, err := e.dispatch.Dispatch(ctx, step.TaskName, args, defaultQueue(step), timeout)
	if err != nil {
		return models.StepResult{}, engineerr.New(engineerr.KindDispatch, err, "branching step %s", step.ID).WithStep(inst.ID, step.ID)
	}
	result, err := e.dispatch.Await(ctx, handle, timeout)
	if err != nil {
		if result.Status == dispatcher.StatusTimeout {
			_ = e.dispatch.Revoke(context.Background(), handle, true)
		}
		return models.StepResult{}, err
	}

	branch, _ := result.Output["branch"].(string)
	now := time.Now().UTC()
	return models.StepResult{
		StepID: step.ID,
		Status: models.StepStatusCompleted,
		Branch: branch,
		Context: map[string]interface{}{
			"branch":         branch,
			"condition_result": result.Output["condition_result"],
			"evaluated_at":   now,
		},
	}, nil
}

// executeParallel fans sub-tasks out in batches bounded by
// def.MaxParallelSteps, using dispatcher.DispatchGroup/AwaitGroup for
// each batch so sub-task ids stay in the "{stepID}:{i}" form the
// dispatcher synthesizes, and aggregates into {status: completed,
// results: [...]}, per spec.md §4.5 point 4.
func (e *Executor) executeParallel(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance, step *models.WorkflowStep, args map[string]interface{}, timeout time.Duration) (models.StepResult, error) {
	batchSize := def.MaxParallelSteps
	if batchSize <= 0 || batchSize > len(step.ParallelTasks) {
		batchSize = len(step.ParallelTasks)
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	results := make([]interface{}, 0, len(step.ParallelTasks))
	queue := defaultQueue(step)

	for start := 0; start < len(step.ParallelTasks); start += batchSize {
		end := start + batchSize
		if end > len(step.ParallelTasks) {
			end = len(step.ParallelTasks)
		}

		tasks := make([]dispatcher.Task, 0, end-start)
		for _, pt := range step.ParallelTasks[start:end] {
			subArgs := make(map[string]interface{}, len(args)+len(pt.Args))
			for k, v := range args {
				subArgs[k] = v
			}
			for k, v := range pt.Args {
				subArgs[k] = v
			}
			tasks = append(tasks, dispatcher.Task{Name: pt.Name, Args: subArgs})
		}

		group, err := dispatcher.DispatchGroup(ctx, e.dispatch, step.ID, tasks, queue, timeout)
		if err != nil {
			return models.StepResult{}, engineerr.New(engineerr.KindDispatch, err, "parallel step %s batch starting at %d", step.ID, start).WithStep(inst.ID, step.ID)
		}

		batchResults, err := dispatcher.AwaitGroup(ctx, e.dispatch, group, timeout)
		if err != nil {
			for _, h := range group.Handles {
				_ = e.dispatch.Revoke(context.Background(), h, true)
			}
			return models.StepResult{}, err
		}
		for _, r := range batchResults {
			results = append(results, r.Output)
		}
	}

	now := time.Now().UTC()
	return models.StepResult{
		StepID:      step.ID,
		Status:      models.StepStatusCompleted,
		Results:     results,
		CompletedAt: &now,
	}, nil
}

func defaultQueue(step *models.WorkflowStep) string {
	switch step.Type {
	case models.StepTypeNotification, models.StepTypeApproval:
		return "http:" + step.TaskName
	default:
		return "tasks"
	}
}
