// Package engine implements the Scheduler/Engine: the component that
// drives one WorkflowInstance through its topological step order,
// evaluating conditions, gating on dependencies, handing each ready
// step to the Executor, and reacting to pause/resume/cancel. Grounded
// on the teacher's WorkflowEngine/Scheduler (per-execution goroutine
// reading result/error channels, semaphore-bounded worker pool,
// ticker-driven lifecycle loops) generalized from gRPC-request-shaped
// executions to workflow instances, and on the original content
// service's WorkflowEngine.run_workflow (sequential topo walk,
// wait_for_dependencies polling, pause/resume/cancel as state
// transitions under a lock).
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/contentflow/workflow-engine/internal/condition"
	"github.com/contentflow/workflow-engine/internal/coordination"
	"github.com/contentflow/workflow-engine/internal/engineerr"
	"github.com/contentflow/workflow-engine/internal/events"
	"github.com/contentflow/workflow-engine/internal/executor"
	"github.com/contentflow/workflow-engine/internal/models"
	"github.com/contentflow/workflow-engine/internal/observability"
	"github.com/contentflow/workflow-engine/internal/registry"
	"github.com/contentflow/workflow-engine/internal/state"
)

// Config bounds the Engine's behavior.
type Config struct {
	// MaxConcurrentInstances bounds how many instance goroutines the
	// Engine runs at once; further submissions queue behind it.
	MaxConcurrentInstances int
	// DependencyPollInterval is how often wait_for_dependencies and the
	// step-lock-contention backoff re-read instance state. Spec default: 1s.
	DependencyPollInterval time.Duration
	// InstanceLockTimeout bounds how long pause/resume/cancel/status
	// writes wait for the instance mutex before failing LockTimeout.
	InstanceLockTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		MaxConcurrentInstances: 100,
		DependencyPollInterval: time.Second,
		InstanceLockTimeout:    10 * time.Second,
	}
}

// Engine is the Scheduler/Engine: it owns instance lifecycle and drives
// execution, leaving per-step work to the Executor.
type Engine struct {
	logger       *zap.Logger
	registry     *registry.Registry
	state        *state.Store
	coordination *coordination.Store
	executor     *executor.Executor
	bus          *events.Bus
	condition    condition.Evaluator
	config       Config
	metrics      *observability.Metrics

	instanceSem *semaphore.Weighted

	mu      sync.Mutex
	running map[string]*runningInstance
	wg      sync.WaitGroup
}

// SetMetrics attaches Prometheus metrics. Safe to skip in tests; nil
// metrics are simply not recorded.
func (e *Engine) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

type runningInstance struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Engine. cfg may be the zero value to take defaults.
func New(
	logger *zap.Logger,
	reg *registry.Registry,
	st *state.Store,
	coord *coordination.Store,
	exec *executor.Executor,
	bus *events.Bus,
	cond condition.Evaluator,
	cfg Config,
) *Engine {
	if cfg.MaxConcurrentInstances == 0 {
		cfg = defaultConfig()
	}
	return &Engine{
		logger:       logger.With(zap.String("component", "engine")),
		registry:     reg,
		state:        st,
		coordination: coord,
		executor:     exec,
		bus:          bus,
		condition:    cond,
		config:       cfg,
		instanceSem:  semaphore.NewWeighted(int64(cfg.MaxConcurrentInstances)),
		running:      make(map[string]*runningInstance),
	}
}

// Shutdown cancels every running instance goroutine and waits for them
// to observe cancellation and exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, ri := range e.running {
		ri.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- External interface (§6) ---

// Submit starts a new instance of the named (or id-referenced)
// definition's latest active version. parentInstanceID links this
// instance as a sub-workflow of an already-running one (spec.md §3's
// parent_instance_id); pass "" for a top-level submission.
func (e *Engine) Submit(ctx context.Context, nameOrID string, input map[string]interface{}, triggeredBy, parentInstanceID string) (*models.WorkflowInstance, error) {
	def, err := e.resolveDefinition(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, engineerr.New(engineerr.KindDefinition, nil, "definition %q not found", nameOrID)
	}
	if !def.IsActive {
		return nil, engineerr.New(engineerr.KindDefinition, nil, "definition %q is inactive", nameOrID)
	}

	now := time.Now().UTC()
	inst := &models.WorkflowInstance{
		ID:               uuid.NewString(),
		WorkflowID:       def.ID,
		WorkflowVersion:  def.Version,
		Status:           models.WorkflowStatusRunning,
		Context:          map[string]interface{}{},
		InputData:        input,
		OutputData:       map[string]interface{}{},
		StepResults:      map[string]models.StepResult{},
		StartedAt:        &now,
		TriggeredBy:      triggeredBy,
		ParentInstanceID: parentInstanceID,
	}

	if err := e.state.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	if err := e.coordination.PutState(ctx, inst); err != nil {
		return nil, err
	}

	e.bus.Publish(events.Event{Type: events.WorkflowStarted, InstanceID: inst.ID})
	if e.metrics != nil {
		e.metrics.RecordWorkflowExecution(def.Name, "started")
	}
	e.launch(def, inst)
	return inst, nil
}

// StatusView is the shape spec.md §6 requires status(instance_id) to
// return: {status, current_step, progress%, completed_steps,
// failed_steps, started_at, completed_at, error}.
type StatusView struct {
	InstanceID     string                `json:"instance_id"`
	Status         models.WorkflowStatus `json:"status"`
	CurrentStep    string                `json:"current_step,omitempty"`
	ProgressPct    float64               `json:"progress_pct"`
	CompletedSteps []string              `json:"completed_steps"`
	FailedSteps    []string              `json:"failed_steps"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Status returns the latest durable view of an instance, with progress
// computed against its definition's total step count.
func (e *Engine) Status(ctx context.Context, instanceID string) (*StatusView, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, engineerr.New(engineerr.KindState, nil, "instance %s not found", instanceID)
	}

	totalSteps := 0
	if def, err := e.registry.GetByID(ctx, inst.WorkflowID); err == nil && def != nil {
		totalSteps = len(def.Steps)
	}

	return &StatusView{
		InstanceID:     inst.ID,
		Status:         inst.Status,
		CurrentStep:    inst.CurrentStepID,
		ProgressPct:    models.Progress(inst, totalSteps),
		CompletedSteps: inst.CompletedSteps,
		FailedSteps:    inst.FailedSteps,
		StartedAt:      inst.StartedAt,
		CompletedAt:    inst.CompletedAt,
		Error:          inst.ErrorMessage,
	}, nil
}

// Pause transitions a running instance to paused; the running loop
// observes the change at its next iteration and stops dispatching.
func (e *Engine) Pause(ctx context.Context, instanceID string) (bool, error) {
	var ok bool
	err := e.coordination.WithInstanceLock(ctx, instanceID, e.config.InstanceLockTimeout, func(ctx context.Context) error {
		inst, err := e.loadInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst == nil {
			return engineerr.New(engineerr.KindState, nil, "instance %s not found", instanceID)
		}
		if inst.Status != models.WorkflowStatusRunning && inst.Status != models.WorkflowStatusRetry {
			return engineerr.New(engineerr.KindState, nil, "instance %s is not running", instanceID)
		}
		now := time.Now().UTC()
		inst.Status = models.WorkflowStatusPaused
		inst.PausedAt = &now
		if err := e.persistInstance(ctx, inst); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	e.bus.Publish(events.Event{Type: events.WorkflowPaused, InstanceID: instanceID})
	return ok, nil
}

// Resume transitions a paused instance back to running and launches a
// fresh scheduling task that continues from the earliest non-terminal
// step.
func (e *Engine) Resume(ctx context.Context, instanceID string) (bool, error) {
	var inst *models.WorkflowInstance
	err := e.coordination.WithInstanceLock(ctx, instanceID, e.config.InstanceLockTimeout, func(ctx context.Context) error {
		current, err := e.loadInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if current == nil {
			return engineerr.New(engineerr.KindState, nil, "instance %s not found", instanceID)
		}
		if current.Status != models.WorkflowStatusPaused {
			return engineerr.New(engineerr.KindState, nil, "instance %s is not paused", instanceID)
		}
		current.Status = models.WorkflowStatusRunning
		current.PausedAt = nil
		if err := e.persistInstance(ctx, current); err != nil {
			return err
		}
		inst = current
		return nil
	})
	if err != nil {
		return false, err
	}

	def, err := e.registry.GetByID(ctx, inst.WorkflowID)
	if err != nil {
		return false, err
	}
	if def == nil {
		return false, engineerr.New(engineerr.KindDefinition, nil, "definition %s not found", inst.WorkflowID)
	}

	e.bus.Publish(events.Event{Type: events.WorkflowResumed, InstanceID: instanceID})
	e.launch(def, inst)
	return true, nil
}

// Cancel transitions any non-terminal instance to cancelled and cancels
// its in-flight execution context, which propagates to any currently
// awaited dispatch as a revoke.
func (e *Engine) Cancel(ctx context.Context, instanceID string) (bool, error) {
	err := e.coordination.WithInstanceLock(ctx, instanceID, e.config.InstanceLockTimeout, func(ctx context.Context) error {
		inst, err := e.loadInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst == nil {
			return engineerr.New(engineerr.KindState, nil, "instance %s not found", instanceID)
		}
		if inst.Status.IsTerminal() {
			return engineerr.New(engineerr.KindState, nil, "instance %s already terminal", instanceID)
		}
		inst.Status = models.WorkflowStatusCancelled
		inst.CurrentStepID = ""
		now := time.Now().UTC()
		inst.CompletedAt = &now
		return e.persistInstance(ctx, inst)
	})
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	if ri, ok := e.running[instanceID]; ok {
		ri.cancel()
	}
	e.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.WorkflowCancelled, InstanceID: instanceID})
	return true, nil
}

// RegisterDefinition validates and registers a workflow definition.
func (e *Engine) RegisterDefinition(ctx context.Context, def *models.WorkflowDefinition, overwrite bool) (bool, error) {
	if err := e.registry.Register(ctx, def, overwrite); err != nil {
		return false, err
	}
	return true, nil
}

// GetDefinition returns a registered definition, or nil if unknown.
func (e *Engine) GetDefinition(ctx context.Context, name, version string) (*models.WorkflowDefinition, error) {
	return e.registry.Get(ctx, name, version)
}

// Subscribe registers a channel receiving every event for instanceID.
func (e *Engine) Subscribe(instanceID, subscriberID string) (<-chan events.Event, func()) {
	return e.bus.Subscribe(instanceID, subscriberID, 32)
}

func (e *Engine) resolveDefinition(ctx context.Context, nameOrID string) (*models.WorkflowDefinition, error) {
	if def, err := e.registry.Get(ctx, nameOrID, ""); err == nil && def != nil {
		return def, nil
	}
	return e.registry.GetByID(ctx, nameOrID)
}

// Recover scans the Coordination Store for non-terminal instances this
// Engine process isn't currently driving and resumes them from the
// earliest non-terminal step. Per spec.md §8, "on Engine crash another
// Engine may resume it by re-reading state and continuing" — this is
// the resumption half of that property; call it at startup and on a
// periodic interval so orphaned instances (from a crashed peer, or
// from an instance created by a short-lived CLI process) get picked
// back up.
func (e *Engine) Recover(ctx context.Context) error {
	ids, err := e.coordination.ActiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("list active instances: %w", err)
	}

	for _, id := range ids {
		e.mu.Lock()
		_, alreadyRunning := e.running[id]
		e.mu.Unlock()
		if alreadyRunning {
			continue
		}

		inst, err := e.loadInstance(ctx, id)
		if err != nil || inst == nil {
			e.logger.Warn("failed to reload instance during recovery", zap.String("instance_id", id), zap.Error(err))
			continue
		}
		if inst.Status != models.WorkflowStatusRunning && inst.Status != models.WorkflowStatusRetry {
			continue
		}

		def, err := e.registry.GetByID(ctx, inst.WorkflowID)
		if err != nil || def == nil {
			e.logger.Warn("failed to resolve definition during recovery", zap.String("instance_id", id), zap.String("workflow_id", inst.WorkflowID), zap.Error(err))
			continue
		}

		e.logger.Info("recovering orphaned instance", zap.String("instance_id", id))
		e.launch(def, inst)
	}
	return nil
}

// --- Instance lifecycle loop ---

func (e *Engine) launch(def *models.WorkflowDefinition, inst *models.WorkflowInstance) {
	runCtx, cancel := context.WithCancel(context.Background())
	ri := &runningInstance{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.running[inst.ID] = ri
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(ri.done)
		defer func() {
			e.mu.Lock()
			delete(e.running, inst.ID)
			e.mu.Unlock()
			cancel()
		}()

		if err := e.instanceSem.Acquire(runCtx, 1); err != nil {
			e.logger.Warn("instance execution never acquired a slot", zap.String("instance_id", inst.ID), zap.Error(err))
			return
		}
		defer e.instanceSem.Release(1)

		e.run(runCtx, def, inst)
	}()
}

// run drives one instance through its topological step order. Per
// spec.md §4.6, this loop is the only writer of instance-level status
// transitions during normal execution (pause/resume/cancel write under
// the instance mutex separately and this loop only observes them).
func (e *Engine) run(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance) {
	order, err := topoOrder(def)
	if err != nil {
		e.failInstance(ctx, def, inst, err)
		return
	}

	for _, stepID := range order {
		latest, err := e.loadInstance(ctx, inst.ID)
		if err != nil {
			e.logger.Error("failed to reload instance state", zap.String("instance_id", inst.ID), zap.Error(err))
			return
		}
		if latest == nil {
			return
		}
		*inst = *latest

		if inst.Status != models.WorkflowStatusRunning && inst.Status != models.WorkflowStatusRetry {
			return
		}
		if slices.Contains(inst.CompletedSteps, stepID) || slices.Contains(inst.FailedSteps, stepID) {
			continue
		}

		step := def.StepByID(stepID)
		if step == nil {
			continue
		}

		ok, evalErr := e.condition.Evaluate(step.Condition, inst.Context)
		if evalErr != nil {
			e.logger.Warn("condition evaluation failed, treating as false",
				zap.String("instance_id", inst.ID), zap.String("step_id", stepID), zap.Error(evalErr))
			ok = false
		}
		if !ok {
			continue
		}

		skip, err := e.waitForDependencies(ctx, def, inst, step)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.failInstance(ctx, def, inst, err)
			return
		}
		if skip {
			e.markSkipped(ctx, inst, stepID)
			continue
		}

		// current_step_id is set only while status is running/retry
		// (spec.md §3); persist it before dispatch so a concurrent
		// status() observes which step is in flight.
		inst.CurrentStepID = stepID
		if err := e.persistInstance(ctx, inst); err != nil {
			e.logger.Error("failed to persist current step", zap.String("instance_id", inst.ID), zap.String("step_id", stepID), zap.Error(err))
			return
		}

		result, err := e.executeWithLockBackoff(ctx, def, inst, step)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if kind, ok := engineerr.GetKind(err); ok && kind == engineerr.KindCancelRequested {
				return
			}
			if result.Status == "" {
				// An infra-level error (e.g. the coordination store was
				// unreachable before a StepResult ever existed) rather
				// than a retry-exhausted step failure. This is fatal for
				// the instance, not a per-step outcome.
				e.failInstance(ctx, def, inst, err)
				return
			}
		}

		inst.StepResults[stepID] = result
		inst.CurrentStepID = ""
		switch result.Status {
		case models.StepStatusCompleted, models.StepStatusSkipped:
			inst.CompletedSteps = append(inst.CompletedSteps, stepID)
			if result.Output != nil {
				inst.OutputData = result.Output
			}
			if result.Context != nil {
				inst.Context = result.Context
			}
		case models.StepStatusFailed:
			inst.FailedSteps = append(inst.FailedSteps, stepID)
		}
		if err := e.persistInstance(ctx, inst); err != nil {
			e.logger.Error("failed to persist instance after step", zap.String("instance_id", inst.ID), zap.String("step_id", stepID), zap.Error(err))
			return
		}

		if result.Status == models.StepStatusFailed && !step.AllowFailure {
			inst.Status = models.WorkflowStatusFailed
			inst.ErrorMessage = result.Error
			inst.CurrentStepID = ""
			now := time.Now().UTC()
			inst.CompletedAt = &now
			_ = e.persistInstance(ctx, inst)
			e.bus.Publish(events.Event{Type: events.WorkflowFailed, InstanceID: inst.ID})
			e.recordTerminal(def, inst, "failed")
			return
		}
	}

	final, err := e.loadInstance(ctx, inst.ID)
	if err != nil || final == nil {
		return
	}
	if final.Status != models.WorkflowStatusRunning && final.Status != models.WorkflowStatusRetry {
		return
	}
	final.Status = models.WorkflowStatusCompleted
	final.CurrentStepID = ""
	now := time.Now().UTC()
	final.CompletedAt = &now
	if err := e.persistInstance(ctx, final); err != nil {
		e.logger.Error("failed to persist completed instance", zap.String("instance_id", final.ID), zap.Error(err))
		return
	}
	e.bus.Publish(events.Event{Type: events.WorkflowCompleted, InstanceID: final.ID})
	e.recordTerminal(def, final, "completed")
}

// recordTerminal records workflow-level metrics once an instance reaches
// a terminal status.
func (e *Engine) recordTerminal(def *models.WorkflowDefinition, inst *models.WorkflowInstance, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordWorkflowExecution(def.Name, status)
	if inst.StartedAt != nil {
		end := time.Now().UTC()
		if inst.CompletedAt != nil {
			end = *inst.CompletedAt
		}
		e.metrics.ObserveWorkflowDuration(def.Name, status, end.Sub(*inst.StartedAt).Seconds())
	}
}

// executeWithLockBackoff hands step to the Executor, and when the
// Executor reports skipped because another Executor across the fleet
// already holds the step lock, polls instance state until that other
// owner finishes the step rather than treating the skip as this
// instance's own outcome — the "concurrent engines, one step" property.
func (e *Engine) executeWithLockBackoff(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance, step *models.WorkflowStep) (models.StepResult, error) {
	for {
		result, err := e.executor.Execute(ctx, def, inst, step)
		if err != nil {
			return result, err
		}
		if result.Status != models.StepStatusSkipped {
			return result, nil
		}

		select {
		case <-time.After(e.config.DependencyPollInterval):
		case <-ctx.Done():
			return result, ctx.Err()
		}

		latest, loadErr := e.loadInstance(ctx, inst.ID)
		if loadErr != nil {
			return result, loadErr
		}
		if latest == nil {
			return result, nil
		}
		if r, ok := latest.StepResults[step.ID]; ok && r.Status != models.StepStatusSkipped {
			*inst = *latest
			return r, nil
		}
	}
}

// waitForDependencies polls instance state every DependencyPollInterval
// until every dependency of step is completed or failed. It returns
// skip=true if a required (non-allow_failure) dependency failed.
func (e *Engine) waitForDependencies(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance, step *models.WorkflowStep) (bool, error) {
	for {
		latest, err := e.loadInstance(ctx, inst.ID)
		if err != nil {
			return false, err
		}
		if latest == nil {
			return false, nil
		}
		*inst = *latest

		allDone := true
		skip := false
		for _, dep := range step.DependsOn {
			if slices.Contains(latest.FailedSteps, dep) {
				if depStep := def.StepByID(dep); depStep != nil && !depStep.AllowFailure {
					skip = true
				}
				continue
			}
			if !slices.Contains(latest.CompletedSteps, dep) {
				allDone = false
			}
		}
		if skip {
			return true, nil
		}
		if allDone {
			return false, nil
		}

		select {
		case <-time.After(e.config.DependencyPollInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (e *Engine) markSkipped(ctx context.Context, inst *models.WorkflowInstance, stepID string) {
	inst.StepResults[stepID] = models.StepResult{StepID: stepID, Status: models.StepStatusSkipped}
	inst.CompletedSteps = append(inst.CompletedSteps, stepID)
	if err := e.persistInstance(ctx, inst); err != nil {
		e.logger.Error("failed to persist skipped step", zap.String("instance_id", inst.ID), zap.String("step_id", stepID), zap.Error(err))
	}
}

func (e *Engine) failInstance(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance, cause error) {
	inst.Status = models.WorkflowStatusFailed
	inst.ErrorMessage = cause.Error()
	inst.CurrentStepID = ""
	now := time.Now().UTC()
	inst.CompletedAt = &now
	if err := e.persistInstance(ctx, inst); err != nil {
		e.logger.Error("failed to persist failed instance", zap.String("instance_id", inst.ID), zap.Error(err))
	}
	e.bus.Publish(events.Event{Type: events.WorkflowFailed, InstanceID: inst.ID})
	e.recordTerminal(def, inst, "failed")
}

func (e *Engine) loadInstance(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	return e.coordination.GetState(ctx, instanceID, func(ctx context.Context, id string) (*models.WorkflowInstance, error) {
		return e.state.GetInstance(ctx, id)
	})
}

// persistInstance writes a durable update for an already-saved instance
// (the State Store row plus the Coordination Store cache), matching
// §5's shared-resource policy: all writes for an instance go through
// here so the cache and the durable record never diverge.
func (e *Engine) persistInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	if err := e.state.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("persist instance %s: %w", inst.ID, err)
	}
	return e.coordination.PutState(ctx, inst)
}
