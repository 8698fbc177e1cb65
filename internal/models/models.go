// Package models holds the data model shared by the registry, state
// store, coordination store, executor, and scheduler: workflow
// definitions, step specs, and the mutable workflow instance record.
package models

import "time"

// StepType enumerates the kinds of work a step can perform.
type StepType string

const (
	StepTypeAnalysis       StepType = "analysis"
	StepTypeTransformation StepType = "transformation"
	StepTypeOptimization   StepType = "optimization"
	StepTypeValidation     StepType = "validation"
	StepTypeApproval       StepType = "approval"
	StepTypeNotification   StepType = "notification"
	StepTypeBranching      StepType = "branching"
	StepTypeParallel       StepType = "parallel"
	StepTypeCustom         StepType = "custom"
)

// WorkflowStatus is the workflow instance state machine.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
	WorkflowStatusRetry     WorkflowStatus = "retry"
)

// IsTerminal reports whether status is one from which no further
// scheduling happens.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the per-step state machine held in the coordination store.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusSkipped   StepStatus = "skipped"
)

// RetryPolicy bounds the retry/backoff loop for a single step.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts" validate:"gte=1,lte=20"`
	DelaySeconds      int     `json:"delay_seconds" validate:"gte=1"`
	BackoffMultiplier float64 `json:"backoff_multiplier" validate:"gte=1.0"`
	MaxDelaySeconds   int     `json:"max_delay_seconds" validate:"gtefield=DelaySeconds"`
}

// DefaultRetryPolicy matches the teacher's defaults for unspecified policies.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		DelaySeconds:      1,
		BackoffMultiplier: 2.0,
		MaxDelaySeconds:   60,
	}
}

// Delay computes the backoff delay for the n-th attempt (1-indexed),
// capped by MaxDelaySeconds.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= p.BackoffMultiplier
	}
	seconds := float64(p.DelaySeconds) * multiplier
	if max := float64(p.MaxDelaySeconds); seconds > max {
		seconds = max
	}
	return time.Duration(seconds * float64(time.Second))
}

// ParallelTask describes one sub-task of a "parallel" step.
type ParallelTask struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// WorkflowStep is one immutable node in a workflow definition's DAG.
type WorkflowStep struct {
	ID              string                 `json:"id" validate:"required"`
	Name            string                 `json:"name" validate:"required,min=1,max=100"`
	Type            StepType               `json:"type" validate:"required"`
	TaskName        string                 `json:"task_name" validate:"required"`
	TaskArgs        map[string]interface{} `json:"task_args"`
	TimeoutSeconds  int                    `json:"timeout_seconds" validate:"gte=1"`
	DependsOn       []string               `json:"depends_on"`
	Condition       string                 `json:"condition,omitempty"`
	RetryPolicy     RetryPolicy            `json:"retry_policy"`
	AllowFailure    bool                   `json:"allow_failure"`
	RequiresApproval bool                  `json:"requires_approval"`
	ParallelTasks   []ParallelTask         `json:"parallel_tasks,omitempty"`
}

// WorkflowDefinition is the immutable, versioned DAG template.
type WorkflowDefinition struct {
	ID               string         `json:"id" db:"id"`
	Name             string         `json:"name" db:"name" validate:"required,min=1,max=100"`
	Description      string         `json:"description" db:"description"`
	Version          string         `json:"version" db:"version" validate:"required"`
	Category         string         `json:"category" db:"category"`
	Tags             []string       `json:"tags"`
	Steps            []WorkflowStep `json:"steps" validate:"min=1"`
	EntryPoint       string         `json:"entry_point"`
	TimeoutSeconds   int            `json:"timeout_seconds"`
	MaxParallelSteps int            `json:"max_parallel_steps"`
	IsActive         bool           `json:"is_active" db:"is_active"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// StepByID returns the step with the given id, or nil.
func (d *WorkflowDefinition) StepByID(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Validate resolves depends_on references, rejects cyclic graphs, and
// picks an entry point when none was set, mirroring definitions.py's
// post-init validation.
func (d *WorkflowDefinition) Validate() error {
	ids := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		ids[s.ID] = true
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return &UnresolvedDependencyError{Step: s.ID, Dependency: dep}
			}
		}
	}
	if cycle := findCycle(d.Steps); cycle != "" {
		return &CyclicDependencyError{WorkflowName: d.Name, StepID: cycle}
	}
	if d.EntryPoint == "" {
		for _, s := range d.Steps {
			if len(s.DependsOn) == 0 {
				d.EntryPoint = s.ID
				break
			}
		}
	}
	return nil
}

// findCycle walks the depends_on graph depth-first and returns the id
// of a step found on a cycle, or "" if the graph is a DAG. Kept
// alongside the engine's own topoOrder (which detects cycles as a
// byproduct of Kahn's algorithm) rather than shared with it, since
// models cannot import internal/engine without an import cycle.
func findCycle(steps []WorkflowStep) string {
	dependsOn := make(map[string][]string, len(steps))
	for _, s := range steps {
		dependsOn[s.ID] = s.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		for _, dep := range dependsOn[id] {
			if cycle := visit(dep); cycle != "" {
				return cycle
			}
		}
		state[id] = done
		return ""
	}

	for _, s := range steps {
		if state[s.ID] == unvisited {
			if cycle := visit(s.ID); cycle != "" {
				return cycle
			}
		}
	}
	return ""
}

// UnresolvedDependencyError reports a depends_on referencing an unknown step.
type UnresolvedDependencyError struct {
	Step       string
	Dependency string
}

func (e *UnresolvedDependencyError) Error() string {
	return "step " + e.Step + " depends on unknown step " + e.Dependency
}

// CyclicDependencyError reports that a workflow definition's depends_on
// graph is not a DAG.
type CyclicDependencyError struct {
	WorkflowName string
	StepID       string
}

func (e *CyclicDependencyError) Error() string {
	return "workflow " + e.WorkflowName + " has a circular step dependency at step " + e.StepID
}

// StepResult is the structured outcome of one step execution, stored in
// WorkflowInstance.StepResults and mirrored into the coordination store.
type StepResult struct {
	StepID      string                 `json:"step_id"`
	Status      StepStatus             `json:"status"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Branch      string                 `json:"branch,omitempty"`
	Results     []interface{}          `json:"results,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// WorkflowInstance is the mutable, durable record of one execution of a
// WorkflowDefinition.
type WorkflowInstance struct {
	ID               string                 `json:"id" db:"id"`
	WorkflowID       string                 `json:"workflow_id" db:"workflow_id"`
	WorkflowVersion  string                 `json:"workflow_version" db:"workflow_version"`
	Status           WorkflowStatus         `json:"status" db:"status"`
	CurrentStepID    string                 `json:"current_step_id,omitempty" db:"current_step_id"`
	CompletedSteps   []string               `json:"completed_steps"`
	FailedSteps      []string               `json:"failed_steps"`
	Context          map[string]interface{} `json:"context"`
	InputData        map[string]interface{} `json:"input_data"`
	OutputData       map[string]interface{} `json:"output_data"`
	StepResults      map[string]StepResult  `json:"step_results"`
	StartedAt        *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	PausedAt         *time.Time             `json:"paused_at,omitempty" db:"paused_at"`
	ErrorMessage     string                 `json:"error_message,omitempty" db:"error_message"`
	RetryCount       int                    `json:"retry_count" db:"retry_count"`
	TriggeredBy      string                 `json:"triggered_by,omitempty" db:"triggered_by"`
	ParentInstanceID string                 `json:"parent_instance_id,omitempty" db:"parent_instance_id"`
}

// Progress returns the percentage of defined steps that have completed,
// per spec.md's progress reporting.
func Progress(instance *WorkflowInstance, totalSteps int) float64 {
	if totalSteps == 0 {
		return 0
	}
	return 100 * float64(len(instance.CompletedSteps)) / float64(totalSteps)
}
