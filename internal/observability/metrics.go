package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics the engine exposes on /metrics.
type Metrics struct {
	// Step execution metrics
	StepExecutionsTotal  *prometheus.CounterVec
	StepExecutionDuration *prometheus.HistogramVec
	ActiveStepExecutions *prometheus.GaugeVec
	StepRetriesTotal     *prometheus.CounterVec

	// Workflow instance metrics
	WorkflowExecutionsTotal  *prometheus.CounterVec
	ActiveWorkflowExecutions *prometheus.GaugeVec
	WorkflowExecutionDuration *prometheus.HistogramVec

	// Dispatcher/queue metrics
	QueueDepth            *prometheus.GaugeVec
	MessageProcessingRate *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Resource metrics
	DatabaseConnections *prometheus.GaugeVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

// NewMetrics registers and returns the engine's Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "step_executions_total",
				Help: "Total number of step executions by task type and outcome",
			},
			[]string{"task_name", "step_type", "status"},
		),

		StepExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "step_execution_duration_seconds",
				Help:    "Duration of step executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"task_name", "step_type"},
		),

		ActiveStepExecutions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_step_executions",
				Help: "Number of currently executing steps",
			},
			[]string{"step_type"},
		),

		StepRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "step_retries_total",
				Help: "Total number of step retry attempts",
			},
			[]string{"task_name"},
		),

		WorkflowExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Total number of workflow instances by lifecycle status (started or terminal)",
			},
			[]string{"workflow_name", "status"},
		),

		ActiveWorkflowExecutions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_workflow_executions",
				Help: "Number of currently running workflow instances",
			},
			[]string{"workflow_name"},
		),

		WorkflowExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_execution_duration_seconds",
				Help:    "Duration of a workflow instance from start to terminal status",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"workflow_name", "status"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_depth",
				Help: "Number of in-flight dispatched tasks per queue",
			},
			[]string{"queue_name"},
		),

		MessageProcessingRate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "message_processing_total",
				Help: "Total number of dispatched task messages processed",
			},
			[]string{"queue_name", "status"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by component and kind",
			},
			[]string{"component", "error_kind"},
		),

		DatabaseConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "database_connections",
				Help: "Number of state-store database connections",
			},
			[]string{"state"}, // "active", "idle", "open"
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state per task (0=closed, 1=half_open, 2=open)",
			},
			[]string{"task_name"},
		),
	}
}

// RecordStepExecution records a step execution outcome.
func (m *Metrics) RecordStepExecution(taskName, stepType, status string) {
	m.StepExecutionsTotal.WithLabelValues(taskName, stepType, status).Inc()
}

// ObserveStepDuration observes step execution duration.
func (m *Metrics) ObserveStepDuration(taskName, stepType string, duration float64) {
	m.StepExecutionDuration.WithLabelValues(taskName, stepType).Observe(duration)
}

// SetActiveSteps sets the number of active step executions for a step type.
func (m *Metrics) SetActiveSteps(stepType string, count float64) {
	m.ActiveStepExecutions.WithLabelValues(stepType).Set(count)
}

// RecordStepRetry records a step retry attempt.
func (m *Metrics) RecordStepRetry(taskName string) {
	m.StepRetriesTotal.WithLabelValues(taskName).Inc()
}

// RecordWorkflowExecution records a workflow instance being started or reaching a terminal status.
func (m *Metrics) RecordWorkflowExecution(workflowName, status string) {
	m.WorkflowExecutionsTotal.WithLabelValues(workflowName, status).Inc()
}

// SetActiveWorkflows sets the number of currently running instances of a workflow.
func (m *Metrics) SetActiveWorkflows(workflowName string, count float64) {
	m.ActiveWorkflowExecutions.WithLabelValues(workflowName).Set(count)
}

// ObserveWorkflowDuration observes a workflow instance's total run time.
func (m *Metrics) ObserveWorkflowDuration(workflowName, status string, duration float64) {
	m.WorkflowExecutionDuration.WithLabelValues(workflowName, status).Observe(duration)
}

// SetQueueDepth sets the queue depth metric.
func (m *Metrics) SetQueueDepth(queueName string, depth float64) {
	m.QueueDepth.WithLabelValues(queueName).Set(depth)
}

// RecordMessageProcessed records a processed message metric.
func (m *Metrics) RecordMessageProcessed(queueName, status string) {
	m.MessageProcessingRate.WithLabelValues(queueName, status).Inc()
}

// RecordError records an error metric.
func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorsTotal.WithLabelValues(component, errorKind).Inc()
}

// SetDatabaseConnections sets database connection metrics.
func (m *Metrics) SetDatabaseConnections(state string, count float64) {
	m.DatabaseConnections.WithLabelValues(state).Set(count)
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a task.
func (m *Metrics) SetCircuitBreakerState(taskName string, state float64) {
	m.CircuitBreakerState.WithLabelValues(taskName).Set(state)
}
