// Package state implements the durable State Store: per-instance and
// per-definition persistence backed by Postgres via sqlx + lib/pq,
// adapted from the teacher's internal/repo.Repository (connection
// pooling, NamedExec/Get/Select query shapes) but storing
// WorkflowDefinition/WorkflowInstance records instead of the teacher's
// WorkflowExecution/StepExecution shape.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/contentflow/workflow-engine/internal/engineerr"
	"github.com/contentflow/workflow-engine/internal/models"
)

// Store is the Postgres-backed State Store.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New opens a connection pool to databaseURL, matching the teacher's
// pool sizing (25 open / 10 idle / 5m max lifetime).
func New(databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect state store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db, logger: logger.With(zap.String("component", "state_store"))}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks database connectivity.
func (s *Store) Ping() error { return s.db.Ping() }

// Stats returns database connection pool statistics.
func (s *Store) Stats() sql.DBStats { return s.db.Stats() }

// definitionRow is the wire shape for the workflow_definitions table;
// JSON-valued columns round-trip through marshaled strings rather than
// sqlx struct-tag magic, matching how the teacher keeps DTOs separate
// from domain structs.
type definitionRow struct {
	ID               string    `db:"id"`
	Name             string    `db:"name"`
	Description      string    `db:"description"`
	Version          string    `db:"version"`
	Category         string    `db:"category"`
	TagsJSON         string    `db:"tags"`
	StepsJSON        string    `db:"steps"`
	EntryPoint       string    `db:"entry_point"`
	TimeoutSeconds   int       `db:"timeout_seconds"`
	MaxParallelSteps int       `db:"max_parallel_steps"`
	IsActive         bool      `db:"is_active"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func toDefinitionRow(def *models.WorkflowDefinition) (*definitionRow, error) {
	tags, err := json.Marshal(def.Tags)
	if err != nil {
		return nil, err
	}
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return nil, err
	}
	id := def.ID
	if id == "" {
		id = def.Name
	}
	now := time.Now().UTC()
	created := def.CreatedAt
	if created.IsZero() {
		created = now
	}
	return &definitionRow{
		ID:               id,
		Name:             def.Name,
		Description:      def.Description,
		Version:          def.Version,
		Category:         def.Category,
		TagsJSON:         string(tags),
		StepsJSON:        string(steps),
		EntryPoint:       def.EntryPoint,
		TimeoutSeconds:   def.TimeoutSeconds,
		MaxParallelSteps: def.MaxParallelSteps,
		IsActive:         def.IsActive,
		CreatedAt:        created,
		UpdatedAt:        now,
	}, nil
}

func (r *definitionRow) toDomain() (*models.WorkflowDefinition, error) {
	var tags []string
	if err := json.Unmarshal([]byte(r.TagsJSON), &tags); err != nil && r.TagsJSON != "" {
		return nil, err
	}
	var steps []models.WorkflowStep
	if err := json.Unmarshal([]byte(r.StepsJSON), &steps); err != nil && r.StepsJSON != "" {
		return nil, err
	}
	return &models.WorkflowDefinition{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		Version:          r.Version,
		Category:         r.Category,
		Tags:             tags,
		Steps:            steps,
		EntryPoint:       r.EntryPoint,
		TimeoutSeconds:   r.TimeoutSeconds,
		MaxParallelSteps: r.MaxParallelSteps,
		IsActive:         r.IsActive,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

// SaveDefinition upserts by name, matching registry.py's
// replace_one(..., upsert=True).
func (s *Store) SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	row, err := toDefinitionRow(def)
	if err != nil {
		return fmt.Errorf("marshal definition %s: %w", def.Name, err)
	}

	const query = `
		INSERT INTO workflow_definitions
			(id, name, description, version, category, tags, steps, entry_point, timeout_seconds, max_parallel_steps, is_active, created_at, updated_at)
		VALUES
			(:id, :name, :description, :version, :category, :tags, :steps, :entry_point, :timeout_seconds, :max_parallel_steps, :is_active, :created_at, :updated_at)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			version = EXCLUDED.version,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			steps = EXCLUDED.steps,
			entry_point = EXCLUDED.entry_point,
			timeout_seconds = EXCLUDED.timeout_seconds,
			max_parallel_steps = EXCLUDED.max_parallel_steps,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save definition %s: %w", def.Name, err)
	}
	def.ID = row.ID
	def.CreatedAt = row.CreatedAt
	def.UpdatedAt = row.UpdatedAt
	return nil
}

// GetDefinition returns the definition by name and optional version
// (latest by created_at when version is empty), or nil if absent.
func (s *Store) GetDefinition(ctx context.Context, name, version string) (*models.WorkflowDefinition, error) {
	var row definitionRow
	var err error
	if version != "" {
		err = s.db.GetContext(ctx, &row, `SELECT * FROM workflow_definitions WHERE name = $1 AND version = $2`, name, version)
	} else {
		err = s.db.GetContext(ctx, &row, `SELECT * FROM workflow_definitions WHERE name = $1 AND is_active = true ORDER BY created_at DESC LIMIT 1`, name)
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", name, err)
	}
	return row.toDomain()
}

// GetDefinitionByID returns the definition by its stable id.
func (s *Store) GetDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workflow_definitions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get definition by id %s: %w", id, err)
	}
	return row.toDomain()
}

// ListDefinitions lists definitions, optionally filtered by category
// and active status, ordered by name.
func (s *Store) ListDefinitions(ctx context.Context, category string, activeOnly bool) ([]models.WorkflowDefinition, error) {
	query := `SELECT * FROM workflow_definitions WHERE 1=1`
	var args []interface{}
	if category != "" {
		args = append(args, category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if activeOnly {
		query += " AND is_active = true"
	}
	query += " ORDER BY name"

	var rows []definitionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	out := make([]models.WorkflowDefinition, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// Categories returns the distinct category values across definitions.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	var cats []string
	if err := s.db.SelectContext(ctx, &cats, `SELECT DISTINCT category FROM workflow_definitions WHERE category <> ''`); err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return cats, nil
}

// instanceRow is the wire shape for the workflow_instances table.
type instanceRow struct {
	ID               string         `db:"id"`
	WorkflowID       string         `db:"workflow_id"`
	WorkflowVersion  string         `db:"workflow_version"`
	Status           string         `db:"status"`
	CurrentStepID    string         `db:"current_step_id"`
	CompletedStepsJS string         `db:"completed_steps"`
	FailedStepsJS    string         `db:"failed_steps"`
	ContextJSON      string         `db:"context"`
	InputDataJSON    string         `db:"input_data"`
	OutputDataJSON   string         `db:"output_data"`
	StepResultsJSON  string         `db:"step_results"`
	StartedAt        sql.NullTime   `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	PausedAt         sql.NullTime   `db:"paused_at"`
	ErrorMessage     string         `db:"error_message"`
	RetryCount       int            `db:"retry_count"`
	TriggeredBy      sql.NullString `db:"triggered_by"`
	ParentInstanceID sql.NullString `db:"parent_instance_id"`
}

func toInstanceRow(inst *models.WorkflowInstance) (*instanceRow, error) {
	marshal := func(v interface{}) (string, error) {
		if v == nil {
			return "", nil
		}
		b, err := json.Marshal(v)
		return string(b), err
	}

	completed, err := marshal(inst.CompletedSteps)
	if err != nil {
		return nil, err
	}
	failed, err := marshal(inst.FailedSteps)
	if err != nil {
		return nil, err
	}
	ctxJSON, err := marshal(inst.Context)
	if err != nil {
		return nil, err
	}
	inputJSON, err := marshal(inst.InputData)
	if err != nil {
		return nil, err
	}
	outputJSON, err := marshal(inst.OutputData)
	if err != nil {
		return nil, err
	}
	resultsJSON, err := marshal(inst.StepResults)
	if err != nil {
		return nil, err
	}

	row := &instanceRow{
		ID:               inst.ID,
		WorkflowID:       inst.WorkflowID,
		WorkflowVersion:  inst.WorkflowVersion,
		Status:           string(inst.Status),
		CurrentStepID:    inst.CurrentStepID,
		CompletedStepsJS: completed,
		FailedStepsJS:    failed,
		ContextJSON:      ctxJSON,
		InputDataJSON:    inputJSON,
		OutputDataJSON:   outputJSON,
		StepResultsJSON:  resultsJSON,
		ErrorMessage:     inst.ErrorMessage,
		RetryCount:       inst.RetryCount,
	}
	if inst.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *inst.StartedAt, Valid: true}
	}
	if inst.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *inst.CompletedAt, Valid: true}
	}
	if inst.PausedAt != nil {
		row.PausedAt = sql.NullTime{Time: *inst.PausedAt, Valid: true}
	}
	if inst.TriggeredBy != "" {
		row.TriggeredBy = sql.NullString{String: inst.TriggeredBy, Valid: true}
	}
	if inst.ParentInstanceID != "" {
		row.ParentInstanceID = sql.NullString{String: inst.ParentInstanceID, Valid: true}
	}
	return row, nil
}

func (r *instanceRow) toDomain() (*models.WorkflowInstance, error) {
	unmarshal := func(s string, v interface{}) error {
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), v)
	}

	inst := &models.WorkflowInstance{
		ID:              r.ID,
		WorkflowID:      r.WorkflowID,
		WorkflowVersion: r.WorkflowVersion,
		Status:          models.WorkflowStatus(r.Status),
		CurrentStepID:   r.CurrentStepID,
		ErrorMessage:    r.ErrorMessage,
		RetryCount:      r.RetryCount,
	}
	if err := unmarshal(r.CompletedStepsJS, &inst.CompletedSteps); err != nil {
		return nil, err
	}
	if err := unmarshal(r.FailedStepsJS, &inst.FailedSteps); err != nil {
		return nil, err
	}
	if err := unmarshal(r.ContextJSON, &inst.Context); err != nil {
		return nil, err
	}
	if err := unmarshal(r.InputDataJSON, &inst.InputData); err != nil {
		return nil, err
	}
	if err := unmarshal(r.OutputDataJSON, &inst.OutputData); err != nil {
		return nil, err
	}
	if err := unmarshal(r.StepResultsJSON, &inst.StepResults); err != nil {
		return nil, err
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		inst.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		inst.CompletedAt = &t
	}
	if r.PausedAt.Valid {
		t := r.PausedAt.Time
		inst.PausedAt = &t
	}
	inst.TriggeredBy = r.TriggeredBy.String
	inst.ParentInstanceID = r.ParentInstanceID.String
	return inst, nil
}

// SaveInstance inserts a new instance record.
func (s *Store) SaveInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	row, err := toInstanceRow(inst)
	if err != nil {
		return fmt.Errorf("marshal instance %s: %w", inst.ID, err)
	}
	const query = `
		INSERT INTO workflow_instances
			(id, workflow_id, workflow_version, status, current_step_id, completed_steps, failed_steps,
			 context, input_data, output_data, step_results, started_at, completed_at, paused_at,
			 error_message, retry_count, triggered_by, parent_instance_id)
		VALUES
			(:id, :workflow_id, :workflow_version, :status, :current_step_id, :completed_steps, :failed_steps,
			 :context, :input_data, :output_data, :step_results, :started_at, :completed_at, :paused_at,
			 :error_message, :retry_count, :triggered_by, :parent_instance_id)
	`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}

// UpdateInstance replaces the mutable fields of an existing instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	row, err := toInstanceRow(inst)
	if err != nil {
		return fmt.Errorf("marshal instance %s: %w", inst.ID, err)
	}
	const query = `
		UPDATE workflow_instances SET
			status = :status, current_step_id = :current_step_id, completed_steps = :completed_steps,
			failed_steps = :failed_steps, context = :context, input_data = :input_data,
			output_data = :output_data, step_results = :step_results, started_at = :started_at,
			completed_at = :completed_at, paused_at = :paused_at, error_message = :error_message,
			retry_count = :retry_count
		WHERE id = :id
	`
	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	if affected == 0 {
		return engineerr.New(engineerr.KindState, nil, "instance %s not found", inst.ID)
	}
	return nil
}

// GetInstance returns the instance by id, or nil if absent.
func (s *Store) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workflow_instances WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return row.toDomain()
}

// ListFilter narrows ListInstances by status, triggered_by, and a
// started-after timestamp.
type ListFilter struct {
	Status      models.WorkflowStatus
	TriggeredBy string
	After       *time.Time
}

// ListInstances returns instances matching filter, most recently
// started first.
func (s *Store) ListInstances(ctx context.Context, filter ListFilter) ([]models.WorkflowInstance, error) {
	query := `SELECT * FROM workflow_instances WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.TriggeredBy != "" {
		args = append(args, filter.TriggeredBy)
		query += fmt.Sprintf(" AND triggered_by = $%d", len(args))
	}
	if filter.After != nil {
		args = append(args, *filter.After)
		query += fmt.Sprintf(" AND started_at > $%d", len(args))
	}
	query += " ORDER BY started_at DESC"

	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]models.WorkflowInstance, 0, len(rows))
	for _, r := range rows {
		inst, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, nil
}
