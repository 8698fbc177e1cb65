// Package registry implements the Definition Registry: storage,
// validation, and versioned lookup of WorkflowDefinitions, including
// the built-in templates seeded at startup.
//
// Grounded on the original content-optimization service's
// WorkflowRegistry (registry.py): register/get/list/deactivate/
// create_from_template/export/import, adapted from Mongo-backed async
// methods to a Go interface over the durable state.Store, with
// struct-tag validation via go-playground/validator.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/contentflow/workflow-engine/internal/engineerr"
	"github.com/contentflow/workflow-engine/internal/models"
)

// DefinitionStore is the durable persistence the registry upserts
// definitions into; satisfied by internal/state.Store's definition
// half.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	GetDefinition(ctx context.Context, name, version string) (*models.WorkflowDefinition, error)
	GetDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, category string, activeOnly bool) ([]models.WorkflowDefinition, error)
	Categories(ctx context.Context) ([]string, error)
}

// Registry is the Definition Registry component.
type Registry struct {
	logger   *zap.Logger
	store    DefinitionStore
	validate *validator.Validate

	mu          sync.RWMutex
	cache       map[string]*models.WorkflowDefinition // name -> latest active
	templates   map[string]models.WorkflowDefinition
	initialized bool
}

// New constructs a Registry over store.
func New(logger *zap.Logger, store DefinitionStore) *Registry {
	return &Registry{
		logger:    logger.With(zap.String("component", "registry")),
		store:     store,
		validate:  validator.New(),
		cache:     make(map[string]*models.WorkflowDefinition),
		templates: make(map[string]models.WorkflowDefinition),
	}
}

// Initialize seeds the built-in templates, matching
// _load_builtin_workflows, then is a no-op on subsequent calls.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = true
	r.mu.Unlock()

	for _, tmpl := range models.BuiltinTemplates() {
		tmpl := tmpl
		if err := r.Register(ctx, &tmpl, true); err != nil {
			return fmt.Errorf("seed builtin workflow %s: %w", tmpl.Name, err)
		}
		r.mu.Lock()
		r.templates[templateKey(tmpl.Name)] = tmpl
		r.mu.Unlock()
	}

	r.logger.Info("registry initialized", zap.Int("templates", len(r.templates)))
	return nil
}

func templateKey(workflowName string) string {
	switch workflowName {
	case "seo_content_optimization":
		return "seo_optimization"
	case "ab_testing_workflow":
		return "ab_testing"
	case "content_quality_check":
		return "quality_check"
	default:
		return workflowName
	}
}

// Register validates and upserts a definition, per spec.md §4.1:
// non-empty steps, DAG resolves, entry point resolves or defaults.
// Fails with a DefinitionError if it already exists and overwrite is
// false.
func (r *Registry) Register(ctx context.Context, def *models.WorkflowDefinition, overwrite bool) error {
	if err := r.validate.Struct(def); err != nil {
		return engineerr.New(engineerr.KindDefinition, err, "invalid definition %s", def.Name)
	}
	if err := def.Validate(); err != nil {
		return engineerr.New(engineerr.KindDefinition, err, "invalid definition %s", def.Name)
	}
	if def.EntryPoint == "" || def.StepByID(def.EntryPoint) == nil {
		return engineerr.New(engineerr.KindDefinition, nil, "definition %s has no resolvable entry point", def.Name)
	}

	existing, err := r.store.GetDefinition(ctx, def.Name, "")
	if err != nil {
		return fmt.Errorf("lookup existing definition: %w", err)
	}
	if existing != nil && !overwrite {
		return engineerr.New(engineerr.KindDefinition, nil, "workflow %s already exists", def.Name)
	}

	def.IsActive = true
	if err := r.store.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}

	r.mu.Lock()
	r.cache[def.Name] = def
	r.mu.Unlock()

	r.logger.Info("registered workflow", zap.String("name", def.Name), zap.String("version", def.Version))
	return nil
}

// Get returns the definition by name, latest active version if version
// is empty, or nil if absent.
func (r *Registry) Get(ctx context.Context, name, version string) (*models.WorkflowDefinition, error) {
	if version == "" {
		r.mu.RLock()
		cached, ok := r.cache[name]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	def, err := r.store.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", name, err)
	}
	if def == nil {
		return nil, nil
	}
	if version == "" {
		r.mu.Lock()
		r.cache[name] = def
		r.mu.Unlock()
	}
	return def, nil
}

// GetByID returns the definition by its stable id.
func (r *Registry) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	def, err := r.store.GetDefinitionByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get definition by id %s: %w", id, err)
	}
	return def, nil
}

// List returns active (or all) definitions, optionally filtered by
// category, sorted by name.
func (r *Registry) List(ctx context.Context, category string, activeOnly bool) ([]models.WorkflowDefinition, error) {
	defs, err := r.store.ListDefinitions(ctx, category, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Categories returns the sorted distinct category names.
func (r *Registry) Categories(ctx context.Context) ([]string, error) {
	cats, err := r.store.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	sort.Strings(cats)
	return cats, nil
}

// Deactivate soft-deletes a definition: is_active=false. Instances
// referencing it keep running; new submissions are rejected.
func (r *Registry) Deactivate(ctx context.Context, name string) error {
	def, err := r.Get(ctx, name, "")
	if err != nil {
		return err
	}
	if def == nil {
		return engineerr.New(engineerr.KindDefinition, nil, "workflow %s not found", name)
	}
	def.IsActive = false
	if err := r.store.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("deactivate %s: %w", name, err)
	}

	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()

	r.logger.Info("deactivated workflow", zap.String("name", name))
	return nil
}

// Templates returns a copy of the available built-in templates.
func (r *Registry) Templates() map[string]models.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.WorkflowDefinition, len(r.templates))
	for k, v := range r.templates {
		out[k] = v
	}
	return out
}

// CreateFromTemplate clones templateName, applies customizations'
// overridable fields, names it workflowName, and registers it.
func (r *Registry) CreateFromTemplate(ctx context.Context, templateName, workflowName string, customize func(*models.WorkflowDefinition)) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[templateName]
	r.mu.RUnlock()
	if !ok {
		return nil, engineerr.New(engineerr.KindDefinition, nil, "template %s not found", templateName)
	}

	def := tmpl
	def.Name = workflowName
	def.Steps = append([]models.WorkflowStep(nil), tmpl.Steps...)
	if customize != nil {
		customize(&def)
	}

	if err := r.Register(ctx, &def, false); err != nil {
		return nil, err
	}
	return &def, nil
}

// Export serializes a definition as indented JSON.
func (r *Registry) Export(ctx context.Context, name string) (string, error) {
	def, err := r.Get(ctx, name, "")
	if err != nil {
		return "", err
	}
	if def == nil {
		return "", engineerr.New(engineerr.KindDefinition, nil, "workflow %s not found", name)
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal definition %s: %w", name, err)
	}
	return string(data), nil
}

// Import deserializes JSON-encoded definition data and registers it.
func (r *Registry) Import(ctx context.Context, data string, overwrite bool) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, engineerr.New(engineerr.KindDefinition, err, "malformed definition payload")
	}
	if err := r.Register(ctx, &def, overwrite); err != nil {
		return nil, err
	}
	return &def, nil
}
