package registry

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/contentflow/workflow-engine/internal/models"
)

type fakeStore struct {
	mu   sync.Mutex
	byID map[string]*models.WorkflowDefinition
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*models.WorkflowDefinition)}
}

func (f *fakeStore) SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if def.ID == "" {
		def.ID = def.Name
	}
	clone := *def
	f.byID[def.Name] = &clone
	return nil
}

func (f *fakeStore) GetDefinition(ctx context.Context, name, version string) (*models.WorkflowDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[name]
	if !ok {
		return nil, nil
	}
	return d, nil
}

func (f *fakeStore) GetDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.byID {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListDefinitions(ctx context.Context, category string, activeOnly bool) ([]models.WorkflowDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.WorkflowDefinition
	for _, d := range f.byID {
		if category != "" && d.Category != category {
			continue
		}
		if activeOnly && !d.IsActive {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeStore) Categories(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, d := range f.byID {
		if !seen[d.Category] {
			seen[d.Category] = true
			out = append(out, d.Category)
		}
	}
	return out, nil
}

func simpleDef(name string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:     name,
		Version:  "1.0.0",
		Category: "test",
		Steps: []models.WorkflowStep{
			{ID: "a", Name: "A", Type: models.StepTypeAnalysis, TaskName: "t.a", TimeoutSeconds: 10, RetryPolicy: models.DefaultRetryPolicy()},
			{ID: "b", Name: "B", Type: models.StepTypeAnalysis, TaskName: "t.b", TimeoutSeconds: 10, DependsOn: []string{"a"}, RetryPolicy: models.DefaultRetryPolicy()},
		},
	}
}

func TestRegister_RejectsDuplicateWithoutOverwrite(t *testing.T) {
	reg := New(zap.NewNop(), newFakeStore())
	ctx := context.Background()

	if err := reg.Register(ctx, simpleDef("wf1"), false); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := reg.Register(ctx, simpleDef("wf1"), false); err == nil {
		t.Fatal("expected duplicate registration without overwrite to fail")
	}
	if err := reg.Register(ctx, simpleDef("wf1"), true); err != nil {
		t.Fatalf("overwrite register should succeed: %v", err)
	}
}

func TestRegister_RejectsUnresolvedDependency(t *testing.T) {
	reg := New(zap.NewNop(), newFakeStore())
	def := simpleDef("wf-bad")
	def.Steps[1].DependsOn = []string{"nonexistent"}

	if err := reg.Register(context.Background(), def, false); err == nil {
		t.Fatal("expected unresolved dependency to fail registration")
	}
}

func TestRegister_RejectsCyclicDependencies(t *testing.T) {
	reg := New(zap.NewNop(), newFakeStore())
	def := simpleDef("wf-cycle")
	def.Steps[0].DependsOn = []string{"b"} // a -> depends on b, b -> depends on a

	if err := reg.Register(context.Background(), def, false); err == nil {
		t.Fatal("expected cyclic dependency graph to fail registration")
	}
}

func TestRegister_DefaultsEntryPointToFirstRootStep(t *testing.T) {
	reg := New(zap.NewNop(), newFakeStore())
	def := simpleDef("wf-entry")

	if err := reg.Register(context.Background(), def, false); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if def.EntryPoint != "a" {
		t.Fatalf("expected entry point 'a', got %q", def.EntryPoint)
	}
}

func TestInitialize_SeedsBuiltinTemplates(t *testing.T) {
	reg := New(zap.NewNop(), newFakeStore())
	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	templates := reg.Templates()
	if len(templates) != 3 {
		t.Fatalf("expected 3 builtin templates, got %d", len(templates))
	}
	if _, ok := templates["seo_optimization"]; !ok {
		t.Fatal("expected seo_optimization template")
	}
}

func TestCreateFromTemplate_ClonesAndCustomizes(t *testing.T) {
	reg := New(zap.NewNop(), newFakeStore())
	ctx := context.Background()
	if err := reg.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	def, err := reg.CreateFromTemplate(ctx, "quality_check", "my_quality_check", func(d *models.WorkflowDefinition) {
		d.Tags = append(d.Tags, "custom")
	})
	if err != nil {
		t.Fatalf("create from template failed: %v", err)
	}
	if def.Name != "my_quality_check" {
		t.Fatalf("expected cloned name, got %q", def.Name)
	}

	got, err := reg.Get(ctx, "my_quality_check", "")
	if err != nil || got == nil {
		t.Fatalf("expected cloned workflow to be registered, err=%v got=%v", err, got)
	}
}

func TestExportImport_RoundTrips(t *testing.T) {
	reg := New(zap.NewNop(), newFakeStore())
	ctx := context.Background()
	if err := reg.Register(ctx, simpleDef("wf-export"), false); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	data, err := reg.Export(ctx, "wf-export")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	reg2 := New(zap.NewNop(), newFakeStore())
	imported, err := reg2.Import(ctx, data, false)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if imported.Name != "wf-export" {
		t.Fatalf("expected imported name wf-export, got %q", imported.Name)
	}
}

func TestDeactivate_HidesFromActiveLookup(t *testing.T) {
	reg := New(zap.NewNop(), newFakeStore())
	ctx := context.Background()
	if err := reg.Register(ctx, simpleDef("wf-deact"), false); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := reg.Deactivate(ctx, "wf-deact"); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	defs, err := reg.List(ctx, "", true)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, d := range defs {
		if d.Name == "wf-deact" {
			t.Fatal("deactivated workflow should not appear in active-only list")
		}
	}
}
