package coordination

import (
	"reflect"
	"sort"
	"testing"

	"github.com/contentflow/workflow-engine/internal/models"
)

func TestReadySteps_GatesOnDependencies(t *testing.T) {
	def := &models.WorkflowDefinition{
		Steps: []models.WorkflowStep{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a", "b"}},
		},
	}
	inst := &models.WorkflowInstance{
		CompletedSteps: []string{"a"},
		StepResults:    map[string]models.StepResult{"a": {StepID: "a", Status: models.StepStatusCompleted}},
	}

	ready := ReadySteps(def, inst)
	sort.Strings(ready)
	if !reflect.DeepEqual(ready, []string{"b"}) {
		t.Fatalf("expected only b ready, got %v", ready)
	}
}

func TestReadySteps_TreatsFailedDependencyAsSatisfyingGate(t *testing.T) {
	def := &models.WorkflowDefinition{
		Steps: []models.WorkflowStep{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	inst := &models.WorkflowInstance{
		FailedSteps: []string{"a"},
	}

	ready := ReadySteps(def, inst)
	if !reflect.DeepEqual(ready, []string{"b"}) {
		t.Fatalf("expected b ready once its only dependency failed, got %v", ready)
	}
}

func TestReadySteps_ExcludesAlreadyStartedSteps(t *testing.T) {
	def := &models.WorkflowDefinition{
		Steps: []models.WorkflowStep{{ID: "a"}},
	}
	inst := &models.WorkflowInstance{
		StepResults: map[string]models.StepResult{"a": {StepID: "a", Status: models.StepStatusRunning}},
	}

	ready := ReadySteps(def, inst)
	if len(ready) != 0 {
		t.Fatalf("expected no ready steps for an already-running step, got %v", ready)
	}
}
