package engine

import (
	"testing"

	"github.com/contentflow/workflow-engine/internal/models"
)

func stepWithDeps(id string, deps ...string) models.WorkflowStep {
	return models.WorkflowStep{ID: id, Name: id, Type: models.StepTypeAnalysis, TaskName: "noop", TimeoutSeconds: 1, DependsOn: deps}
}

func TestTopoOrder_LinearChain(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "wf_1",
		Steps: []models.WorkflowStep{
			stepWithDeps("a"),
			stepWithDeps("b", "a"),
			stepWithDeps("c", "b"),
		},
	}
	order, err := topoOrder(def)
	if err != nil {
		t.Fatalf("topoOrder failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestTopoOrder_TiesBreakByDefinitionOrder(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "wf_1",
		Steps: []models.WorkflowStep{
			stepWithDeps("root"),
			stepWithDeps("z", "root"),
			stepWithDeps("a", "root"),
			stepWithDeps("m", "root"),
		},
	}
	order, err := topoOrder(def)
	if err != nil {
		t.Fatalf("topoOrder failed: %v", err)
	}
	want := []string{"root", "z", "a", "m"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected definition-order tie break %v, got %v", want, order)
		}
	}
}

func TestTopoOrder_DetectsCycle(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "wf_cyclic",
		Steps: []models.WorkflowStep{
			stepWithDeps("a", "b"),
			stepWithDeps("b", "a"),
		},
	}
	if _, err := topoOrder(def); err == nil {
		t.Fatal("expected a cyclic dependency error")
	}
}

func TestTopoOrder_DiamondDependency(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "wf_diamond",
		Steps: []models.WorkflowStep{
			stepWithDeps("start"),
			stepWithDeps("left", "start"),
			stepWithDeps("right", "start"),
			stepWithDeps("end", "left", "right"),
		},
	}
	order, err := topoOrder(def)
	if err != nil {
		t.Fatalf("topoOrder failed: %v", err)
	}
	positions := make(map[string]int, len(order))
	for i, id := range order {
		positions[id] = i
	}
	if positions["end"] <= positions["left"] || positions["end"] <= positions["right"] {
		t.Fatalf("expected end after both left and right, got %v", order)
	}
	if positions["left"] <= positions["start"] || positions["right"] <= positions["start"] {
		t.Fatalf("expected start before left and right, got %v", order)
	}
}
