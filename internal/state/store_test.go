package state

import (
	"testing"
	"time"

	"github.com/contentflow/workflow-engine/internal/models"
)

func TestDefinitionRow_RoundTrips(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:     "wf1",
		Version:  "1.0.0",
		Category: "seo",
		Tags:     []string{"a", "b"},
		Steps: []models.WorkflowStep{
			{ID: "s1", Name: "Step 1", Type: models.StepTypeAnalysis, TaskName: "t.s1", TimeoutSeconds: 30, RetryPolicy: models.DefaultRetryPolicy()},
		},
		EntryPoint: "s1",
		IsActive:   true,
	}

	row, err := toDefinitionRow(def)
	if err != nil {
		t.Fatalf("toDefinitionRow failed: %v", err)
	}
	if row.Name != "wf1" || row.ID != "wf1" {
		t.Fatalf("unexpected row: %+v", row)
	}

	back, err := row.toDomain()
	if err != nil {
		t.Fatalf("toDomain failed: %v", err)
	}
	if back.Name != def.Name || len(back.Steps) != 1 || back.Steps[0].ID != "s1" {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if len(back.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", back.Tags)
	}
}

func TestInstanceRow_RoundTrips(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	inst := &models.WorkflowInstance{
		ID:             "inst-1",
		WorkflowID:     "wf1",
		Status:         models.WorkflowStatusRunning,
		CompletedSteps: []string{"a"},
		FailedSteps:    []string{},
		Context:        map[string]interface{}{"k": "v"},
		StartedAt:      &now,
		TriggeredBy:    "user-1",
	}

	row, err := toInstanceRow(inst)
	if err != nil {
		t.Fatalf("toInstanceRow failed: %v", err)
	}
	back, err := row.toDomain()
	if err != nil {
		t.Fatalf("toDomain failed: %v", err)
	}
	if back.ID != inst.ID || back.Status != inst.Status {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if len(back.CompletedSteps) != 1 || back.CompletedSteps[0] != "a" {
		t.Fatalf("unexpected completed steps: %v", back.CompletedSteps)
	}
	if back.StartedAt == nil || !back.StartedAt.Equal(now) {
		t.Fatalf("expected started_at to round trip, got %v", back.StartedAt)
	}
	if back.TriggeredBy != "user-1" {
		t.Fatalf("expected triggered_by to round trip, got %q", back.TriggeredBy)
	}
}
