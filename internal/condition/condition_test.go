package condition

import (
	"sync"
	"testing"
)

func TestEvaluate_EmptyExpressionAlwaysRuns(t *testing.T) {
	ev := NewEvaluator()
	ok, err := ev.Evaluate("", map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected empty condition to evaluate true")
	}
}

func TestEvaluate_BooleanExpression(t *testing.T) {
	ev := NewEvaluator()
	ctx := map[string]interface{}{
		"step_results": map[string]interface{}{
			"analyze_content": map[string]interface{}{
				"score": 82,
			},
		},
	}
	ok, err := ev.Evaluate(`step_results.analyze_content.score > 80`, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected condition to be true")
	}
}

func TestEvaluate_NonBooleanExpressionRejected(t *testing.T) {
	ev := NewEvaluator()
	if _, err := ev.Evaluate(`1 + 1`, map[string]interface{}{}); err == nil {
		t.Fatal("expected error for non-boolean expression")
	}
}

func TestEvaluate_CompileErrorWrapped(t *testing.T) {
	ev := NewEvaluator()
	if _, err := ev.Evaluate(`this is not valid`, map[string]interface{}{}); err == nil {
		t.Fatal("expected compile error")
	}
}

// A single Evaluator is shared across every concurrently-running
// instance goroutine; many instances compiling the same new
// expression for the first time must not race on the program cache.
func TestEvaluate_ConcurrentCompilationIsSafe(t *testing.T) {
	ev := NewEvaluator()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ev.Evaluate(`step_results.a.score > 50`, map[string]interface{}{
				"step_results": map[string]interface{}{"a": map[string]interface{}{"score": 60}},
			})
		}()
	}
	wg.Wait()
}
