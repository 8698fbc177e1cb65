package resilience

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestCircuitBreaker_TripsOpenAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultTaskCircuitBreakerConfig("flaky_task")
	cfg.MinimumThroughputThreshold = 0
	cb := NewCircuitBreaker(cfg, zap.NewNop())

	for i := 0; i < 6; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("expected circuit to trip open after repeated failures, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsCallsWhileOpen(t *testing.T) {
	cfg := DefaultTaskCircuitBreakerConfig("flaky_task")
	cfg.MinimumThroughputThreshold = 0
	cb := NewCircuitBreaker(cfg, zap.NewNop())

	for i := 0; i < 6; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	if err == nil {
		t.Fatal("expected call to be rejected while circuit is open")
	}
}

func TestCircuitBreakerManager_GetOrCreateReusesInstance(t *testing.T) {
	mgr := NewCircuitBreakerManager(zap.NewNop())
	cb1 := mgr.GetOrCreate("task_a", DefaultTaskCircuitBreakerConfig("task_a"))
	cb2 := mgr.GetOrCreate("task_a", DefaultTaskCircuitBreakerConfig("task_a"))

	if cb1 != cb2 {
		t.Fatal("expected GetOrCreate to return the same breaker instance for the same name")
	}
}
