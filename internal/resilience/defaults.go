package resilience

import "time"

// DefaultTaskCircuitBreakerConfig returns the CircuitBreakerConfig the
// executor uses per task_name: once at least ten calls are recorded,
// more than five consecutive failures or a failure rate above 50% trips
// the breaker open for 30s, then allows up to three half-open probes
// before closing again.
func DefaultTaskCircuitBreakerConfig(taskName string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                       taskName,
		MaxRequests:                3,
		Interval:                   time.Minute,
		Timeout:                    30 * time.Second,
		MinimumThroughputThreshold: 10,
	}
}
