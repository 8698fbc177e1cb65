// Package coordination implements the Coordination Store: a fast
// shared KV with TTL and atomic set-if-absent semantics for step
// locks, the instance mutex, and a hot-path state cache — backed by
// Redis via go-redis/v8, adapted from the teacher's
// internal/storage.RedisStorage and grounded on the original content
// service's WorkflowStateManager (state.py).
package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/contentflow/workflow-engine/internal/engineerr"
	"github.com/contentflow/workflow-engine/internal/models"
)

const (
	stateKeyPrefix = "workflow:state:"
	lockKeyPrefix  = "workflow:lock:"
	stateTTL       = 24 * time.Hour

	lockPollInterval = 100 * time.Millisecond
	defaultLockWait  = 10 * time.Second
)

// Store is the Redis-backed Coordination Store.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// New connects to Redis at addr, matching the teacher's
// NewRedisStorage Ping-on-connect check.
func New(addr, password string, db int, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect coordination store: %w", err)
	}

	return &Store{client: client, logger: logger.With(zap.String("component", "coordination_store"))}, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }

func stateKey(instanceID string) string { return stateKeyPrefix + instanceID }
func instanceLockKey(instanceID string) string { return lockKeyPrefix + instanceID }
func stepLockKey(instanceID, stepID string) string {
	return lockKeyPrefix + "step:" + instanceID + ":" + stepID
}

// --- Step locks (§4.3) ---

// AcquireStepLock attempts set-if-absent with the given TTL for
// (instanceID, stepID); returns false if already held.
func (s *Store) AcquireStepLock(ctx context.Context, instanceID, stepID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, stepLockKey(instanceID, stepID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire step lock %s/%s: %w", instanceID, stepID, err)
	}
	return ok, nil
}

// ReleaseStepLock deletes the step lock key.
func (s *Store) ReleaseStepLock(ctx context.Context, instanceID, stepID string) error {
	if err := s.client.Del(ctx, stepLockKey(instanceID, stepID)).Err(); err != nil {
		return fmt.Errorf("release step lock %s/%s: %w", instanceID, stepID, err)
	}
	return nil
}

// ExtendStepLock refreshes the step lock's TTL; the Executor must call
// this before the TTL expires if it still holds the step.
func (s *Store) ExtendStepLock(ctx context.Context, instanceID, stepID string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, stepLockKey(instanceID, stepID), ttl).Err(); err != nil {
		return fmt.Errorf("extend step lock %s/%s: %w", instanceID, stepID, err)
	}
	return nil
}

// --- Instance mutex (§4.3, §5) ---

// WithInstanceLock acquires the short-held instance mutex, busy-waiting
// with a 100ms poll (paced by a golang.org/x/time/rate limiter; the
// interval is fixed, with no jitter), runs fn, and
// always releases the lock. Fails with LockTimeout after timeout.
func (s *Store) WithInstanceLock(ctx context.Context, instanceID string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = defaultLockWait
	}
	key := instanceLockKey(instanceID)
	limiter := rate.NewLimiter(rate.Every(lockPollInterval), 1)
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := s.client.SetNX(ctx, key, "1", timeout).Result()
		if err != nil {
			return fmt.Errorf("acquire instance lock %s: %w", instanceID, err)
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			return engineerr.New(engineerr.KindLockTimeout, nil, "instance %s", instanceID).WithStep(instanceID, "")
		}
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for instance lock %s: %w", instanceID, err)
		}
	}

	defer func() {
		if err := s.client.Del(context.Background(), key).Err(); err != nil {
			s.logger.Warn("failed to release instance lock", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}()

	return fn(ctx)
}

// --- Cached state blob (§4.3) ---

// instanceLoader rebuilds a cache-miss state blob from the durable
// State Store.
type instanceLoader func(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)

// GetState returns the cached instance, rebuilding from load on a
// cache miss (mirrors state.py's get_state fallback-to-database path).
func (s *Store) GetState(ctx context.Context, instanceID string, load instanceLoader) (*models.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, stateKey(instanceID)).Bytes()
	if err == nil {
		var inst models.WorkflowInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			return nil, fmt.Errorf("unmarshal cached state %s: %w", instanceID, err)
		}
		return &inst, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("get cached state %s: %w", instanceID, err)
	}

	inst, err := load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, nil
	}
	if err := s.PutState(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// PutState refreshes the cached state blob with TTL, matching the
// 24h default in state.py.
func (s *Store) PutState(ctx context.Context, inst *models.WorkflowInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", inst.ID, err)
	}
	if err := s.client.Set(ctx, stateKey(inst.ID), data, stateTTL).Err(); err != nil {
		return fmt.Errorf("put cached state %s: %w", inst.ID, err)
	}
	return nil
}

// InvalidateState evicts a cached state blob.
func (s *Store) InvalidateState(ctx context.Context, instanceID string) error {
	return s.client.Del(ctx, stateKey(instanceID)).Err()
}

// --- Dependency gating & fleet-wide scans ---

// ReadySteps returns step ids whose dependencies are all satisfied
// (in completed_steps ∪ failed_steps) and which are still pending,
// mirroring state.py's get_ready_steps.
func ReadySteps(def *models.WorkflowDefinition, inst *models.WorkflowInstance) []string {
	done := make(map[string]bool, len(inst.CompletedSteps)+len(inst.FailedSteps))
	for _, id := range inst.CompletedSteps {
		done[id] = true
	}
	for _, id := range inst.FailedSteps {
		done[id] = true
	}

	var ready []string
	for _, step := range def.Steps {
		if done[step.ID] {
			continue
		}
		if _, started := inst.StepResults[step.ID]; started {
			continue
		}
		allDepsSatisfied := true
		for _, dep := range step.DependsOn {
			if !done[dep] {
				allDepsSatisfied = false
				break
			}
		}
		if allDepsSatisfied {
			ready = append(ready, step.ID)
		}
	}
	return ready
}

// ActiveInstances scans the cached state keys for instances in pending,
// running or retry status, mirroring state.py's get_active_workflows.
// Paused instances are not included.
func (s *Store) ActiveInstances(ctx context.Context) ([]string, error) {
	var active []string
	iter := s.client.Scan(ctx, 0, stateKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var inst models.WorkflowInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			continue
		}
		switch inst.Status {
		case models.WorkflowStatusPending, models.WorkflowStatusRunning, models.WorkflowStatusRetry:
			active = append(active, inst.ID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan active instances: %w", err)
	}
	return active, nil
}

// Metrics is the aggregate view over all cached instances, matching
// state.py's get_workflow_metrics: count-by-status, average duration,
// completed-today, and total failed-step count.
type Metrics struct {
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"by_status"`
	AverageDurationMs float64        `json:"average_duration_ms"`
	FailedSteps       int            `json:"failed_steps"`
	CompletedToday    int            `json:"completed_today"`
}

// Metrics scans all cached instance state blobs and aggregates them.
func (s *Store) Metrics(ctx context.Context) (*Metrics, error) {
	m := &Metrics{ByStatus: make(map[string]int)}
	var durations []float64
	today := time.Now().UTC().Truncate(24 * time.Hour)

	iter := s.client.Scan(ctx, 0, stateKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var inst models.WorkflowInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			continue
		}

		m.Total++
		m.ByStatus[string(inst.Status)]++
		m.FailedSteps += len(inst.FailedSteps)

		if inst.Status == models.WorkflowStatusCompleted && inst.StartedAt != nil && inst.CompletedAt != nil {
			duration := inst.CompletedAt.Sub(*inst.StartedAt)
			durations = append(durations, float64(duration.Milliseconds()))
			if inst.CompletedAt.UTC().Truncate(24 * time.Hour).Equal(today) {
				m.CompletedToday++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan workflow metrics: %w", err)
	}

	if len(durations) > 0 {
		var sum float64
		for _, d := range durations {
			sum += d
		}
		m.AverageDurationMs = sum / float64(len(durations))
	}
	return m, nil
}
