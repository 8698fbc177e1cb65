// Command engine is the workflow orchestration engine process: it
// loads configuration, wires the State Store (Postgres), Coordination
// Store (Redis), Task Dispatcher (RabbitMQ + HTTP webhook transport),
// Definition Registry, Executor, and Scheduler/Engine together, and
// serves /metrics and /health for operators. There is no gRPC or other
// submission API — workflows are submitted by calling Engine.Submit
// in-process (see cmd/workflowctl for the operator CLI, which talks to
// the state/coordination stores directly rather than over the wire).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/contentflow/workflow-engine/internal/condition"
	"github.com/contentflow/workflow-engine/internal/config"
	"github.com/contentflow/workflow-engine/internal/coordination"
	"github.com/contentflow/workflow-engine/internal/dispatcher"
	"github.com/contentflow/workflow-engine/internal/engine"
	"github.com/contentflow/workflow-engine/internal/events"
	"github.com/contentflow/workflow-engine/internal/executor"
	"github.com/contentflow/workflow-engine/internal/observability"
	"github.com/contentflow/workflow-engine/internal/registry"
	"github.com/contentflow/workflow-engine/internal/state"
)

const serviceVersion = "0.1.0"

// Server owns the wired engine and its operator-facing HTTP surface.
type Server struct {
	logger     *zap.Logger
	config     *config.Config
	httpServer *http.Server

	stateStore  *state.Store
	coordStore  *coordination.Store
	amqp        *dispatcher.AMQPDispatcher
	engine      *engine.Engine
	startedAt   time.Time
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting workflow engine",
		zap.String("app", cfg.App.Name),
		zap.String("version", serviceVersion),
		zap.String("environment", cfg.App.Environment))

	shutdownTracing, err := observability.InitTracing(cfg.Observability.ServiceName, serviceVersion, cfg.Observability.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing()

	metrics := observability.NewMetrics()

	srv, err := build(logger, cfg, metrics)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}
	defer srv.stateStore.Close()
	defer srv.coordStore.Close()
	defer srv.amqp.Close()

	if err := srv.Run(); err != nil {
		logger.Fatal("engine exited with error", zap.Error(err))
	}
}

// build wires every component, grounded on the teacher's main.go
// construction order (repository/state first, then domain services,
// then transport), generalized from the gRPC-service set to the
// Registry/Executor/Engine set this design uses instead.
func build(logger *zap.Logger, cfg *config.Config, metrics *observability.Metrics) (*Server, error) {
	stateStore, err := state.New(cfg.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	coordStore, err := coordination.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return nil, fmt.Errorf("coordination store: %w", err)
	}

	amqpDispatcher, err := dispatcher.NewAMQPDispatcher(cfg.MessageQueue.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("amqp dispatcher: %w", err)
	}

	httpDispatcher := dispatcher.NewHTTPDispatcher(func(taskName string) string {
		return "http://localhost:9000/tasks/" + taskName
	}, logger)

	dispatch := &dispatcher.Composite{Queue: amqpDispatcher, HTTP: httpDispatcher}

	reg := registry.New(logger, stateStore)
	if err := reg.Initialize(context.Background()); err != nil {
		return nil, fmt.Errorf("registry init: %w", err)
	}

	bus := events.NewBus(logger)
	cond := condition.NewEvaluator()

	exec := executor.New(logger, coordStore, dispatch, bus, executor.Config{})
	exec.SetMetrics(metrics)

	eng := engine.New(logger, reg, stateStore, coordStore, exec, bus, cond, engine.Config{
		MaxConcurrentInstances: cfg.Engine.MaxConcurrentInstances,
		DependencyPollInterval: cfg.Engine.DependencyPollInterval,
		InstanceLockTimeout:    cfg.Engine.InstanceLockTimeout,
	})
	eng.SetMetrics(metrics)

	return &Server{
		logger:     logger.With(zap.String("component", "server")),
		config:     cfg,
		stateStore: stateStore,
		coordStore: coordStore,
		amqp:       amqpDispatcher,
		engine:     eng,
		startedAt:  time.Now().UTC(),
	}, nil
}

// Run serves /metrics and /health until SIGINT/SIGTERM, then cancels
// in-flight instances via Engine.Shutdown and waits for them to exit.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.serveHTTP(ctx); err != nil {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	if err := s.engine.Recover(ctx); err != nil {
		s.logger.Warn("startup recovery scan failed", zap.Error(err))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runRecoveryLoop(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	s.logger.Info("shutdown signal received, draining running instances")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := s.engine.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("engine shutdown did not complete cleanly", zap.Error(err))
	}

	cancel()
	wg.Wait()
	s.logger.Info("shutdown complete")
	return nil
}

// runRecoveryLoop periodically resumes instances orphaned by a crashed
// peer Engine or a short-lived submitter process (cmd/workflowctl).
func (s *Server) runRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.Recover(ctx); err != nil {
				s.logger.Warn("recovery scan failed", zap.Error(err))
			}
		}
	}
}

func (s *Server) serveHTTP(ctx context.Context) error {
	addr := s.config.HTTP.Address
	s.logger.Info("serving /metrics and /health", zap.String("address", addr))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("http server error: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.stateStore.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q,"service":%q,"version":%q,"uptime_seconds":%d}`,
		status, s.config.App.Name, serviceVersion, int(time.Since(s.startedAt).Seconds()))
}
