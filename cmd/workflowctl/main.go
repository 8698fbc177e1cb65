// Command workflowctl is the operator CLI for the workflow engine:
// register/submit/status/pause/resume/cancel, built on
// github.com/spf13/cobra the way the domain stack's CLI libraries are
// meant to be used. It shares the engine's own config loading and
// component wiring (internal/config, internal/state,
// internal/coordination, internal/dispatcher) rather than talking to
// a separate submission API — there isn't one (see cmd/engine's
// package doc). A `submit` issued here starts the instance on this
// process's own short-lived Engine and records its state in the
// Coordination Store; if the CLI exits before the instance finishes, a
// running cmd/engine process picks it up via Engine.Recover.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/contentflow/workflow-engine/internal/condition"
	"github.com/contentflow/workflow-engine/internal/config"
	"github.com/contentflow/workflow-engine/internal/coordination"
	"github.com/contentflow/workflow-engine/internal/dispatcher"
	"github.com/contentflow/workflow-engine/internal/engine"
	"github.com/contentflow/workflow-engine/internal/events"
	"github.com/contentflow/workflow-engine/internal/executor"
	"github.com/contentflow/workflow-engine/internal/models"
	"github.com/contentflow/workflow-engine/internal/registry"
	"github.com/contentflow/workflow-engine/internal/state"
)

// deps bundles the components a CLI invocation wires up, torn down at
// the end of each command's RunE.
type deps struct {
	logger *zap.Logger
	cfg    *config.Config
	state  *state.Store
	coord  *coordination.Store
	amqp   *dispatcher.AMQPDispatcher
	engine *engine.Engine
}

func buildDeps() (*deps, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := state.New(cfg.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	coord, err := coordination.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("coordination store: %w", err)
	}

	amqp, err := dispatcher.NewAMQPDispatcher(cfg.MessageQueue.URL, logger)
	if err != nil {
		st.Close()
		coord.Close()
		return nil, fmt.Errorf("amqp dispatcher: %w", err)
	}

	httpDispatcher := dispatcher.NewHTTPDispatcher(func(taskName string) string {
		return "http://localhost:9000/tasks/" + taskName
	}, logger)
	dispatch := &dispatcher.Composite{Queue: amqp, HTTP: httpDispatcher}

	reg := registry.New(logger, st)
	if err := reg.Initialize(context.Background()); err != nil {
		return nil, fmt.Errorf("registry init: %w", err)
	}

	bus := events.NewBus(logger)
	exec := executor.New(logger, coord, dispatch, bus, executor.Config{})
	eng := engine.New(logger, reg, st, coord, exec, bus, condition.NewEvaluator(), engine.Config{
		MaxConcurrentInstances: cfg.Engine.MaxConcurrentInstances,
		DependencyPollInterval: cfg.Engine.DependencyPollInterval,
		InstanceLockTimeout:    cfg.Engine.InstanceLockTimeout,
	})

	return &deps{logger: logger, cfg: cfg, state: st, coord: coord, amqp: amqp, engine: eng}, nil
}

func (d *deps) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = d.engine.Shutdown(shutdownCtx)
	d.amqp.Close()
	d.coord.Close()
	d.state.Close()
	d.logger.Sync()
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "workflowctl",
		Short: "Operate workflow definitions and instances",
	}

	root.AddCommand(
		registerCmd(),
		submitCmd(),
		statusCmd(),
		pauseCmd(),
		resumeCmd(),
		cancelCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func registerCmd() *cobra.Command {
	var file string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a workflow definition from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			var def models.WorkflowDefinition
			if err := json.Unmarshal(raw, &def); err != nil {
				return fmt.Errorf("parse definition: %w", err)
			}

			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			if _, err := d.engine.RegisterDefinition(cmd.Context(), &def, overwrite); err != nil {
				return err
			}
			fmt.Printf("registered %s version %s\n", def.Name, def.Version)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a workflow definition JSON file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite an existing version")
	cmd.MarkFlagRequired("file")
	return cmd
}

func submitCmd() *cobra.Command {
	var workflow, inputFile, triggeredBy, parentInstanceID string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new instance of a registered workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			input := map[string]interface{}{}
			if inputFile != "" {
				raw, err := os.ReadFile(inputFile)
				if err != nil {
					return fmt.Errorf("read %s: %w", inputFile, err)
				}
				if err := json.Unmarshal(raw, &input); err != nil {
					return fmt.Errorf("parse input: %w", err)
				}
			}

			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			inst, err := d.engine.Submit(cmd.Context(), workflow, input, triggeredBy, parentInstanceID)
			if err != nil {
				return err
			}
			return printJSON(inst)
		},
	}
	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "workflow name or id")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "path to a JSON file of instance input data")
	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "workflowctl", "value recorded as the instance's triggered_by")
	cmd.Flags().StringVar(&parentInstanceID, "parent-instance-id", "", "id of the instance this one is a sub-workflow of, if any")
	cmd.MarkFlagRequired("workflow")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show the current state of a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			inst, err := d.engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(inst)
		},
	}
	return cmd
}

func pauseCmd() *cobra.Command {
	return lifecycleCmd("pause", "Pause a running workflow instance", func(ctx context.Context, e *engine.Engine, id string) (bool, error) {
		return e.Pause(ctx, id)
	})
}

func resumeCmd() *cobra.Command {
	return lifecycleCmd("resume", "Resume a paused workflow instance", func(ctx context.Context, e *engine.Engine, id string) (bool, error) {
		return e.Resume(ctx, id)
	})
}

func cancelCmd() *cobra.Command {
	return lifecycleCmd("cancel", "Cancel a non-terminal workflow instance", func(ctx context.Context, e *engine.Engine, id string) (bool, error) {
		return e.Cancel(ctx, id)
	})
}

func lifecycleCmd(use, short string, action func(context.Context, *engine.Engine, string) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <instance-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			ok, err := action(cmd.Context(), d.engine, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %v\n", use, args[0], ok)
			return nil
		},
	}
}
