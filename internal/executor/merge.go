package executor

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/contentflow/workflow-engine/internal/models"
)

// argBundle is the canonical decoded shape of a dispatched task's
// argument bundle, per spec.md §9's deterministic merge order:
// built-in fields first, then step.task_args overlaying on conflict.
type argBundle struct {
	WorkflowInstanceID string                 `mapstructure:"workflow_instance_id"`
	StepID             string                 `mapstructure:"step_id"`
	InputData          map[string]interface{} `mapstructure:"input_data"`
	Context            map[string]interface{} `mapstructure:"context"`
	StepResults        map[string]interface{} `mapstructure:"step_results"`
}

// buildArgs assembles the argument bundle map dispatched to a task:
// built-in fields first, `step.task_args` overlaid on top so a
// collision with a built-in key is resolved in the static args' favor
// (documented here, per §9).
func buildArgs(instanceID string, step *models.WorkflowStep, inst *models.WorkflowInstance) map[string]interface{} {
	stepResults := make(map[string]interface{}, len(inst.StepResults))
	for id, r := range inst.StepResults {
		stepResults[id] = r
	}

	args := map[string]interface{}{
		"workflow_instance_id": instanceID,
		"step_id":              step.ID,
		"input_data":           inst.InputData,
		"context":              inst.Context,
		"step_results":         stepResults,
	}
	for k, v := range step.TaskArgs {
		args[k] = v
	}
	return args
}

// decodeArgBundle validates that the assembled argument map decodes
// cleanly into the canonical bundle shape before it is dispatched,
// catching a malformed built-in field early rather than failing
// inside the worker pool.
func decodeArgBundle(args map[string]interface{}) (*argBundle, error) {
	var bundle argBundle
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &bundle,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("build argument bundle decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return nil, fmt.Errorf("decode argument bundle: %w", err)
	}
	return &bundle, nil
}

// mergeReservedKeys extracts the reserved "output" and "context" keys
// from a task's raw JSON result and splices them into the instance's
// existing output/context maps by path, using gjson/sjson so only the
// reserved keys are touched — the rest of the task result, and the
// rest of the instance document, never need a full struct unmarshal.
func mergeReservedKeys(instanceOutput, instanceContext map[string]interface{}, taskResult map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
	taskJSON, err := json.Marshal(taskResult)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal task result: %w", err)
	}

	outputJSON, err := marshalOrEmptyObject(instanceOutput)
	if err != nil {
		return nil, nil, err
	}
	contextJSON, err := marshalOrEmptyObject(instanceContext)
	if err != nil {
		return nil, nil, err
	}

	if reservedOutput := gjson.GetBytes(taskJSON, "output"); reservedOutput.Exists() {
		outputJSON, err = spliceObject(outputJSON, reservedOutput)
		if err != nil {
			return nil, nil, err
		}
	}
	if reservedContext := gjson.GetBytes(taskJSON, "context"); reservedContext.Exists() {
		contextJSON, err = spliceObject(contextJSON, reservedContext)
		if err != nil {
			return nil, nil, err
		}
	}

	var mergedOutput, mergedContext map[string]interface{}
	if err := json.Unmarshal(outputJSON, &mergedOutput); err != nil {
		return nil, nil, fmt.Errorf("unmarshal merged output: %w", err)
	}
	if err := json.Unmarshal(contextJSON, &mergedContext); err != nil {
		return nil, nil, fmt.Errorf("unmarshal merged context: %w", err)
	}
	return mergedOutput, mergedContext, nil
}

func marshalOrEmptyObject(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// spliceObject sets every top-level key of src onto dst, key by key,
// via sjson.SetRawBytes — a shallow merge that overlays the task
// result's reserved-key object onto the accumulated instance document.
func spliceObject(dst []byte, src gjson.Result) ([]byte, error) {
	var err error
	src.ForEach(func(key, value gjson.Result) bool {
		dst, err = sjson.SetRawBytes(dst, key.String(), []byte(value.Raw))
		return err == nil
	})
	return dst, err
}
