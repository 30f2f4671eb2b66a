package validation

import (
	"fmt"
	"sort"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// validateYieldGraph analyses the graph whose nodes are workflows and whose
// edges are yields: cycle detection (Kahn's algorithm) and reachability
// from main (BFS). Both only produce warnings; a yield cycle is legal but
// relies on a condition to terminate.
func validateYieldGraph(task *schema.Task) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	edges := make(map[string][]string, len(task.Workflows))
	inDegree := make(map[string]int, len(task.Workflows))
	for _, wf := range task.Workflows {
		inDegree[wf.Name] += 0
		seen := make(map[string]bool)
		for _, step := range wf.Steps {
			walkSteps(step, "", func(s schema.Step, _ string) {
				y, ok := s.(*schema.YieldStep)
				if !ok || seen[y.Workflow] {
					return
				}
				if _, found := task.Workflow(y.Workflow); !found {
					return // reported by the semantic stage
				}
				seen[y.Workflow] = true
				edges[wf.Name] = append(edges[wf.Name], y.Workflow)
				inDegree[y.Workflow]++
			})
		}
	}

	queue := make([]string, 0, len(inDegree))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(inDegree) {
		result.AddWarning("workflows", schema.ErrCodeValidation,
			"workflows yield to each other in a cycle")
	}

	reachable := map[string]bool{schema.MainWorkflow: true}
	bfs := []string{schema.MainWorkflow}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}
	for i, wf := range task.Workflows {
		if !reachable[wf.Name] {
			result.AddWarning(fmt.Sprintf("workflows[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("workflow %q is never yielded to from main", wf.Name))
		}
	}
	return result
}
