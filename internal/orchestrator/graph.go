package orchestrator

import "fmt"

// InvalidGraphError is returned by Seed when the input DAG contains a
// cycle or references a taskId absent from the address mapping.
type InvalidGraphError struct{ Reason string }

func (e InvalidGraphError) Error() string { return "invalid graph: " + e.Reason }

// topoValidate runs Kahn's algorithm over dependsOn and returns the
// computed dependents adjacency, or an InvalidGraphError if the graph
// is cyclic or references an address-less taskId.
func topoValidate(dependsOn map[string][]string, addresses map[string]string) (dependents map[string][]string, err error) {
	dependents = make(map[string][]string, len(dependsOn))
	inDegree := make(map[string]int, len(dependsOn))
	for taskID := range dependsOn {
		if _, ok := addresses[taskID]; !ok {
			return nil, InvalidGraphError{Reason: fmt.Sprintf("task %q has no targetAddress", taskID)}
		}
		if _, ok := dependents[taskID]; !ok {
			dependents[taskID] = nil
		}
	}
	for taskID, parents := range dependsOn {
		inDegree[taskID] = len(parents)
		for _, parent := range parents {
			if _, ok := dependsOn[parent]; !ok {
				return nil, InvalidGraphError{Reason: fmt.Sprintf("task %q depends on unknown task %q", taskID, parent)}
			}
			dependents[parent] = append(dependents[parent], taskID)
		}
	}

	queue := make([]string, 0, len(dependsOn))
	for taskID, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, taskID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range dependents[n] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(dependsOn) {
		return nil, InvalidGraphError{Reason: "cycle detected"}
	}
	return dependents, nil
}
