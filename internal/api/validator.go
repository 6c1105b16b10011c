package api

import (
	"fmt"
	"regexp"
)

var taskIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// SeedPayload is the body of POST /workflows.
type SeedPayload struct {
	WorkflowID string              `json:"workflowId"`
	Addresses  map[string]string   `json:"addresses"`
	DependsOn  map[string][]string `json:"dependsOn"`
}

// Validate checks the structural preconditions a seed request must meet
// before a graph is ever handed to the topological sort: task
// IDs are well-formed, every task has a target address, and every
// dependency names a task that exists. Cycle detection happens later,
// in the orchestrator, since it needs the full adjacency to run Kahn's
// algorithm.
func (p SeedPayload) Validate() error {
	if p.WorkflowID == "" {
		return fmt.Errorf("workflowId is required")
	}
	if len(p.Addresses) == 0 {
		return fmt.Errorf("addresses must name at least one task")
	}
	for taskID, addr := range p.Addresses {
		if !taskIDPattern.MatchString(taskID) {
			return fmt.Errorf("task id %q: must match %s", taskID, taskIDPattern.String())
		}
		if addr == "" {
			return fmt.Errorf("task %q: targetAddress is required", taskID)
		}
	}
	for taskID, deps := range p.DependsOn {
		if _, ok := p.Addresses[taskID]; !ok {
			return fmt.Errorf("dependsOn references unknown task %q", taskID)
		}
		for _, dep := range deps {
			if _, ok := p.Addresses[dep]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q", taskID, dep)
			}
		}
	}
	return nil
}
