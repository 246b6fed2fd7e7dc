package engine

import (
	"fmt"

	"showrunner/internal/contract"
	"showrunner/internal/domain"
	"showrunner/internal/playbook"
	"showrunner/internal/signature"
)

// runStep is the engine's mutable view of one recipe step during execution.
// It is owned by the coordinator; workers report outcomes over a channel and
// never touch it directly.
type runStep struct {
	tpl      playbook.StepTemplate
	sig      string
	status   contract.StepStatus
	attempts int
	dupRes   contract.DuplicateResolution
	artifact *domain.ArtifactReference
	reason   string
}

// buildSteps validates the recipe shape and materializes the run state in
// declared recipe order, with each step's idempotency key precomputed from
// the experience id.
func buildSteps(experienceID, playbookID string, recipe playbook.Recipe) ([]*runStep, error) {
	if len(recipe.Steps) == 0 {
		return nil, &InvalidRecipeError{PlaybookID: playbookID, Reason: "recipe has no steps"}
	}

	byID := make(map[string]*runStep, len(recipe.Steps))
	steps := make([]*runStep, 0, len(recipe.Steps))
	for _, tpl := range recipe.Steps {
		if tpl.ID == "" {
			return nil, &InvalidRecipeError{PlaybookID: playbookID, Reason: "step with empty id"}
		}
		if _, dup := byID[tpl.ID]; dup {
			return nil, &InvalidRecipeError{PlaybookID: playbookID, Reason: fmt.Sprintf("duplicate step id %q", tpl.ID)}
		}
		if tpl.ArtifactType == "" {
			return nil, &InvalidRecipeError{PlaybookID: playbookID, Reason: fmt.Sprintf("step %q has no artifact type", tpl.ID)}
		}
		if tpl.Skip {
			if tpl.Required {
				return nil, &InvalidRecipeError{PlaybookID: playbookID, Reason: fmt.Sprintf("skip step %q cannot be required", tpl.ID)}
			}
			if tpl.SkipReason == "" {
				return nil, &InvalidRecipeError{PlaybookID: playbookID, Reason: fmt.Sprintf("skip step %q has no reason", tpl.ID)}
			}
		} else if tpl.Name == "" {
			return nil, &InvalidRecipeError{PlaybookID: playbookID, Reason: fmt.Sprintf("step %q has no artifact name", tpl.ID)}
		}
		rs := &runStep{
			tpl:    tpl,
			status: contract.StepPending,
		}
		if !tpl.Skip {
			rs.sig = signature.Compute(experienceID, tpl.ID, tpl.Inputs)
		}
		byID[tpl.ID] = rs
		steps = append(steps, rs)
	}

	for _, rs := range steps {
		for _, dep := range rs.tpl.DependsOn {
			if dep == rs.tpl.ID {
				return nil, &InvalidRecipeError{PlaybookID: playbookID, Reason: fmt.Sprintf("step %q depends on itself", rs.tpl.ID)}
			}
			if _, ok := byID[dep]; !ok {
				return nil, &InvalidRecipeError{PlaybookID: playbookID, Reason: fmt.Sprintf("step %q depends on unknown step %q", rs.tpl.ID, dep)}
			}
		}
	}
	for _, id := range recipe.PublishGuardrails {
		if _, ok := byID[id]; !ok {
			return nil, &InvalidRecipeError{PlaybookID: playbookID, Reason: fmt.Sprintf("publish guardrail references unknown step %q", id)}
		}
	}

	if err := detectCycle(playbookID, steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// detectCycle runs Kahn's algorithm over the dependency edges. Any node left
// with unresolved dependencies sits on a cycle.
func detectCycle(playbookID string, steps []*runStep) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, rs := range steps {
		indegree[rs.tpl.ID] = len(rs.tpl.DependsOn)
		for _, dep := range rs.tpl.DependsOn {
			dependents[dep] = append(dependents[dep], rs.tpl.ID)
		}
	}

	var queue []string
	for _, rs := range steps {
		if indegree[rs.tpl.ID] == 0 {
			queue = append(queue, rs.tpl.ID)
		}
	}
	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if resolved != len(steps) {
		var cyclic []string
		for _, rs := range steps {
			if indegree[rs.tpl.ID] > 0 {
				cyclic = append(cyclic, rs.tpl.ID)
			}
		}
		return &InvalidRecipeError{PlaybookID: playbookID, Reason: fmt.Sprintf("dependency cycle involving %v", cyclic)}
	}
	return nil
}
