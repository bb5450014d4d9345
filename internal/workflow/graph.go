package workflow

import (
	"fmt"
	"iter"
	"slices"

	"github.com/courier-ops/courier/internal/shared"
)

// Authorization is the approved, validated step graph of one workflow together
// with the progress of one execution. GetNextSteps is a pure read over that
// state; progress only moves through MarkDispatched and MarkCompleted.
type Authorization struct {
	workflowID shared.WorkflowID
	order      []shared.StepID
	steps      map[shared.StepID]Step
	progress   Progress
}

// NewAuthorization validates def and returns its graph with empty progress.
// Linear chains, fan-out and fan-in are all accepted; cycles are not.
func NewAuthorization(workflowID shared.WorkflowID, def Definition) (*Authorization, error) {
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("%w: workflow %s has no steps", ErrInvalidDefinition, workflowID)
	}
	steps := make(map[shared.StepID]Step, len(def.Steps))
	order := make([]shared.StepID, 0, len(def.Steps))
	for idx, step := range def.Steps {
		if step.ID == "" {
			return nil, fmt.Errorf("%w: step[%d] has no id", ErrInvalidDefinition, idx)
		}
		if _, dup := steps[step.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step id %s", ErrInvalidDefinition, step.ID)
		}
		if step.RunningEntity.IsZero() {
			return nil, fmt.Errorf("%w: step %s has no running entity", ErrInvalidDefinition, step.ID)
		}
		if step.PackageID.IsZero() {
			return nil, fmt.Errorf("%w: step %s has no package", ErrInvalidDefinition, step.ID)
		}
		step.DependsOn = slices.Clone(step.DependsOn)
		steps[step.ID] = step
		order = append(order, step.ID)
	}
	for _, id := range order {
		for _, dep := range steps[id].DependsOn {
			if _, ok := steps[dep]; !ok {
				return nil, fmt.Errorf("%w: step %s depends on undeclared step %s", ErrInvalidDefinition, id, dep)
			}
			if dep == id {
				return nil, fmt.Errorf("%w: step %s depends on itself", ErrInvalidDefinition, id)
			}
		}
	}
	a := &Authorization{workflowID: workflowID, order: order, steps: steps, progress: Progress{}}
	if cycle := a.findCycle(); cycle != "" {
		return nil, fmt.Errorf("%w: dependency cycle through step %s", ErrInvalidDefinition, cycle)
	}
	return a, nil
}

// WorkflowID returns the owning workflow.
func (a *Authorization) WorkflowID() shared.WorkflowID {
	return a.workflowID
}

// WithProgress returns a copy of the graph carrying p. Unknown step IDs are rejected.
func (a *Authorization) WithProgress(p Progress) (*Authorization, error) {
	for id := range p {
		if _, ok := a.steps[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStep, id)
		}
	}
	return &Authorization{workflowID: a.workflowID, order: a.order, steps: a.steps, progress: p.Clone()}, nil
}

// Progress returns a copy of the current progress.
func (a *Authorization) Progress() Progress {
	return a.progress.Clone()
}

// Step looks a step up by ID.
func (a *Authorization) Step(id shared.StepID) (Step, bool) {
	step, ok := a.steps[id]
	return step, ok
}

// Steps returns every step in declaration order.
func (a *Authorization) Steps() []Step {
	out := make([]Step, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.steps[id])
	}
	return out
}

// Packages lists the distinct packages invoked by the workflow.
func (a *Authorization) Packages() []shared.PackageID {
	seen := make(map[shared.PackageID]struct{}, len(a.order))
	var out []shared.PackageID
	for _, id := range a.order {
		pkg := a.steps[id].PackageID
		if _, ok := seen[pkg]; ok {
			continue
		}
		seen[pkg] = struct{}{}
		out = append(out, pkg)
	}
	return out
}

// GetNextSteps yields the frontier: steps not yet dispatched whose
// predecessors have all completed, in declaration order. The sequence can be
// ranged over any number of times and yields the same steps until progress
// changes.
func (a *Authorization) GetNextSteps() iter.Seq[Step] {
	return func(yield func(Step) bool) {
		for _, id := range a.order {
			if !a.ready(id) {
				continue
			}
			if !yield(a.steps[id]) {
				return
			}
		}
	}
}

// NextSteps collects GetNextSteps.
func (a *Authorization) NextSteps() []Step {
	return slices.Collect(a.GetNextSteps())
}

// MarkDispatched records that id's envelope was enqueued. Marking a completed
// step is a no-op.
func (a *Authorization) MarkDispatched(id shared.StepID) error {
	if _, ok := a.steps[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if a.progress[id] == StepCompleted {
		return nil
	}
	a.progress[id] = StepDispatched
	return nil
}

// MarkCompleted records that the agent finished id.
func (a *Authorization) MarkCompleted(id shared.StepID) error {
	if _, ok := a.steps[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if _, seen := a.progress[id]; !seen {
		return fmt.Errorf("%w: %s", ErrStepNotReady, id)
	}
	a.progress[id] = StepCompleted
	return nil
}

// Done reports whether every step completed.
func (a *Authorization) Done() bool {
	for _, id := range a.order {
		if a.progress[id] != StepCompleted {
			return false
		}
	}
	return true
}

func (a *Authorization) ready(id shared.StepID) bool {
	if _, seen := a.progress[id]; seen {
		return false
	}
	for _, dep := range a.steps[id].DependsOn {
		if a.progress[dep] != StepCompleted {
			return false
		}
	}
	return true
}

// findCycle returns a step on a dependency cycle, or "" when the graph is acyclic.
func (a *Authorization) findCycle() shared.StepID {
	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[shared.StepID]int, len(a.steps))
	var visit func(shared.StepID) shared.StepID
	visit = func(id shared.StepID) shared.StepID {
		switch marks[id] {
		case visiting:
			return id
		case visited:
			return ""
		}
		marks[id] = visiting
		for _, dep := range a.steps[id].DependsOn {
			if found := visit(dep); found != "" {
				return found
			}
		}
		marks[id] = visited
		return ""
	}
	for _, id := range a.order {
		if marks[id] == unvisited {
			if found := visit(id); found != "" {
				return found
			}
		}
	}
	return ""
}
