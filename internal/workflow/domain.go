package workflow

import (
	"errors"
	"time"

	"github.com/courier-ops/courier/internal/shared"
)

var (
	// ErrWorkflowNotFound indicates the workflow does not exist.
	ErrWorkflowNotFound = errors.New("workflow: not found")
	// ErrInvalidDefinition wraps every structural problem found in a definition.
	ErrInvalidDefinition = errors.New("workflow: invalid definition")
	// ErrUnknownStep is returned when progress names a step outside the graph.
	ErrUnknownStep = errors.New("workflow: unknown step")
	// ErrStepNotReady rejects completion reports for steps that were never dispatched.
	ErrStepNotReady = errors.New("workflow: step not dispatched")
)

// Step is one node of the authorization graph, bound to the agent that runs it.
type Step struct {
	ID            shared.StepID     `json:"id"`
	PackageID     shared.PackageID  `json:"package_id"`
	RunningEntity shared.AgentID    `json:"running_entity"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	DependsOn     []shared.StepID   `json:"depends_on,omitempty"`
}

// Definition is the approved step graph of a workflow.
type Definition struct {
	Steps []Step `json:"steps"`
}

// Workflow is an approvable graph of package invocations across agents.
type Workflow struct {
	ID         shared.WorkflowID
	Name       string
	Definition Definition
	CreatedAt  time.Time
}

// StepState tracks one step within a single execution.
type StepState string

const (
	// StepDispatched means the step's envelope reached the transit queue.
	StepDispatched StepState = "dispatched"
	// StepCompleted means the agent reported the step finished.
	StepCompleted StepState = "completed"
)

// Progress maps step IDs to their execution state. Steps absent from the map
// have not been dispatched.
type Progress map[shared.StepID]StepState

// Clone returns an independent copy.
func (p Progress) Clone() Progress {
	out := make(Progress, len(p))
	for id, state := range p {
		out[id] = state
	}
	return out
}
