package runs

import (
	"errors"
	"time"

	"github.com/courier-ops/courier/internal/shared"
	"github.com/courier-ops/courier/internal/workflow"
)

var (
	// ErrExecutionNotFound indicates the execution does not exist.
	ErrExecutionNotFound = errors.New("runs: execution not found")
	// ErrStepNotDispatched rejects completion of a step that never left the dispatcher.
	ErrStepNotDispatched = errors.New("runs: step not dispatched")
)

// Execution is one run of a workflow. Approvers is the snapshot taken when a
// recurrence fired; on-demand runs carry InvokedBy instead.
type Execution struct {
	ID           shared.ExecutionID
	WorkflowID   shared.WorkflowID
	RecurrenceID *shared.RecurrenceID
	Approvers    []shared.UserID
	InvokedBy    *shared.UserID
	RunStarted   time.Time
	Progress     workflow.Progress
}

// StepOutcome summarises one dispatched step for callers and the API.
type StepOutcome struct {
	StepID     shared.StepID `json:"step_id"`
	Recipient  string        `json:"recipient"`
	EnvelopeID string        `json:"envelope_id,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ResumeReport summarises a ResumePending sweep.
type ResumeReport struct {
	Scanned    int
	Advanced   int
	Dispatched int
	Failed     int
}
