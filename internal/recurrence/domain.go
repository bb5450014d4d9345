package recurrence

import (
	"errors"
	"time"

	"github.com/courier-ops/courier/internal/shared"
)

var (
	// ErrRecurrenceNotFound indicates the recurrence does not exist.
	ErrRecurrenceNotFound = errors.New("recurrence: not found")
	// ErrInvalidSchedule rejects recurrences without a usable interval or cron spec.
	ErrInvalidSchedule = errors.New("recurrence: invalid schedule")
	// ErrInvalidQuorum rejects negative approver requirements.
	ErrInvalidQuorum = errors.New("recurrence: invalid approver quorum")
)

// Recurrence schedules repeated runs of a workflow once enough users approve.
type Recurrence struct {
	ID                        shared.RecurrenceID
	WorkflowID                shared.WorkflowID
	Approvers                 []shared.UserID
	NumberOfApproversRequired int
	MostRecentRun             *time.Time
	Interval                  time.Duration
	Cron                      string
	CreatedAt                 time.Time
}

// HasQuorum reports whether the current approver set satisfies the requirement.
func (r Recurrence) HasQuorum() bool {
	return len(r.Approvers) >= r.NumberOfApproversRequired
}

// HasApprover reports whether user already approved the next run.
func (r Recurrence) HasApprover(user shared.UserID) bool {
	for _, id := range r.Approvers {
		if id == user {
			return true
		}
	}
	return false
}

// State is the scheduler's view of a recurrence.
type State string

// Recurrence states.
const (
	StateIdle           State = "idle"
	StateQuorumPending  State = "quorum_pending"
	StateDueAndApproved State = "due_and_approved"
	StateFiring         State = "firing"
)

// State derives the recurrence state at now. firing is supplied by the caller
// holding the overlap guard.
func (r Recurrence) State(now time.Time, policy DuePolicy, firing bool) State {
	switch {
	case firing:
		return StateFiring
	case !r.HasQuorum():
		return StateQuorumPending
	case policy.ShouldBeRun(r, now):
		return StateDueAndApproved
	default:
		return StateIdle
	}
}

// NewRecurrence holds the fields accepted by CreateRecurrence.
type NewRecurrence struct {
	WorkflowID        shared.WorkflowID
	ApproversRequired int
	Interval          time.Duration
	Cron              string
}

// TickReport summarises one PerformPeriodicActions pass.
type TickReport struct {
	Considered  int `json:"considered"`
	Eligible    int `json:"eligible"`
	Fired       int `json:"fired"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Dispatched  int `json:"dispatched"`
	StepsFailed int `json:"steps_failed"`
}
