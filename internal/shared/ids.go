package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// PackageID identifies a unit of automation logic an agent can run.
type PackageID uuid.UUID

// UserID identifies a human operator.
type UserID uuid.UUID

// AgentID identifies a remote execution endpoint.
type AgentID uuid.UUID

// WorkflowID identifies an approvable graph of package invocations.
type WorkflowID uuid.UUID

// RecurrenceID identifies a quorum-gated schedule bound to one workflow.
type RecurrenceID uuid.UUID

// ExecutionID identifies one firing of a workflow.
type ExecutionID uuid.UUID

// StepID is unique within a single workflow definition.
type StepID string

func (id PackageID) String() string    { return uuid.UUID(id).String() }
func (id UserID) String() string       { return uuid.UUID(id).String() }
func (id AgentID) String() string      { return uuid.UUID(id).String() }
func (id WorkflowID) String() string   { return uuid.UUID(id).String() }
func (id RecurrenceID) String() string { return uuid.UUID(id).String() }
func (id ExecutionID) String() string  { return uuid.UUID(id).String() }

// IsZero reports whether the identifier was never assigned.
func (id PackageID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

// IsZero reports whether the identifier was never assigned.
func (id UserID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

// IsZero reports whether the identifier was never assigned.
func (id AgentID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id PackageID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id UserID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }
func (id AgentID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }
func (id WorkflowID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id RecurrenceID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id ExecutionID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }

func (id *PackageID) UnmarshalText(b []byte) error    { return unmarshalUUID((*uuid.UUID)(id), b) }
func (id *UserID) UnmarshalText(b []byte) error       { return unmarshalUUID((*uuid.UUID)(id), b) }
func (id *AgentID) UnmarshalText(b []byte) error      { return unmarshalUUID((*uuid.UUID)(id), b) }
func (id *WorkflowID) UnmarshalText(b []byte) error   { return unmarshalUUID((*uuid.UUID)(id), b) }
func (id *RecurrenceID) UnmarshalText(b []byte) error { return unmarshalUUID((*uuid.UUID)(id), b) }
func (id *ExecutionID) UnmarshalText(b []byte) error  { return unmarshalUUID((*uuid.UUID)(id), b) }

func unmarshalUUID(dst *uuid.UUID, b []byte) error {
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return fmt.Errorf("shared: parse id %q: %w", string(b), err)
	}
	*dst = parsed
	return nil
}

// NewPackageID allocates a fresh random identifier.
func NewPackageID() PackageID { return PackageID(uuid.New()) }

// NewUserID allocates a fresh random identifier.
func NewUserID() UserID { return UserID(uuid.New()) }

// NewAgentID allocates a fresh random identifier.
func NewAgentID() AgentID { return AgentID(uuid.New()) }

// NewWorkflowID allocates a fresh random identifier.
func NewWorkflowID() WorkflowID { return WorkflowID(uuid.New()) }

// NewRecurrenceID allocates a fresh random identifier.
func NewRecurrenceID() RecurrenceID { return RecurrenceID(uuid.New()) }

// NewExecutionID allocates a fresh random identifier.
func NewExecutionID() ExecutionID { return ExecutionID(uuid.New()) }

// ParseUserID parses the canonical textual form.
func ParseUserID(s string) (UserID, error) {
	id, err := uuid.Parse(s)
	return UserID(id), err
}

// ParsePackageID parses the canonical textual form.
func ParsePackageID(s string) (PackageID, error) {
	id, err := uuid.Parse(s)
	return PackageID(id), err
}

// ParseAgentID parses the canonical textual form.
func ParseAgentID(s string) (AgentID, error) {
	id, err := uuid.Parse(s)
	return AgentID(id), err
}

// ParseWorkflowID parses the canonical textual form.
func ParseWorkflowID(s string) (WorkflowID, error) {
	id, err := uuid.Parse(s)
	return WorkflowID(id), err
}

// ParseRecurrenceID parses the canonical textual form.
func ParseRecurrenceID(s string) (RecurrenceID, error) {
	id, err := uuid.Parse(s)
	return RecurrenceID(id), err
}

// ParseExecutionID parses the canonical textual form.
func ParseExecutionID(s string) (ExecutionID, error) {
	id, err := uuid.Parse(s)
	return ExecutionID(id), err
}
