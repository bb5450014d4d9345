package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/courier-ops/courier/internal/shared"
)

var (
	// ErrUnknownRecipient indicates no public key is registered for the agent.
	ErrUnknownRecipient = errors.New("dispatch: unknown recipient")
	// ErrRecipientRevoked indicates the agent's key was revoked.
	ErrRecipientRevoked = errors.New("dispatch: recipient revoked")
	// ErrMalformedEnvelope is returned when a ciphertext cannot be opened or decoded.
	ErrMalformedEnvelope = errors.New("dispatch: malformed envelope")
)

// Instruction is the plaintext an agent receives for one step.
type Instruction struct {
	ExecutionID shared.ExecutionID `json:"execution_id"`
	WorkflowID  shared.WorkflowID  `json:"workflow_id"`
	StepID      shared.StepID      `json:"step_id"`
	PackageID   shared.PackageID   `json:"package_id"`
	Parameters  map[string]string  `json:"parameters,omitempty"`
	IssuedAt    time.Time          `json:"issued_at"`
}

// Envelope is the unit placed on the transit queue. Only Recipient is
// readable without the recipient's private key.
type Envelope struct {
	ID         uuid.UUID      `json:"id"`
	Recipient  shared.AgentID `json:"recipient"`
	Ciphertext []byte         `json:"ciphertext"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Result reports the outcome of dispatching one step.
type Result struct {
	StepID     shared.StepID
	Recipient  shared.AgentID
	EnvelopeID uuid.UUID
	Attempts   int
	Err        error
}

// OK reports whether the envelope reached the transit queue.
func (r Result) OK() bool {
	return r.Err == nil
}

// Encrypter turns a plaintext into ciphertext readable only by recipient.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte, recipient shared.AgentID) ([]byte, error)
}

// Transit is the durable queue envelopes travel on. Enqueueing an envelope ID
// that is already queued must succeed without a duplicate delivery.
type Transit interface {
	Enqueue(ctx context.Context, env Envelope) error
}

// Permanent reports whether err will fail the same way on every retry.
func Permanent(err error) bool {
	return errors.Is(err, ErrUnknownRecipient) || errors.Is(err, ErrRecipientRevoked)
}
