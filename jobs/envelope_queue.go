package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/courier-ops/courier/internal/dispatch"
)

// EnvelopeQueue is the asynq-backed dispatch.Transit.
type EnvelopeQueue struct {
	client    *asynq.Client
	retention time.Duration
}

var _ dispatch.Transit = (*EnvelopeQueue)(nil)

// NewEnvelopeQueue wraps client. Completed envelope tasks are kept for
// retention so a late re-enqueue of the same envelope is still rejected as a
// duplicate.
func NewEnvelopeQueue(client *asynq.Client, retention time.Duration) *EnvelopeQueue {
	return &EnvelopeQueue{client: client, retention: retention}
}

// Enqueue places env on its recipient's queue. An envelope already queued is
// treated as delivered.
func (q *EnvelopeQueue) Enqueue(ctx context.Context, env dispatch.Envelope) error {
	task, err := NewAgentEnvelopeTask(env, q.retention)
	if err != nil {
		return fmt.Errorf("jobs: build envelope task: %w", err)
	}
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("jobs: enqueue envelope %s: %w", env.ID, err)
	}
	return nil
}
