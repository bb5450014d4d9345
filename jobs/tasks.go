package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/courier-ops/courier/internal/dispatch"
	jobmetrics "github.com/courier-ops/courier/internal/jobs"
	"github.com/courier-ops/courier/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecurrenceTick runs one scheduler pass.
	TaskRecurrenceTick = "recurrence:tick"
	// TaskDispatchResume re-dispatches frontiers of unfinished executions.
	TaskDispatchResume = "dispatch:resume"
	// TaskAgentEnvelope carries one encrypted envelope to an agent.
	TaskAgentEnvelope = "agent:envelope"

	agentQueuePrefix = "agent:"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AgentQueue names the queue an agent consumes its envelopes from.
func AgentQueue(agent shared.AgentID) string {
	return agentQueuePrefix + agent.String()
}

// DispatchResumePayload bounds how far back the resume sweep looks.
type DispatchResumePayload struct {
	Window string `json:"window"`
}

// NewRecurrenceTickTask creates the scheduler tick. The task is unique for
// uniqueFor so a slow tick is never stacked behind another.
func NewRecurrenceTickTask(uniqueFor time.Duration) *asynq.Task {
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(0)}
	if uniqueFor > 0 {
		opts = append(opts, asynq.Unique(uniqueFor))
	}
	return asynq.NewTask(TaskRecurrenceTick, nil, opts...)
}

// NewDispatchResumeTask creates the resume sweep over executions started within window.
func NewDispatchResumeTask(window time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(DispatchResumePayload{Window: window.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDispatchResume, body, asynq.Queue(QueueDefault)), nil
}

// NewAgentEnvelopeTask wraps env for its recipient's queue. The task ID is the
// envelope ID so enqueueing the same envelope twice delivers it once.
func NewAgentEnvelopeTask(env dispatch.Envelope, retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(AgentQueue(env.Recipient)),
		asynq.TaskID(env.ID.String()),
	}
	if retention > 0 {
		opts = append(opts, asynq.Retention(retention))
	}
	return asynq.NewTask(TaskAgentEnvelope, body, opts...), nil
}

// DecodeEnvelope is used by agents to read an envelope task.
func DecodeEnvelope(task *asynq.Task) (dispatch.Envelope, error) {
	var env dispatch.Envelope
	if task.Type() != TaskAgentEnvelope {
		return env, fmt.Errorf("jobs: unexpected task type %q", task.Type())
	}
	if err := json.Unmarshal(task.Payload(), &env); err != nil {
		return env, fmt.Errorf("%w: %v", dispatch.ErrMalformedEnvelope, err)
	}
	return env, nil
}
