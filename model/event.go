package model

import "time"

// Audit event names.
const (
	EventInstanceStarted   = "instance_started"
	EventStepEntered       = "step_entered"
	EventTaskCreated       = "task_created"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
	EventRetryScheduled    = "step_retry_scheduled"
	EventStepTimeout       = "step_timeout"
	EventEscalated         = "escalated"
	EventSLAWarning        = "sla_warning"
	EventSLABreach         = "sla_breach"
	EventBranchJoined      = "branch_joined"
	EventInstanceCompleted = "instance_completed"
	EventInstanceCancelled = "instance_cancelled"
	EventInstanceError     = "instance_error"
	EventInstanceSuspended = "instance_suspended"
	EventInstanceResumed   = "instance_resumed"
)

// WorkflowEvent records a transition in an instance's audit trail.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id,omitempty"`
	StepSeq    int            `json:"step_seq,omitempty"`
	Event      string         `json:"event"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
