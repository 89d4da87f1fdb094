package model

import (
	"fmt"
	"time"
)

// TimerKind names the synthetic event a timer delivers.
type TimerKind string

// Timer kinds.
const (
	TimerTimeout    TimerKind = "timeout"
	TimerRetry      TimerKind = "retry"
	TimerEscalate   TimerKind = "escalate"
	TimerSLAWarning TimerKind = "sla_warning"
	TimerSLABreach  TimerKind = "sla_breach"
)

// TimerPayload is the synthetic event carried by a durable timer.
type TimerPayload struct {
	Kind         TimerKind `json:"kind"`
	InstanceID   string    `json:"instance_id"`
	StepID       string    `json:"step_id,omitempty"`
	StepSeq      int       `json:"step_seq,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	EscalationID string    `json:"escalation_id,omitempty"`
}

// Key returns the deterministic timer key for the payload. Scheduling the
// same logical timer twice overwrites rather than duplicates it.
func (p TimerPayload) Key() string {
	switch p.Kind {
	case TimerSLAWarning, TimerSLABreach:
		return fmt.Sprintf("%s:%s", p.InstanceID, p.Kind)
	case TimerEscalate:
		return fmt.Sprintf("%s:%s:%d:%s", p.InstanceID, p.Kind, p.StepSeq, p.EscalationID)
	default:
		return fmt.Sprintf("%s:%s:%d", p.InstanceID, p.Kind, p.StepSeq)
	}
}

// Timer is a durable scheduled event.
type Timer struct {
	Key     string       `json:"key"`
	FireAt  time.Time    `json:"fire_at"`
	Payload TimerPayload `json:"payload"`
}
