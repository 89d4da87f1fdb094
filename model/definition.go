package model

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// EndStep is the terminal marker usable in any successor reference.
const EndStep = "end"

// Trigger types.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerEvent     = "event"
	TriggerWebhook   = "webhook"
)

// TriggerSubprocess marks a child instance started by a subprocess step.
const TriggerSubprocess = "subprocess"

// Variable types.
const (
	VarString  = "string"
	VarNumber  = "number"
	VarBoolean = "boolean"
	VarObject  = "object"
	VarList    = "list"
)

// Assignee types.
const (
	AssigneeUser    = "user"
	AssigneeRole    = "role"
	AssigneeTeam    = "team"
	AssigneeDynamic = "dynamic"
)

// Escalation action types.
const (
	EscalationNotify   = "notify"
	EscalationReassign = "reassign"
	EscalationEscalate = "escalate"
)

// ProcessDefinition is an immutable, versioned process description. It is
// identified by (ID, Version) and never mutated after publication.
type ProcessDefinition struct {
	ID          string               `yaml:"id"           json:"id"`
	Version     int                  `yaml:"version"      json:"version"`
	Name        string               `yaml:"name"         json:"name"`
	Description string               `yaml:"description"  json:"description,omitempty"`
	Trigger     TriggerDescriptor    `yaml:"trigger"      json:"trigger"`
	InitialStep string               `yaml:"initial_step" json:"initial_step"`
	Steps       []StepDefinition     `yaml:"steps"        json:"steps"`
	Variables   []VariableDefinition `yaml:"variables"    json:"variables,omitempty"`
	Escalations []EscalationRule     `yaml:"escalations"  json:"escalations,omitempty"`
	SLA         *SLADefinition       `yaml:"sla"          json:"sla,omitempty"`

	// Set by the loader / store.
	Checksum    string    `yaml:"-" json:"checksum,omitempty"`
	SourceFile  string    `yaml:"-" json:"-"`
	PublishedAt time.Time `yaml:"-" json:"published_at,omitempty"`
}

// Ref returns the "id@version" reference string of the definition.
func (d ProcessDefinition) Ref() string {
	return fmt.Sprintf("%s@%d", d.ID, d.Version)
}

// Step looks up a step definition by ID.
func (d *ProcessDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// TriggerDescriptor describes what starts instances of a definition.
type TriggerDescriptor struct {
	Type    string `yaml:"type"    json:"type"`
	Event   string `yaml:"event"   json:"event,omitempty"`
	Webhook string `yaml:"webhook" json:"webhook,omitempty"`
}

// StepDefinition describes a single step.
type StepDefinition struct {
	ID        string              `yaml:"id"         json:"id"`
	Name      string              `yaml:"name"       json:"name,omitempty"`
	Action    ActionSpec          `yaml:"action"     json:"action"`
	Assignee  *AssigneeDescriptor `yaml:"assignee"   json:"assignee,omitempty"`
	Timeout   string              `yaml:"timeout"    json:"timeout,omitempty"`
	Retry     *RetryPolicy        `yaml:"retry"      json:"retry,omitempty"`
	OnSuccess string              `yaml:"on_success" json:"on_success,omitempty"`
	OnFailure string              `yaml:"on_failure" json:"on_failure,omitempty"`
	OnTimeout string              `yaml:"on_timeout" json:"on_timeout,omitempty"`
}

// Kind returns the action kind of the step.
func (s *StepDefinition) Kind() ActionKind {
	if s.Action.Action == nil {
		return ""
	}
	return s.Action.Action.Kind()
}

// TimeoutDuration parses the step timeout. Zero means no timeout.
func (s *StepDefinition) TimeoutDuration() time.Duration {
	if s.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// AssigneeDescriptor declares who is responsible for a human-facing step.
type AssigneeDescriptor struct {
	Type       string              `yaml:"type"       json:"type"`
	Value      string              `yaml:"value"      json:"value,omitempty"`
	Expression string              `yaml:"expression" json:"expression,omitempty"`
	Fallback   *AssigneeDescriptor `yaml:"fallback"   json:"fallback,omitempty"`
}

// Retry policy bounds.
const (
	MaxRetryLimit = 100
	MaxRetryDelay = 24 * time.Hour
)

// RetryPolicy controls re-dispatch of failed automated steps.
type RetryPolicy struct {
	MaxRetries         int    `yaml:"max_retries"         json:"max_retries"`
	RetryDelay         string `yaml:"retry_delay"         json:"retry_delay,omitempty"`
	ExponentialBackoff bool   `yaml:"exponential_backoff" json:"exponential_backoff,omitempty"`
}

// Delay returns the wait before the retry following the given number of
// retries already performed. Exponential delays double per retry and stop
// growing at MaxRetryDelay, or at the base delay if that is longer.
func (p *RetryPolicy) Delay(retriesSoFar int) time.Duration {
	base, err := time.ParseDuration(p.RetryDelay)
	if err != nil || base <= 0 {
		return 0
	}
	if !p.ExponentialBackoff {
		return base
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = max(base, MaxRetryDelay)
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < retriesSoFar && d < b.MaxInterval; i++ {
		d = b.NextBackOff()
	}
	return d
}

// VariableDefinition declares an instance variable.
type VariableDefinition struct {
	Name     string `yaml:"name"     json:"name"`
	Type     string `yaml:"type"     json:"type"`
	Default  any    `yaml:"default"  json:"default,omitempty"`
	Required bool   `yaml:"required" json:"required,omitempty"`
}

// EscalationRule is a delayed, conditional action attached to human steps.
// The condition is evaluated when the timer fires, not when it is scheduled.
type EscalationRule struct {
	ID        string           `yaml:"id"        json:"id"`
	Step      string           `yaml:"step"      json:"step,omitempty"`
	Condition string           `yaml:"condition" json:"condition,omitempty"`
	Delay     string           `yaml:"delay"     json:"delay"`
	Action    EscalationAction `yaml:"action"    json:"action"`
}

// Applies reports whether the rule is scoped to the given step.
func (r EscalationRule) Applies(stepID string) bool {
	return r.Step == "" || r.Step == stepID
}

// EscalationAction is what an escalation rule or SLA checkpoint performs.
type EscalationAction struct {
	Type       string              `yaml:"type"       json:"type"`
	Channel    string              `yaml:"channel"    json:"channel,omitempty"`
	Recipients []string            `yaml:"recipients" json:"recipients,omitempty"`
	Message    string              `yaml:"message"    json:"message,omitempty"`
	Assignee   *AssigneeDescriptor `yaml:"assignee"   json:"assignee,omitempty"`
}

// SLADefinition is the completion target of an instance.
type SLADefinition struct {
	Target           string             `yaml:"target"            json:"target"`
	WarningThreshold float64            `yaml:"warning_threshold" json:"warning_threshold"`
	WarningActions   []EscalationAction `yaml:"warning_actions"   json:"warning_actions,omitempty"`
	BreachActions    []EscalationAction `yaml:"breach_actions"    json:"breach_actions,omitempty"`
}

// Clock computes the SLA clock for an instance started at the given time.
func (s *SLADefinition) Clock(start time.Time) (*SLAClock, error) {
	target, err := time.ParseDuration(s.Target)
	if err != nil {
		return nil, fmt.Errorf("sla target %q: %w", s.Target, err)
	}
	warnAfter := time.Duration(float64(target) * s.WarningThreshold / 100)
	return &SLAClock{
		TargetAt:  start.Add(target),
		WarningAt: start.Add(warnAfter),
	}, nil
}
