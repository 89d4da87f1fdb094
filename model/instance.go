package model

import "time"

// InstanceStatus is the overall status of a workflow instance.
type InstanceStatus string

// Instance status constants.
const (
	InstanceActive    InstanceStatus = "active"
	InstanceCompleted InstanceStatus = "completed"
	InstanceCancelled InstanceStatus = "cancelled"
	InstanceSuspended InstanceStatus = "suspended"
	InstanceError     InstanceStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceCancelled || s == InstanceError
}

// StepStatus is the status of a single step instance.
type StepStatus string

// Step status constants.
const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
	StepTimeout    StepStatus = "timeout"
)

// Open reports whether the step instance still awaits an outcome.
func (s StepStatus) Open() bool {
	return s == StepPending || s == StepInProgress
}

// Instance is one triggered execution of a process definition. It is mutated
// only by the instance engine.
type Instance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Status            InstanceStatus `json:"status"`
	Trigger           TriggerContext `json:"trigger"`
	Variables         map[string]any `json:"variables"`
	Pointers          []Pointer      `json:"pointers"`
	Forks             []Fork         `json:"forks,omitempty"`
	Steps             []StepInstance `json:"steps"`
	SLA               *SLAClock      `json:"sla,omitempty"`
	Parent            *ParentRef     `json:"parent,omitempty"`
	Error             *Failure       `json:"error,omitempty"`
	// SuspendReason is set while the instance is suspended.
	SuspendReason  string     `json:"suspend_reason,omitempty"`
	NextSeq        int        `json:"next_seq"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Step returns the step instance with the given sequence number.
func (i *Instance) Step(seq int) *StepInstance {
	for k := range i.Steps {
		if i.Steps[k].Seq == seq {
			return &i.Steps[k]
		}
	}
	return nil
}

// OpenStep returns the open step instance for the given step id, if any.
func (i *Instance) OpenStep(stepID string) *StepInstance {
	for k := range i.Steps {
		if i.Steps[k].StepID == stepID && i.Steps[k].Status.Open() {
			return &i.Steps[k]
		}
	}
	return nil
}

// CurrentSteps returns the step ids the instance's pointers rest on.
func (i *Instance) CurrentSteps() []string {
	out := make([]string, 0, len(i.Pointers))
	for _, p := range i.Pointers {
		out = append(out, p.StepID)
	}
	return out
}

// Clone returns a deep copy safe to hand to callers outside the engine.
func (i Instance) Clone() Instance {
	out := i
	out.Variables = CloneVars(i.Variables)
	out.Trigger.Payload = CloneVars(i.Trigger.Payload)
	out.Pointers = append([]Pointer(nil), i.Pointers...)
	out.Forks = make([]Fork, len(i.Forks))
	for k, f := range i.Forks {
		f.Arrived = append([]string(nil), f.Arrived...)
		out.Forks[k] = f
	}
	out.Steps = make([]StepInstance, len(i.Steps))
	for k, s := range i.Steps {
		s.Escalated = append([]string(nil), s.Escalated...)
		s.Result = CloneVars(s.Result)
		if s.Assignee != nil {
			a := s.Assignee.Clone()
			s.Assignee = &a
		}
		out.Steps[k] = s
	}
	if i.SLA != nil {
		sla := *i.SLA
		out.SLA = &sla
	}
	if i.Parent != nil {
		p := *i.Parent
		out.Parent = &p
	}
	if i.Error != nil {
		e := *i.Error
		out.Error = &e
	}
	return out
}

// CloneVars shallow-copies nested maps and slices of a variable bag.
func CloneVars(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneVars(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	default:
		return v
	}
}

// TriggerContext records what started an instance.
type TriggerContext struct {
	Type    string         `json:"type"`
	Source  string         `json:"source,omitempty"`
	ActorID string         `json:"actor_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Pointer is one active position of control flow in an instance.
type Pointer struct {
	ID      string `json:"id"`
	StepID  string `json:"step_id"`
	StepSeq int    `json:"step_seq"`
	ForkID  string `json:"fork_id,omitempty"`
}

// Fork tracks the branches spawned by one inclusive or parallel gateway
// entry, so that a join gateway can wait for all of them.
type Fork struct {
	ID            string `json:"id"`
	GatewayStepID string `json:"gateway_step_id"`
	ParentForkID  string `json:"parent_fork_id,omitempty"`
	Expected      int    `json:"expected"`
	// Arrived holds the pointer ids waiting at JoinStepID.
	Arrived    []string `json:"arrived,omitempty"`
	JoinStepID string   `json:"join_step_id,omitempty"`
	Terminated int      `json:"terminated"`
}

// Settled reports whether every branch has either arrived at the join or
// ended.
func (f *Fork) Settled() bool {
	return len(f.Arrived)+f.Terminated >= f.Expected
}

// StepInstance is the runtime record of one visit to a step. A step visited
// several times (loops) has one record per visit, told apart by Seq.
type StepInstance struct {
	Seq             int            `json:"seq"`
	StepID          string         `json:"step_id"`
	Kind            ActionKind     `json:"kind"`
	Status          StepStatus     `json:"status"`
	PointerID       string         `json:"pointer_id"`
	Assignee        *ActorSet      `json:"assignee,omitempty"`
	Attempts        int            `json:"attempts"`
	LastError       string         `json:"last_error,omitempty"`
	DueAt           *time.Time     `json:"due_at,omitempty"`
	NextRetryAt     *time.Time     `json:"next_retry_at,omitempty"`
	DispatchedAt    *time.Time     `json:"dispatched_at,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	CompletedBy     string         `json:"completed_by,omitempty"`
	Verb            string         `json:"verb,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Escalated       []string       `json:"escalated,omitempty"`
	ChildInstanceID string         `json:"child_instance_id,omitempty"`
}

// HasEscalated reports whether the escalation rule already fired for this
// step instance.
func (s *StepInstance) HasEscalated(ruleID string) bool {
	for _, id := range s.Escalated {
		if id == ruleID {
			return true
		}
	}
	return false
}

// ActorSet is the resolved assignee of a human step: a single user, or the
// holders of roles or teams.
type ActorSet struct {
	Users []string `json:"users,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Teams []string `json:"teams,omitempty"`
}

// Empty reports whether the set names nobody.
func (a ActorSet) Empty() bool {
	return len(a.Users) == 0 && len(a.Roles) == 0 && len(a.Teams) == 0
}

// Clone returns a copy of the set.
func (a ActorSet) Clone() ActorSet {
	return ActorSet{
		Users: append([]string(nil), a.Users...),
		Roles: append([]string(nil), a.Roles...),
		Teams: append([]string(nil), a.Teams...),
	}
}

// SLAClock is computed once at instance start.
type SLAClock struct {
	TargetAt   time.Time  `json:"target_at"`
	WarningAt  time.Time  `json:"warning_at"`
	Warned     bool       `json:"warned"`
	Breached   bool       `json:"breached"`
	WarnedAt   *time.Time `json:"warned_at,omitempty"`
	BreachedAt *time.Time `json:"breached_at,omitempty"`
}

// ParentRef links a child instance to the subprocess step that started it.
type ParentRef struct {
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
	StepSeq    int    `json:"step_seq"`
	Attempt    int    `json:"attempt"`
}

// Failure describes why an instance entered the error status.
type Failure struct {
	StepID  string `json:"step_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
