package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ActionKind names an action variant.
type ActionKind string

// Action kinds.
const (
	KindTask         ActionKind = "task"
	KindApproval     ActionKind = "approval"
	KindNotification ActionKind = "notification"
	KindAPICall      ActionKind = "api_call"
	KindScript       ActionKind = "script"
	KindGateway      ActionKind = "gateway"
	KindSubprocess   ActionKind = "subprocess"
)

// IsHuman reports whether steps of this kind park the instance until an
// external actor completes them.
func (k ActionKind) IsHuman() bool {
	return k == KindTask || k == KindApproval
}

// Action is the closed set of step action variants. Only the types in this
// file implement it.
type Action interface {
	Kind() ActionKind
	isAction()
}

// TaskAction is a generic human task.
type TaskAction struct {
	Form         string   `yaml:"form"         json:"form,omitempty"`
	Instructions string   `yaml:"instructions" json:"instructions,omitempty"`
	Verbs        []string `yaml:"verbs"        json:"verbs,omitempty"`
}

// ApprovalAction is a human decision. "approve" follows on_success and
// "reject" follows on_failure.
type ApprovalAction struct {
	Instructions string `yaml:"instructions" json:"instructions,omitempty"`
	// ResultVariable receives the decision verb when set.
	ResultVariable string `yaml:"result_variable" json:"result_variable,omitempty"`
}

// NotificationAction sends a rendered message through a notifier.
type NotificationAction struct {
	Channel    string   `yaml:"channel"    json:"channel"`
	Recipients []string `yaml:"recipients" json:"recipients,omitempty"`
	Subject    string   `yaml:"subject"    json:"subject,omitempty"`
	Template   string   `yaml:"template"   json:"template"`
}

// APICallAction performs an outbound HTTP call.
type APICallAction struct {
	Method  string            `yaml:"method"  json:"method"`
	URL     string            `yaml:"url"     json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	// Body maps request body fields to expressions over instance variables.
	Body           map[string]string `yaml:"body"            json:"body,omitempty"`
	ResultVariable string            `yaml:"result_variable" json:"result_variable,omitempty"`
	Timeout        string            `yaml:"timeout"         json:"timeout,omitempty"`
}

// Assignment sets a variable to the value of an expression.
type Assignment struct {
	Variable   string `yaml:"variable"   json:"variable"`
	Expression string `yaml:"expression" json:"expression"`
}

// ScriptAction evaluates ordered assignments and optionally runs a named
// handler registered with the engine.
type ScriptAction struct {
	Set     []Assignment `yaml:"set"     json:"set,omitempty"`
	Handler string       `yaml:"handler" json:"handler,omitempty"`
}

// GatewayMode selects how a gateway picks successors.
type GatewayMode string

// Gateway modes.
const (
	GatewayExclusive GatewayMode = "exclusive"
	GatewayInclusive GatewayMode = "inclusive"
	GatewayParallel  GatewayMode = "parallel"
	GatewayJoin      GatewayMode = "join"
)

// Branch is one conditional outgoing path of a gateway.
type Branch struct {
	Condition string `yaml:"condition" json:"condition,omitempty"`
	Next      string `yaml:"next"      json:"next"`
}

// GatewayAction routes control flow. Branches are evaluated in declaration
// order.
type GatewayAction struct {
	Mode     GatewayMode `yaml:"mode"     json:"mode"`
	Branches []Branch    `yaml:"branches" json:"branches,omitempty"`
	Default  string      `yaml:"default"  json:"default,omitempty"`
}

// SubprocessAction starts a child instance of another definition.
type SubprocessAction struct {
	Definition string `yaml:"definition" json:"definition"`
	Version    int    `yaml:"version"    json:"version,omitempty"`
	// Variables maps child variable names to expressions over the parent.
	Variables map[string]string `yaml:"variables" json:"variables,omitempty"`
	// Wait parks the parent until the child terminates.
	Wait           bool   `yaml:"wait"            json:"wait,omitempty"`
	ResultVariable string `yaml:"result_variable" json:"result_variable,omitempty"`
}

func (*TaskAction) Kind() ActionKind         { return KindTask }
func (*ApprovalAction) Kind() ActionKind     { return KindApproval }
func (*NotificationAction) Kind() ActionKind { return KindNotification }
func (*APICallAction) Kind() ActionKind      { return KindAPICall }
func (*ScriptAction) Kind() ActionKind       { return KindScript }
func (*GatewayAction) Kind() ActionKind      { return KindGateway }
func (*SubprocessAction) Kind() ActionKind   { return KindSubprocess }

func (*TaskAction) isAction()         {}
func (*ApprovalAction) isAction()     {}
func (*NotificationAction) isAction() {}
func (*APICallAction) isAction()      {}
func (*ScriptAction) isAction()       {}
func (*GatewayAction) isAction()      {}
func (*SubprocessAction) isAction()   {}

func newAction(kind ActionKind) (Action, error) {
	switch kind {
	case KindTask:
		return &TaskAction{}, nil
	case KindApproval:
		return &ApprovalAction{}, nil
	case KindNotification:
		return &NotificationAction{}, nil
	case KindAPICall:
		return &APICallAction{}, nil
	case KindScript:
		return &ScriptAction{}, nil
	case KindGateway:
		return &GatewayAction{}, nil
	case KindSubprocess:
		return &SubprocessAction{}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
}

// ActionSpec wraps an Action so it can be decoded from a flat document keyed
// by a "kind" discriminator.
type ActionSpec struct {
	Action Action
}

type kindHeader struct {
	Kind ActionKind `yaml:"kind" json:"kind"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ActionSpec) UnmarshalYAML(node *yaml.Node) error {
	var h kindHeader
	if err := node.Decode(&h); err != nil {
		return err
	}
	a, err := newAction(h.Kind)
	if err != nil {
		return err
	}
	if err := node.Decode(a); err != nil {
		return fmt.Errorf("decode %s action: %w", h.Kind, err)
	}
	s.Action = a
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s ActionSpec) MarshalYAML() (any, error) {
	if s.Action == nil {
		return nil, nil
	}
	var body yaml.Node
	if err := body.Encode(s.Action); err != nil {
		return nil, err
	}
	kind := []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "kind"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(s.Action.Kind())},
	}
	body.Content = append(kind, body.Content...)
	return &body, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ActionSpec) UnmarshalJSON(data []byte) error {
	var h kindHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	a, err := newAction(h.Kind)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, a); err != nil {
		return fmt.Errorf("decode %s action: %w", h.Kind, err)
	}
	s.Action = a
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s ActionSpec) MarshalJSON() ([]byte, error) {
	if s.Action == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(s.Action)
	if err != nil {
		return nil, err
	}
	head := fmt.Sprintf(`{"kind":%q`, s.Action.Kind())
	if len(body) <= 2 {
		return []byte(head + "}"), nil
	}
	return append([]byte(head+","), body[1:]...), nil
}
