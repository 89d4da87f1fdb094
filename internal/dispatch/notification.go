package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/pitabwire/careflow/model"
)

// Notification is a rendered message handed to the delivery collaborator.
type Notification struct {
	InstanceID string   `json:"instance_id"`
	StepID     string   `json:"step_id,omitempty"`
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body"`
	// Reason names what produced the message: a step, an escalation rule or
	// an SLA checkpoint.
	Reason string `json:"reason,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotificationDispatcher renders a notification step and sends it.
type NotificationDispatcher struct {
	notifier Notifier
}

// NewNotificationDispatcher creates a NotificationDispatcher.
func NewNotificationDispatcher(notifier Notifier) *NotificationDispatcher {
	return &NotificationDispatcher{notifier: notifier}
}

// Dispatch implements Dispatcher.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	a, ok := req.Step.Action.Action.(*model.NotificationAction)
	if !ok {
		return Outcome{}, fmt.Errorf("step %q is not a notification", req.Step.ID)
	}
	subject, err := Render(a.Subject, req.Variables)
	if err != nil {
		return Outcome{}, err
	}
	body, err := Render(a.Template, req.Variables)
	if err != nil {
		return Outcome{}, err
	}

	n := Notification{
		InstanceID: req.InstanceID,
		StepID:     req.Step.ID,
		Channel:    a.Channel,
		Recipients: a.Recipients,
		Subject:    subject,
		Body:       body,
		Reason:     "step",
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		return Outcome{}, fmt.Errorf("notify %s: %w", a.Channel, err)
	}
	return Outcome{Result: map[string]any{
		"channel":    a.Channel,
		"recipients": len(a.Recipients),
	}}, nil
}

var templates sync.Map // string -> *template.Template

// Render executes text as a Go template over vars. Referencing a missing
// variable is an error.
func Render(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	var tmpl *template.Template
	if cached, ok := templates.Load(text); ok {
		tmpl = cached.(*template.Template)
	} else {
		parsed, err := template.New("").Option("missingkey=error").Parse(text)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		templates.Store(text, parsed)
		tmpl = parsed
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return sb.String(), nil
}
