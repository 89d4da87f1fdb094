// Package notify delivers rendered notifications produced by notification
// steps, escalations and SLA checkpoints.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/careflow/internal/dispatch"
)

var errEmptyChannel = errors.New("notification channel is empty")

// Publisher is the part of a NATS connection the notifier uses.
// *nats.Conn implements it.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATS publishes each notification as JSON on "<prefix>.<channel>".
type NATS struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
}

// NewNATS creates a NATS notifier.
func NewNATS(pub Publisher, prefix string, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{pub: pub, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the subject a channel publishes on.
func (n *NATS) Subject(channel string) string {
	if n.prefix == "" {
		return channel
	}
	return n.prefix + "." + channel
}

// Notify implements dispatch.Notifier.
func (n *NATS) Notify(ctx context.Context, note dispatch.Notification) error {
	if note.Channel == "" {
		return errEmptyChannel
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := nats.NewMsg(n.Subject(note.Channel))
	msg.Data = data
	msg.Header.Set("Careflow-Instance", note.InstanceID)
	if note.Reason != "" {
		msg.Header.Set("Careflow-Reason", note.Reason)
	}
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	n.logger.Debug("notification published",
		zap.String("subject", msg.Subject),
		zap.String("instance_id", note.InstanceID),
		zap.Int("recipients", len(note.Recipients)),
	)
	return nil
}

// Log writes notifications to the log instead of delivering them.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Notify implements dispatch.Notifier.
func (l *Log) Notify(_ context.Context, note dispatch.Notification) error {
	if note.Channel == "" {
		return errEmptyChannel
	}
	l.logger.Info("notification",
		zap.String("channel", note.Channel),
		zap.String("instance_id", note.InstanceID),
		zap.String("step_id", note.StepID),
		zap.Strings("recipients", note.Recipients),
		zap.String("subject", note.Subject),
		zap.String("body", note.Body),
		zap.String("reason", note.Reason),
	)
	return nil
}
