// Package trigger starts instances from external events.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/careflow/internal/workflow"
	"github.com/pitabwire/careflow/model"
)

const defaultStartTimeout = 30 * time.Second

// Starter starts instances. *workflow.Engine implements it.
type Starter interface {
	Start(ctx context.Context, rctx *model.RequestContext, req workflow.StartRequest) (model.Instance, error)
}

// Conn is the part of a NATS connection the subscriber uses.
// *nats.Conn implements it.
type Conn interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Event is the message body that starts an instance.
type Event struct {
	DefinitionID   string         `json:"definition_id"`
	Version        int            `json:"version,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
}

// Reply is sent to the reply subject of request-style events.
type Reply struct {
	InstanceID string               `json:"instance_id,omitempty"`
	Status     string               `json:"status,omitempty"`
	Error      *model.ErrorEnvelope `json:"error,omitempty"`
}

// Options tunes a Subscriber.
type Options struct {
	Subject      string
	Queue        string
	StartTimeout time.Duration
}

// Subscriber starts an instance for every event received on a subject. A
// queue group spreads events across engine replicas.
type Subscriber struct {
	conn    Conn
	starter Starter
	opts    Options
	logger  *zap.Logger

	sub *nats.Subscription
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(conn Conn, starter Starter, opts Options, logger *zap.Logger) *Subscriber {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{conn: conn, starter: starter, opts: opts, logger: logger}
}

// Subscribe attaches the subscription.
func (s *Subscriber) Subscribe() error {
	if s.opts.Subject == "" {
		return errors.New("trigger: subject is empty")
	}
	sub, err := s.conn.QueueSubscribe(s.opts.Subject, s.opts.Queue, s.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.opts.Subject, err)
	}
	s.sub = sub
	s.logger.Info("event trigger subscribed",
		zap.String("subject", s.opts.Subject),
		zap.String("queue", s.opts.Queue),
	)
	return nil
}

// Close drains the subscription.
func (s *Subscriber) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

// Handle processes one message. Malformed events are logged and dropped.
func (s *Subscriber) Handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StartTimeout)
	defer cancel()

	inst, err := s.start(ctx, msg)
	if err != nil {
		s.logger.Warn("event trigger failed",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
	}
	if msg.Reply == "" {
		return
	}

	reply := Reply{InstanceID: inst.ID, Status: string(inst.Status)}
	if err != nil {
		reply = Reply{Error: envelope(err)}
	}
	data, _ := json.Marshal(reply)
	if rerr := msg.Respond(data); rerr != nil {
		s.logger.Warn("event trigger reply failed", zap.String("reply", msg.Reply), zap.Error(rerr))
	}
}

func (s *Subscriber) start(ctx context.Context, msg *nats.Msg) (model.Instance, error) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return model.Instance{}, model.NewBadRequestError(fmt.Sprintf("invalid event: %v", err))
	}
	if ev.DefinitionID == "" {
		return model.Instance{}, model.NewBadRequestError("event has no definition_id")
	}
	if ev.IdempotencyKey == "" && msg.Header != nil {
		ev.IdempotencyKey = msg.Header.Get(nats.MsgIdHdr)
	}

	rctx := &model.RequestContext{ActorID: ev.ActorID}
	inst, err := s.starter.Start(ctx, rctx, workflow.StartRequest{
		DefinitionID: ev.DefinitionID,
		Version:      ev.Version,
		Trigger: model.TriggerContext{
			Type:    model.TriggerEvent,
			Source:  msg.Subject,
			ActorID: rctx.Actor(),
			Payload: ev.Variables,
		},
		IdempotencyKey: ev.IdempotencyKey,
	})
	if err != nil {
		return model.Instance{}, err
	}
	s.logger.Info("instance started from event",
		zap.String("subject", msg.Subject),
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", ev.DefinitionID),
	)
	return inst, nil
}

func envelope(err error) *model.ErrorEnvelope {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}
	return model.NewInternalError()
}
