package timer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/careflow/model"
)

// Handler receives fired timer payloads. A nil error acknowledges the timer.
type Handler func(ctx context.Context, payload model.TimerPayload) error

// Options tunes a Service.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

// Service schedules timers and delivers them to a Handler when due.
type Service struct {
	store   Store
	clock   Clock
	opts    Options
	logger  *zap.Logger
	handler Handler
}

// NewService creates a Service. The handler is bound later with SetHandler
// because the engine and the timer service reference each other.
func NewService(store Store, clock Clock, opts Options, logger *zap.Logger) *Service {
	if clock == nil {
		clock = SystemClock
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, clock: clock, opts: opts, logger: logger}
}

// SetHandler binds the delivery handler.
func (s *Service) SetHandler(h Handler) {
	s.handler = h
}

// ScheduleAt schedules payload to fire at at, replacing any timer with the
// same key.
func (s *Service) ScheduleAt(ctx context.Context, payload model.TimerPayload, at time.Time) error {
	return s.store.Schedule(ctx, model.Timer{
		Key:     payload.Key(),
		FireAt:  at.UTC(),
		Payload: payload,
	})
}

// ScheduleAfter schedules payload to fire d from now.
func (s *Service) ScheduleAfter(ctx context.Context, payload model.TimerPayload, d time.Duration) error {
	return s.ScheduleAt(ctx, payload, s.clock.Now().Add(d))
}

// Cancel removes the timer for payload's key. Cancelling a timer that does
// not exist is not an error.
func (s *Service) Cancel(ctx context.Context, payload model.TimerPayload) error {
	return s.store.Cancel(ctx, payload.InstanceID, payload.Key())
}

// CancelInstance removes every timer owned by an instance.
func (s *Service) CancelInstance(ctx context.Context, instanceID string) error {
	return s.store.CancelInstance(ctx, instanceID)
}

// Poll delivers one batch of due timers and returns how many were
// acknowledged.
func (s *Service) Poll(ctx context.Context) (int, error) {
	if s.handler == nil {
		return 0, errors.New("timer: no handler bound")
	}
	claims, err := s.store.ClaimDue(ctx, s.clock.Now(), s.opts.BatchSize, s.opts.Lease)
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, c := range claims {
		if err := s.handler(ctx, c.Timer.Payload); err != nil {
			s.logger.Warn("timer delivery failed, will redeliver after lease",
				zap.String("key", c.Timer.Key),
				zap.Time("lease_until", c.LeaseUntil),
				zap.Error(err),
			)
			continue
		}
		if err := s.store.Ack(ctx, c); err != nil {
			s.logger.Warn("timer ack failed",
				zap.String("key", c.Timer.Key),
				zap.Error(err),
			)
			continue
		}
		acked++
	}
	return acked, nil
}

// Run polls until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.logger.Info("timer service started",
		zap.Duration("poll_interval", s.opts.PollInterval),
		zap.Int("batch_size", s.opts.BatchSize),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				n, err := s.Poll(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Error("timer poll failed", zap.Error(err))
					}
					break
				}
				if n < s.opts.BatchSize {
					break
				}
			}
		}
	}
}
