// Package timer provides durable, keyed timers that survive restarts.
//
// Timers are claimed with a lease: a claimed timer is pushed to
// now+lease and only removed once its handler acknowledges it. A poller
// that dies mid-delivery therefore causes redelivery, never loss, so
// handlers must be idempotent.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/careflow/model"
)

// Claim is a timer handed to a poller together with its lease. Token
// identifies the claim; scheduling the key again or claiming it again
// replaces the stored token, so a stale Ack is a no-op.
type Claim struct {
	Timer      model.Timer
	LeaseUntil time.Time
	Token      string
}

// Store persists timers.
type Store interface {
	// Schedule inserts or replaces the timer with the same key.
	Schedule(ctx context.Context, t model.Timer) error
	Cancel(ctx context.Context, instanceID, key string) error
	CancelInstance(ctx context.Context, instanceID string) error
	// ClaimDue leases up to limit timers due at or before now.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Claim, error)
	// Ack removes a delivered timer unless it was rescheduled or claimed
	// again after the claim.
	Ack(ctx context.Context, c Claim) error
}

// Clock abstracts time for the engine and the timer service.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a ManualClock set to start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}
