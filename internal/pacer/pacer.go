// Package pacer spaces out update emission either at a fixed rate or by
// replaying the gaps between recorded timestamps.
package pacer

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/route-beacon/bgp-update-gen/internal/metrics"
)

// DefaultMinDelay is the replay floor used when Policy.MinDelay is zero.
const DefaultMinDelay = 10 * time.Millisecond

// Policy selects the pacing mode. A positive Rate paces at Rate updates per
// second; otherwise delays follow the update timestamps, never shorter than
// MinDelay.
type Policy struct {
	Rate     float64
	MinDelay time.Duration
}

// Pacer computes and waits out the delay before each emission. The first
// emission is never delayed. Waits are not drift-compensated.
type Pacer struct {
	policy  Policy
	clock   clockwork.Clock
	prev    time.Time
	started bool
}

func New(policy Policy, clock clockwork.Clock) *Pacer {
	if policy.MinDelay <= 0 {
		policy.MinDelay = DefaultMinDelay
	}
	return &Pacer{policy: policy, clock: clock}
}

// Delay returns the wait before emitting an update stamped ts and records ts
// as the previous timestamp.
func (p *Pacer) Delay(ts time.Time) time.Duration {
	if !p.started {
		p.started = true
		p.prev = ts
		return 0
	}

	if p.policy.Rate > 0 {
		return time.Duration(float64(time.Second) / p.policy.Rate)
	}

	d := ts.Sub(p.prev)
	p.prev = ts
	if ts.IsZero() || d < p.policy.MinDelay {
		return p.policy.MinDelay
	}
	return d
}

// Wait blocks for Delay(ts). It returns early with ctx's error if ctx is
// done first.
func (p *Pacer) Wait(ctx context.Context, ts time.Time) error {
	d := p.Delay(ts)
	metrics.PacingDelay.Observe(d.Seconds())

	if d <= 0 {
		return ctx.Err()
	}

	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
