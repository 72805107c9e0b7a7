// Package generator runs a generation session: it pulls updates from a
// source, paces them and hands them to a sink.
package generator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/metrics"
	"github.com/route-beacon/bgp-update-gen/internal/pacer"
	"github.com/route-beacon/bgp-update-gen/internal/sink"
	"github.com/route-beacon/bgp-update-gen/internal/source"
	"github.com/route-beacon/bgp-update-gen/internal/update"
)

// ErrNoPeers ends a session whose sink has no connected peer to send to.
var ErrNoPeers = errors.New("generator: no connected peers")

type Options struct {
	// RunID identifies the run in logs and recorded output. A random UUID is
	// used when empty.
	RunID string
	// Mode labels the source in logs and metrics.
	Mode string
	// SinkName labels send errors.
	SinkName string
	// Count stops the session after this many sent updates; 0 means no
	// limit.
	Count int
	// PeerWaitInterval is the pause between connectivity checks.
	PeerWaitInterval time.Duration
	// PeerWaitTimeout bounds the wait for a first peer; 0 waits forever.
	PeerWaitTimeout time.Duration
	// StatusInterval is the period of the status log line; 0 disables it.
	StatusInterval time.Duration
}

// Stats is a snapshot of session progress.
type Stats struct {
	RunID      string
	Sent       int64
	SendErrors int64
	Elapsed    time.Duration
}

// Session owns one source, one pacer and one sink for the length of a run.
type Session struct {
	opts   Options
	src    source.Source
	pacer  *pacer.Pacer
	sink   sink.Sink
	clock  clockwork.Clock
	logger *zap.Logger

	sent       atomic.Int64
	sendErrors atomic.Int64
	started    time.Time
}

func New(opts Options, src source.Source, p *pacer.Pacer, snk sink.Sink, clock clockwork.Clock, logger *zap.Logger) *Session {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.PeerWaitInterval <= 0 {
		opts.PeerWaitInterval = time.Second
	}
	return &Session{
		opts:   opts,
		src:    src,
		pacer:  p,
		sink:   snk,
		clock:  clock,
		logger: logger.With(zap.String("run_id", opts.RunID)),
	}
}

func (s *Session) RunID() string {
	return s.opts.RunID
}

func (s *Session) Stats() Stats {
	st := Stats{
		RunID:      s.opts.RunID,
		Sent:       s.sent.Load(),
		SendErrors: s.sendErrors.Load(),
	}
	if !s.started.IsZero() {
		st.Elapsed = s.clock.Since(s.started)
	}
	return st
}

// Run waits for the sink to report a peer and then sends updates until the
// count is reached, the source is exhausted or ctx is done. Exhaustion and
// the count limit end the run with a nil error.
func (s *Session) Run(ctx context.Context) error {
	peers, err := s.waitForPeers(ctx)
	if err != nil {
		return err
	}

	s.started = s.clock.Now()
	s.logger.Info("generation started",
		zap.String("mode", s.opts.Mode),
		zap.Int("count", s.opts.Count),
		zap.Strings("peers", peers),
	)

	statusCtx, stopStatus := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if s.opts.StatusInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reportStatus(statusCtx)
		}()
	}
	defer func() {
		stopStatus()
		wg.Wait()
		st := s.Stats()
		s.logger.Info("generation finished",
			zap.Int64("sent", st.Sent),
			zap.Int64("send_errors", st.SendErrors),
			zap.Duration("elapsed", st.Elapsed),
		)
	}()

	for s.opts.Count == 0 || s.sent.Load() < int64(s.opts.Count) {
		u, err := s.src.Next(ctx)
		if err != nil {
			if errors.Is(err, source.ErrExhausted) {
				return nil
			}
			return err
		}
		if u.IsEmpty() {
			metrics.RecordsSkippedTotal.WithLabelValues("empty_update").Inc()
			continue
		}

		if err := s.pacer.Wait(ctx, u.Timestamp); err != nil {
			return err
		}

		if err := s.sink.SendUpdate(ctx, peers, u); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if peers, err = s.handleSendError(ctx, err); err != nil {
				return err
			}
			continue
		}
		s.recordSent(u)
	}
	return nil
}

// waitForPeers polls the sink until it reports at least one peer.
func (s *Session) waitForPeers(ctx context.Context) ([]string, error) {
	start := s.clock.Now()
	for attempt := 1; ; attempt++ {
		peers, err := s.sink.ConnectedPeers(ctx)
		metrics.ConnectedPeers.Set(float64(len(peers)))
		if err == nil && len(peers) > 0 {
			return peers, nil
		}

		if s.opts.PeerWaitTimeout > 0 && s.clock.Since(start) >= s.opts.PeerWaitTimeout {
			if err != nil {
				return nil, fmt.Errorf("%w after %s: %w", ErrNoPeers, s.opts.PeerWaitTimeout, err)
			}
			return nil, fmt.Errorf("%w after %s", ErrNoPeers, s.opts.PeerWaitTimeout)
		}

		if attempt == 1 {
			s.logger.Info("waiting for connected peers", zap.Duration("interval", s.opts.PeerWaitInterval))
		} else {
			s.logger.Debug("still waiting for connected peers", zap.Int("attempt", attempt), zap.Error(err))
		}

		timer := s.clock.NewTimer(s.opts.PeerWaitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.Chan():
		}
	}
}

// handleSendError counts a failed send and re-checks connectivity. It
// returns the peers to continue with, or ErrNoPeers when none are left.
func (s *Session) handleSendError(ctx context.Context, sendErr error) ([]string, error) {
	s.sendErrors.Add(1)
	metrics.SendErrorsTotal.WithLabelValues(s.opts.SinkName).Inc()
	s.logger.Warn("failed to send update", zap.String("sink", s.opts.SinkName), zap.Error(sendErr))

	peers, err := s.sink.ConnectedPeers(ctx)
	metrics.ConnectedPeers.Set(float64(len(peers)))
	if err != nil || len(peers) == 0 {
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoPeers, err)
		}
		return nil, ErrNoPeers
	}
	return peers, nil
}

func (s *Session) recordSent(u *update.Update) {
	s.sent.Add(1)
	metrics.UpdatesSentTotal.WithLabelValues(s.opts.Mode).Inc()
	if n := len(u.NLRI); n > 0 {
		metrics.PrefixesTotal.WithLabelValues("announce").Add(float64(n))
	}
	if n := len(u.Withdraw); n > 0 {
		metrics.PrefixesTotal.WithLabelValues("withdraw").Add(float64(n))
	}
}

func (s *Session) reportStatus(ctx context.Context) {
	ticker := s.clock.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			st := s.Stats()
			rate := 0.0
			if st.Elapsed > 0 {
				rate = float64(st.Sent) / st.Elapsed.Seconds()
			}
			s.logger.Info("generator status",
				zap.Int64("sent", st.Sent),
				zap.Int64("send_errors", st.SendErrors),
				zap.String("mode", s.opts.Mode),
				zap.Duration("elapsed", st.Elapsed),
				zap.Float64("rate", rate),
			)
		}
	}
}
