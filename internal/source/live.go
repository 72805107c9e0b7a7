package source

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/bgp"
	"github.com/route-beacon/bgp-update-gen/internal/bmp"
	"github.com/route-beacon/bgp-update-gen/internal/metrics"
	"github.com/route-beacon/bgp-update-gen/internal/update"
)

// RecordPoller is the part of the Kafka consumer the live source uses.
type RecordPoller interface {
	Poll(ctx context.Context) ([]*kgo.Record, error)
	Commit(ctx context.Context, recs []*kgo.Record)
	Close()
}

// LiveSource turns raw OpenBMP frames from a collector feed into updates.
// Only Route Monitoring messages from IPv4 peers are used.
type LiveSource struct {
	poller          RecordPoller
	maxPayloadBytes int
	nexthops        nexthopPool
	logger          *zap.Logger

	pending []*update.Update
	// batch holds the records behind pending; it is committed once pending
	// drains.
	batch []*kgo.Record
}

func NewLive(poller RecordPoller, maxPayloadBytes int, nexthops []netip.Addr, rng *rand.Rand, logger *zap.Logger) *LiveSource {
	return &LiveSource{
		poller:          poller,
		maxPayloadBytes: maxPayloadBytes,
		nexthops:        nexthopPool{addrs: nexthops, rng: rng},
		logger:          logger,
	}
}

// Next blocks until the feed yields an update or ctx is done. A closed
// consumer exhausts the source.
func (s *LiveSource) Next(ctx context.Context) (*update.Update, error) {
	for len(s.pending) == 0 {
		if len(s.batch) > 0 {
			s.poller.Commit(ctx, s.batch)
			s.batch = nil
		}

		recs, err := s.poller.Poll(ctx)
		if err != nil {
			if errors.Is(err, kgo.ErrClientClosed) {
				return nil, ErrExhausted
			}
			return nil, err
		}
		for _, rec := range recs {
			s.pending = append(s.pending, s.decodeRecord(rec)...)
		}
		s.batch = recs
	}

	u := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return u, nil
}

func (s *LiveSource) Close() error {
	s.poller.Close()
	return nil
}

func (s *LiveSource) decodeRecord(rec *kgo.Record) []*update.Update {
	frame, err := bmp.DecodeOpenBMPFrame(rec.Value, s.maxPayloadBytes)
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues("openbmp", "frame").Inc()
		s.logger.Warn("failed to decode OpenBMP frame",
			zap.String("topic", rec.Topic),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return nil
	}

	msgs, err := bmp.ParseAll(frame.BMPBytes)
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues("bmp", "parse").Inc()
		s.logger.Warn("failed to parse BMP payload",
			zap.String("topic", rec.Topic),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return nil
	}

	var out []*update.Update
	for _, msg := range msgs {
		if msg.MsgType != bmp.MsgTypeRouteMonitoring {
			metrics.KafkaMessagesTotal.WithLabelValues(rec.Topic, "ignored").Inc()
			continue
		}
		if msg.IsIPv6Peer() {
			metrics.RecordsSkippedTotal.WithLabelValues("afi").Inc()
			continue
		}

		decoded, err := bgp.Decode(msg.BGPData, msg.ASNSize())
		if err != nil {
			if errors.Is(err, bgp.ErrSkip) {
				metrics.RecordsSkippedTotal.WithLabelValues("bgp_not_update").Inc()
			} else {
				metrics.DecodeErrorsTotal.WithLabelValues("bgp", "malformed").Inc()
				s.logger.Warn("skipping malformed BGP UPDATE",
					zap.String("peer", msg.PeerAddr.String()),
					zap.String("router", frame.RouterIP.String()),
					zap.Error(err),
				)
			}
			continue
		}

		if decoded.IsEndOfRIB() {
			metrics.RecordsSkippedTotal.WithLabelValues("end_of_rib").Inc()
			continue
		}

		u := update.FromBGP(msg.Timestamp, decoded)
		if u.IsEmpty() {
			metrics.RecordsSkippedTotal.WithLabelValues("empty_update").Inc()
			continue
		}
		s.nexthops.rewrite(u)
		metrics.KafkaMessagesTotal.WithLabelValues(rec.Topic, "update").Inc()
		out = append(out, u)
	}
	return out
}
