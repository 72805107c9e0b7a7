package source

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/bgp"
	"github.com/route-beacon/bgp-update-gen/internal/metrics"
	"github.com/route-beacon/bgp-update-gen/internal/mrt"
	"github.com/route-beacon/bgp-update-gen/internal/update"
)

// MRTSource replays the UPDATEs of an MRT file in file order.
type MRTSource struct {
	reader   *mrt.Reader
	nexthops nexthopPool
	logger   *zap.Logger
}

// NewMRT wraps reader. When nexthops is non-empty every announcing update gets
// a next-hop drawn from it; otherwise the recorded next-hop is kept.
func NewMRT(reader *mrt.Reader, nexthops []netip.Addr, rng *rand.Rand, logger *zap.Logger) *MRTSource {
	return &MRTSource{
		reader:   reader,
		nexthops: nexthopPool{addrs: nexthops, rng: rng},
		logger:   logger,
	}
}

// Next returns the next decodable UPDATE that announces or withdraws at
// least one IPv4 prefix. Records that do not decode are skipped.
func (s *MRTSource) Next(ctx context.Context) (*update.Update, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, ok := s.reader.Next()
		if !ok {
			if err := s.reader.Err(); err != nil {
				s.logger.Warn("MRT stream ended early", zap.Error(err), zap.Int("records", s.reader.Records()))
			} else {
				s.logger.Info("MRT stream exhausted",
					zap.Int("records", s.reader.Records()),
					zap.Any("skipped", s.reader.Skipped()),
				)
			}
			return nil, ErrExhausted
		}

		decoded, err := bgp.Decode(msg.BGP, msg.ASNSize)
		if err != nil {
			if errors.Is(err, bgp.ErrSkip) {
				metrics.RecordsSkippedTotal.WithLabelValues("bgp_not_update").Inc()
			} else {
				metrics.DecodeErrorsTotal.WithLabelValues("bgp", "malformed").Inc()
				s.logger.Warn("skipping malformed BGP UPDATE",
					zap.Uint32("timestamp", msg.Header.Timestamp),
					zap.String("peer", msg.PeerAddr.String()),
					zap.Error(err),
				)
			}
			continue
		}
		if len(decoded.Unsupported) > 0 {
			s.logger.Debug("dropping unsupported attributes",
				zap.Uint32("timestamp", msg.Header.Timestamp),
				zap.Binary("codes", decoded.Unsupported),
			)
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
		return u, nil
	}
}

// Close releases the underlying reader.
func (s *MRTSource) Close() error {
	return s.reader.Close()
}
