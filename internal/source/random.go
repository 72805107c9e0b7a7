package source

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/bgp"
	"github.com/route-beacon/bgp-update-gen/internal/metrics"
	"github.com/route-beacon/bgp-update-gen/internal/state"
	"github.com/route-beacon/bgp-update-gen/internal/update"
)

// Random update types.
const (
	UpdateAnnounce = "announce"
	UpdateWithdraw = "withdraw"
	UpdateMixed    = "mixed"
)

const (
	maxRandomASPath = 5
	maxRandomASN    = 64999
)

// RandomConfig controls synthesized updates.
type RandomConfig struct {
	UpdateType string
	MaxPrefix  int
	LocalAS    uint32
	// PrefixPool bounds the random /24s. It must be /24 or shorter.
	PrefixPool netip.Prefix
	NextHops   []netip.Addr
}

// RandomSource synthesizes an endless stream of updates.
type RandomSource struct {
	cfg      RandomConfig
	rng      *rand.Rand
	nexthops nexthopPool
	tracker  *state.Tracker
	logger   *zap.Logger
}

func NewRandom(cfg RandomConfig, rng *rand.Rand, logger *zap.Logger) (*RandomSource, error) {
	switch cfg.UpdateType {
	case UpdateAnnounce, UpdateWithdraw, UpdateMixed:
	default:
		return nil, fmt.Errorf("source: unknown update type %q", cfg.UpdateType)
	}
	if cfg.MaxPrefix < 1 {
		return nil, fmt.Errorf("source: max prefix must be >= 1 (got %d)", cfg.MaxPrefix)
	}
	if !cfg.PrefixPool.IsValid() {
		cfg.PrefixPool = netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	}
	if !cfg.PrefixPool.Addr().Is4() || cfg.PrefixPool.Bits() > 24 {
		return nil, fmt.Errorf("source: prefix pool %s must be IPv4 and /24 or shorter", cfg.PrefixPool)
	}
	cfg.PrefixPool = cfg.PrefixPool.Masked()

	s := &RandomSource{
		cfg:      cfg,
		rng:      rng,
		nexthops: nexthopPool{addrs: cfg.NextHops, rng: rng},
		logger:   logger,
	}
	if cfg.UpdateType == UpdateMixed {
		s.tracker = state.NewTracker()
	}
	return s, nil
}

// Next never exhausts; it only fails when ctx is done. In mixed mode the
// update is empty when neither coin lands.
func (s *RandomSource) Next(ctx context.Context) (*update.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u := &update.Update{Attr: s.randomAttributes()}

	switch s.cfg.UpdateType {
	case UpdateAnnounce:
		u.NLRI = s.randomPrefixes()
	case UpdateWithdraw:
		u.Withdraw = s.randomPrefixes()
	case UpdateMixed:
		// Two independent coins: either, both or neither may happen. An
		// update left empty is dropped by the session.
		if s.rng.IntN(2) == 0 && s.tracker.Batches() > 0 {
			u.Withdraw = s.tracker.Withdraw(s.rng.IntN(s.tracker.Batches()))
		}
		if s.rng.IntN(2) == 0 {
			u.NLRI = s.tracker.Announce(s.randomPrefixes())
		}
		metrics.AnnouncedPrefixes.Set(float64(s.tracker.Len()))
	}

	return u, nil
}

// Tracker returns the announce tracker, or nil outside mixed mode.
func (s *RandomSource) Tracker() *state.Tracker {
	return s.tracker
}

func (s *RandomSource) Close() error {
	return nil
}

// randomPrefixes returns 1..MaxPrefix random /24s from the pool.
func (s *RandomSource) randomPrefixes() []netip.Prefix {
	n := 1 + s.rng.IntN(s.cfg.MaxPrefix)
	out := make([]netip.Prefix, n)
	for i := range out {
		out[i] = s.randomPrefix()
	}
	return out
}

func (s *RandomSource) randomPrefix() netip.Prefix {
	base := s.cfg.PrefixPool.Addr().As4()
	hostBits := 24 - s.cfg.PrefixPool.Bits()

	v := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8
	if hostBits > 0 {
		v |= s.rng.Uint32N(1<<hostBits) << 8
	}
	addr := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), 0})
	return netip.PrefixFrom(addr, 24)
}

func (s *RandomSource) randomAttributes() update.Attributes {
	origin := [...]uint8{bgp.OriginIGP, bgp.OriginEGP, bgp.OriginIncomplete}[s.rng.IntN(3)]
	med := s.rng.Uint32N(101)
	localPref := 100 + s.rng.Uint32N(51)

	path := []uint32{s.cfg.LocalAS}
	for range s.rng.IntN(maxRandomASPath + 1) {
		path = append(path, 1+s.rng.Uint32N(maxRandomASN))
	}

	return update.Attributes{
		NextHop:   s.nexthops.pick(),
		Origin:    &origin,
		ASPath:    []update.Segment{{Type: bgp.ASPathSegmentSequence, ASNs: path}},
		MED:       &med,
		LocalPref: &localPref,
	}
}
