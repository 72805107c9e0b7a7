// Package source produces the updates a generation session sends: replayed
// from an MRT file, synthesized at random, or taken from a live BMP feed.
package source

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"

	"github.com/route-beacon/bgp-update-gen/internal/update"
)

// ErrExhausted is returned by Next once a source has nothing more to give.
var ErrExhausted = errors.New("source: exhausted")

// Source yields updates one at a time. Next blocks until an update is
// available, the source is exhausted, or ctx is done. An update may carry
// neither NLRI nor withdrawals; consumers skip those.
type Source interface {
	Next(ctx context.Context) (*update.Update, error)
	Close() error
}

// NewRand returns a generator seeded with seed, or with a random seed when
// seed is zero.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// nexthopPool draws next-hops uniformly from a fixed list.
type nexthopPool struct {
	addrs []netip.Addr
	rng   *rand.Rand
}

// pick returns a random pool member, or the zero Addr for an empty pool.
func (p *nexthopPool) pick() netip.Addr {
	if len(p.addrs) == 0 {
		return netip.Addr{}
	}
	return p.addrs[p.rng.IntN(len(p.addrs))]
}

// rewrite replaces the next-hop of announcing updates when the pool is set.
func (p *nexthopPool) rewrite(u *update.Update) {
	if len(p.addrs) == 0 || len(u.NLRI) == 0 {
		return
	}
	u.Attr.NextHop = p.pick()
}
