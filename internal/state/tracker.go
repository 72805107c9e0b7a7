// Package state tracks which prefixes the random generator currently has
// announced, so that withdrawals only name live prefixes.
package state

import "net/netip"

// Tracker records announced prefixes in the batches they were announced in.
// A batch is withdrawn as a unit. It is not safe for concurrent use; the
// generation loop is its only user.
type Tracker struct {
	batches [][]netip.Prefix
	live    map[netip.Prefix]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{live: make(map[netip.Prefix]struct{})}
}

// Announce records a new batch and returns the prefixes that were accepted.
// Prefixes already live, or repeated within the batch, are dropped. An empty
// result records nothing.
func (t *Tracker) Announce(batch []netip.Prefix) []netip.Prefix {
	var accepted []netip.Prefix
	for _, p := range batch {
		if t.Contains(p) {
			continue
		}
		t.live[p] = struct{}{}
		accepted = append(accepted, p)
	}
	if len(accepted) > 0 {
		t.batches = append(t.batches, accepted)
	}
	return accepted
}

// Withdraw removes the batch at index i (0 <= i < Batches()) and returns its
// prefixes.
func (t *Tracker) Withdraw(i int) []netip.Prefix {
	batch := t.batches[i]
	last := len(t.batches) - 1
	t.batches[i] = t.batches[last]
	t.batches[last] = nil
	t.batches = t.batches[:last]

	for _, p := range batch {
		delete(t.live, p)
	}
	return batch
}

// Contains reports whether p is currently announced.
func (t *Tracker) Contains(p netip.Prefix) bool {
	_, ok := t.live[p]
	return ok
}

// Batches returns the number of announced batches still live.
func (t *Tracker) Batches() int {
	return len(t.batches)
}

// Len returns the number of live prefixes.
func (t *Tracker) Len() int {
	return len(t.live)
}
