// Package update holds the normalized update passed from sources to sinks.
package update

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/route-beacon/bgp-update-gen/internal/bgp"
)

// Origin values as carried in the ORIGIN attribute.
const (
	OriginIGP        = bgp.OriginIGP
	OriginEGP        = bgp.OriginEGP
	OriginIncomplete = bgp.OriginIncomplete
)

// Segment is one AS_PATH segment. Type uses the AS_PATH segment codes
// (1 = AS_SET, 2 = AS_SEQUENCE, 3/4 = confederation variants).
type Segment struct {
	Type uint8
	ASNs []uint32
}

// Attributes are the path attributes a sink needs to rebuild an UPDATE.
// Optional fields are nil or zero when absent.
type Attributes struct {
	NextHop     netip.Addr
	Origin      *uint8
	ASPath      []Segment
	MED         *uint32
	LocalPref   *uint32
	Communities []uint32
}

// Update is one unit of work for a sink: the prefixes to announce with their
// attributes and the prefixes to withdraw.
type Update struct {
	// Timestamp is the original event time for replayed updates; zero for
	// synthesized ones.
	Timestamp time.Time
	Attr      Attributes
	NLRI      []netip.Prefix
	Withdraw  []netip.Prefix
}

// FromBGP converts a decoded UPDATE into the normalized form.
func FromBGP(ts time.Time, u *bgp.Update) *Update {
	out := &Update{
		Timestamp: ts,
		Attr: Attributes{
			NextHop:     u.NextHop,
			Origin:      u.Origin,
			MED:         u.MED,
			LocalPref:   u.LocalPref,
			Communities: u.Communities,
		},
		NLRI:     u.NLRI,
		Withdraw: u.Withdrawn,
	}
	for _, seg := range u.ASPath {
		out.Attr.ASPath = append(out.Attr.ASPath, Segment{Type: seg.Type, ASNs: seg.ASNs})
	}
	return out
}

// IsEmpty reports whether the update neither announces nor withdraws anything.
func (u *Update) IsEmpty() bool {
	return len(u.NLRI) == 0 && len(u.Withdraw) == 0
}

// ASSequence flattens the AS_PATH into one ASN list in path order. Sinks that
// can only express a single sequence use it.
func (a Attributes) ASSequence() []uint32 {
	var out []uint32
	for _, seg := range a.ASPath {
		out = append(out, seg.ASNs...)
	}
	return out
}

// OriginName returns the lower-case origin keyword ("igp", "egp",
// "incomplete"), or "" when the origin is unset or unknown.
func (a Attributes) OriginName() string {
	if a.Origin == nil {
		return ""
	}
	switch *a.Origin {
	case OriginIGP:
		return "igp"
	case OriginEGP:
		return "egp"
	case OriginIncomplete:
		return "incomplete"
	}
	return ""
}

func segmentKey(t uint8) string {
	switch t {
	case bgp.ASPathSegmentSet:
		return "as-set"
	case bgp.ASPathSegmentSequence:
		return "as-seq"
	case bgp.ASPathSegmentConfedSequence:
		return "as-confed-seq"
	case bgp.ASPathSegmentConfedSet:
		return "as-confed-set"
	}
	return fmt.Sprintf("as-type-%d", t)
}

func segmentType(key string) (uint8, error) {
	switch key {
	case "as-set":
		return bgp.ASPathSegmentSet, nil
	case "as-seq":
		return bgp.ASPathSegmentSequence, nil
	case "as-confed-seq":
		return bgp.ASPathSegmentConfedSequence, nil
	case "as-confed-set":
		return bgp.ASPathSegmentConfedSet, nil
	}
	var t uint8
	if _, err := fmt.Sscanf(key, "as-type-%d", &t); err != nil {
		return 0, fmt.Errorf("update: unknown as_path segment %q", key)
	}
	return t, nil
}

type jsonAttributes struct {
	NextHop     string          `json:"nexthop,omitempty"`
	Origin      *uint8          `json:"origin,omitempty"`
	ASPath      json.RawMessage `json:"as_path,omitempty"`
	LocalPref   *uint32         `json:"local_pref,omitempty"`
	MED         *uint32         `json:"med,omitempty"`
	Communities []uint32        `json:"community,omitempty"`
}

type jsonUpdate struct {
	Timestamp string         `json:"timestamp,omitempty"`
	Attr      jsonAttributes `json:"attr"`
	NLRI      []string       `json:"nlri"`
	Withdraw  []string       `json:"withdraw"`
}

// MarshalJSON renders the update in the normalized wire shape. A single
// AS_PATH segment becomes one object ({"as-seq": [...]}); several segments
// become an ordered array of such objects.
func (u *Update) MarshalJSON() ([]byte, error) {
	out := jsonUpdate{
		Attr: jsonAttributes{
			Origin:      u.Attr.Origin,
			LocalPref:   u.Attr.LocalPref,
			MED:         u.Attr.MED,
			Communities: u.Attr.Communities,
		},
		NLRI:     prefixStrings(u.NLRI),
		Withdraw: prefixStrings(u.Withdraw),
	}
	if !u.Timestamp.IsZero() {
		out.Timestamp = u.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if u.Attr.NextHop.IsValid() {
		out.Attr.NextHop = u.Attr.NextHop.String()
	}

	if len(u.Attr.ASPath) > 0 {
		segs := make([]map[string][]uint32, len(u.Attr.ASPath))
		for i, seg := range u.Attr.ASPath {
			asns := seg.ASNs
			if asns == nil {
				asns = []uint32{}
			}
			segs[i] = map[string][]uint32{segmentKey(seg.Type): asns}
		}
		var (
			raw []byte
			err error
		)
		if len(segs) == 1 {
			raw, err = json.Marshal(segs[0])
		} else {
			raw, err = json.Marshal(segs)
		}
		if err != nil {
			return nil, fmt.Errorf("update: marshal as_path: %w", err)
		}
		out.Attr.ASPath = raw
	}

	return json.Marshal(out)
}

// UnmarshalJSON accepts the shape produced by MarshalJSON.
func (u *Update) UnmarshalJSON(data []byte) error {
	var in jsonUpdate
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*u = Update{
		Attr: Attributes{
			Origin:      in.Attr.Origin,
			LocalPref:   in.Attr.LocalPref,
			MED:         in.Attr.MED,
			Communities: in.Attr.Communities,
		},
	}

	if in.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, in.Timestamp)
		if err != nil {
			return fmt.Errorf("update: timestamp: %w", err)
		}
		u.Timestamp = ts
	}
	if in.Attr.NextHop != "" {
		nh, err := netip.ParseAddr(in.Attr.NextHop)
		if err != nil {
			return fmt.Errorf("update: nexthop: %w", err)
		}
		u.Attr.NextHop = nh
	}

	var err error
	if u.NLRI, err = parsePrefixes(in.NLRI); err != nil {
		return fmt.Errorf("update: nlri: %w", err)
	}
	if u.Withdraw, err = parsePrefixes(in.Withdraw); err != nil {
		return fmt.Errorf("update: withdraw: %w", err)
	}

	if len(in.Attr.ASPath) == 0 {
		return nil
	}
	var segs []map[string][]uint32
	if in.Attr.ASPath[0] == '[' {
		err = json.Unmarshal(in.Attr.ASPath, &segs)
	} else {
		var one map[string][]uint32
		err = json.Unmarshal(in.Attr.ASPath, &one)
		segs = append(segs, one)
	}
	if err != nil {
		return fmt.Errorf("update: as_path: %w", err)
	}
	for _, m := range segs {
		if len(m) != 1 {
			return fmt.Errorf("update: as_path segment must have exactly one key, got %d", len(m))
		}
		for key, asns := range m {
			t, err := segmentType(key)
			if err != nil {
				return err
			}
			u.Attr.ASPath = append(u.Attr.ASPath, Segment{Type: t, ASNs: asns})
		}
	}
	return nil
}

func prefixStrings(ps []netip.Prefix) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

func parsePrefixes(ss []string) ([]netip.Prefix, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make([]netip.Prefix, len(ss))
	for i, s := range ss {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
