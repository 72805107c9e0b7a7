package bgp

import (
	"errors"
	"net/netip"
)

// BGP path attribute type codes.
const (
	AttrTypeOrigin          uint8 = 1
	AttrTypeASPath          uint8 = 2
	AttrTypeNextHop         uint8 = 3
	AttrTypeMED             uint8 = 4
	AttrTypeLocalPref       uint8 = 5
	AttrTypeAtomicAggregate uint8 = 6
	AttrTypeAggregator      uint8 = 7
	AttrTypeCommunity       uint8 = 8
	AttrTypeOriginatorID    uint8 = 9
	AttrTypeClusterList     uint8 = 10
	AttrTypeMPReachNLRI     uint8 = 14
	AttrTypeMPUnreachNLRI   uint8 = 15
)

// Path attribute flags.
const (
	AttrFlagOptional   uint8 = 0x80
	AttrFlagTransitive uint8 = 0x40
	AttrFlagPartial    uint8 = 0x20
	AttrFlagExtLength  uint8 = 0x10
)

// AFI codes.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// AS_PATH segment types.
const (
	ASPathSegmentSet            uint8 = 1
	ASPathSegmentSequence       uint8 = 2
	ASPathSegmentConfedSequence uint8 = 3
	ASPathSegmentConfedSet      uint8 = 4
)

// Origin values.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

var OriginValues = map[uint8]string{
	OriginIGP:        "IGP",
	OriginEGP:        "EGP",
	OriginIncomplete: "INCOMPLETE",
}

// BGP message types.
const (
	BGPMsgTypeOpen         uint8 = 1
	BGPMsgTypeUpdate       uint8 = 2
	BGPMsgTypeNotification uint8 = 3
	BGPMsgTypeKeepalive    uint8 = 4
)

// BGP header size: marker(16) + length(2) + type(1) = 19
const (
	BGPMarkerSize = 16
	BGPHeaderSize = 19
)

// ASN encoding widths on the wire.
const (
	ASNSize2 = 2
	ASNSize4 = 4
)

var (
	// ErrSkip marks messages that are well framed but carry nothing to
	// decode: a bad marker or a non-UPDATE type.
	ErrSkip = errors.New("bgp: skipped message")

	// ErrMalformed marks UPDATE bodies whose internal lengths do not add up.
	ErrMalformed = errors.New("bgp: malformed update")
)

// PathAttribute is one raw attribute as it appeared on the wire.
type PathAttribute struct {
	Flags uint8
	Type  uint8
	Value []byte
}

// ASPathSegment is one AS_SET or AS_SEQUENCE with its ASNs in wire order.
type ASPathSegment struct {
	Type uint8
	ASNs []uint32
}

// Update is a decoded BGP UPDATE message.
type Update struct {
	Withdrawn  []netip.Prefix
	Attributes []PathAttribute // wire order, including attributes not decoded below
	NLRI       []netip.Prefix

	Origin      *uint8
	ASPath      []ASPathSegment
	NextHop     netip.Addr
	MED         *uint32
	LocalPref   *uint32
	Communities []uint32

	// Unsupported lists attribute codes that were recognized but whose
	// content is dropped (multiprotocol reachability, aggregator, ...).
	Unsupported []uint8
}
