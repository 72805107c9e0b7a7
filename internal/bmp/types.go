package bmp

import (
	"net/netip"
	"time"
)

// BMP message type codes (RFC 7854).
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
	MsgTypeRouteMirroring   uint8 = 6
)

// BMP peer types.
const (
	PeerTypeGlobal uint8 = 0
	PeerTypeRD     uint8 = 1
	PeerTypeLocal  uint8 = 2
	PeerTypeLocRIB uint8 = 3 // RFC 9069
)

// BMP header sizes.
const (
	CommonHeaderSize  = 6  // version(1) + msg_length(4) + msg_type(1)
	PerPeerHeaderSize = 42 // peer_type(1) + flags(1) + distinguisher(8) + addr(16) + AS(4) + BGPID(4) + ts_sec(4) + ts_usec(4)
)

// Per-peer header flags (RFC 7854 §4.2).
const (
	// PeerFlagIPv6 is the V flag: the peer address is IPv6.
	PeerFlagIPv6 uint8 = 0x80
	// PeerFlagLegacyAS is the A flag: the peer uses 2-byte AS_PATH encoding.
	PeerFlagLegacyAS uint8 = 0x20
)

// BMPVersion is the expected BMP protocol version.
const BMPVersion uint8 = 3

// ParsedBMP represents a parsed BMP message. Per-peer fields are only set
// for Route Monitoring messages.
type ParsedBMP struct {
	MsgType   uint8
	PeerType  uint8
	PeerFlags uint8
	PeerAddr  netip.Addr
	PeerAS    uint32
	PeerBGPID netip.Addr
	Timestamp time.Time
	BGPData   []byte // The encapsulated BGP message bytes
	Offset    int    // Byte offset of this message within the raw payload (set by ParseAll)
}

// IsIPv6Peer reports whether the peering runs over IPv6.
func (p *ParsedBMP) IsIPv6Peer() bool {
	return p.PeerFlags&PeerFlagIPv6 != 0
}

// ASNSize returns the AS number width used in the enclosed UPDATE.
func (p *ParsedBMP) ASNSize() int {
	if p.PeerFlags&PeerFlagLegacyAS != 0 {
		return 2
	}
	return 4
}
