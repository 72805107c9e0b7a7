package mrt

import (
	"errors"
	"net/netip"
	"time"
)

// MRT record types (RFC 6396).
const (
	TypeBGP4MP   uint16 = 16
	TypeBGP4MPET uint16 = 17
)

// BGP4MP subtypes.
const (
	SubtypeBGP4MPMessage    uint16 = 1
	SubtypeBGP4MPMessageAS4 uint16 = 4
)

const (
	// HeaderLen is the common header: timestamp(4) type(2) subtype(2) length(4).
	HeaderLen = 12

	// maxRecordLen bounds a single record payload. BGP messages top out at
	// 64 KiB, so anything far above that is a framing error.
	maxRecordLen = 1 << 20
)

var (
	// ErrTruncated is reported by Err when a record payload is shorter than
	// its header declares.
	ErrTruncated = errors.New("mrt: truncated record")

	// ErrRecordTooLarge is reported by Err when a header declares a payload
	// larger than any BGP4MP record can be.
	ErrRecordTooLarge = errors.New("mrt: record too large")
)

// Header is the MRT common header.
type Header struct {
	Timestamp uint32
	Type      uint16
	Subtype   uint16
	Length    uint32
}

// Message is one BGP4MP_MESSAGE or BGP4MP_MESSAGE_AS4 record carrying an
// IPv4 peering. BGP holds the enclosed BGP message starting at its marker.
type Message struct {
	Header    Header
	Timestamp time.Time

	PeerAS         uint32
	LocalAS        uint32
	InterfaceIndex uint16
	AFI            uint16
	PeerAddr       netip.Addr
	LocalAddr      netip.Addr

	// ASNSize is 2 for BGP4MP_MESSAGE and 4 for BGP4MP_MESSAGE_AS4.
	ASNSize int
	BGP     []byte
}
