package bmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

// ParseAll parses all concatenated BMP messages from raw bytes.
// goBMP may bundle multiple BMP messages in a single raw Kafka record
// (one per TCP read). Returns all successfully parsed messages.
func ParseAll(data []byte) ([]*ParsedBMP, error) {
	var results []*ParsedBMP
	offset := 0
	for offset < len(data) {
		remaining := data[offset:]
		if len(remaining) < CommonHeaderSize {
			break
		}
		msgLength := binary.BigEndian.Uint32(remaining[1:5])
		if msgLength < uint32(CommonHeaderSize) || msgLength > uint32(len(remaining)) {
			break
		}
		parsed, err := Parse(remaining[:msgLength])
		if err != nil {
			// Skip this message and try the next.
			offset += int(msgLength)
			continue
		}
		parsed.Offset = offset
		results = append(results, parsed)
		offset += int(msgLength)
	}
	if len(results) == 0 && offset == 0 {
		return nil, fmt.Errorf("bmp: no valid messages found in %d bytes", len(data))
	}
	return results, nil
}

// Parse parses a complete BMP message from raw bytes. Only Route Monitoring
// messages are decoded past the common header.
func Parse(data []byte) (*ParsedBMP, error) {
	if len(data) < CommonHeaderSize {
		return nil, fmt.Errorf("bmp: message too short for common header (%d bytes)", len(data))
	}

	version := data[0]
	if version != BMPVersion {
		return nil, fmt.Errorf("bmp: unsupported version %d (expected %d)", version, BMPVersion)
	}

	msgLength := binary.BigEndian.Uint32(data[1:5])
	msgType := data[5]

	if msgLength < uint32(CommonHeaderSize) {
		return nil, fmt.Errorf("bmp: declared msg_length %d smaller than common header size %d", msgLength, CommonHeaderSize)
	}
	if int(msgLength) > len(data) {
		return nil, fmt.Errorf("bmp: declared msg_length %d exceeds available data %d", msgLength, len(data))
	}

	result := &ParsedBMP{MsgType: msgType}

	if msgType == MsgTypeRouteMonitoring {
		return parseRouteMonitoring(data[CommonHeaderSize:msgLength], result)
	}
	return result, nil
}

// parseRouteMonitoring reads the per-peer header and the BGP message that
// follows it.
//
// Per-peer header layout (RFC 7854 Section 4.2):
//
//	Offset  0: Peer Type (1 byte)
//	Offset  1: Peer Flags (1 byte)
//	Offset  2: Peer Distinguisher (8 bytes)
//	Offset 10: Peer Address (16 bytes)
//	Offset 26: Peer AS (4 bytes)
//	Offset 30: Peer BGP ID (4 bytes)
//	Offset 34: Timestamp seconds (4 bytes)
//	Offset 38: Timestamp microseconds (4 bytes)
func parseRouteMonitoring(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < PerPeerHeaderSize {
		return nil, fmt.Errorf("bmp: route monitoring too short for per-peer header (%d bytes)", len(data))
	}

	result.PeerType = data[0]
	result.PeerFlags = data[1]
	result.PeerAddr = peerAddress(data[10:26], result.IsIPv6Peer())
	result.PeerAS = binary.BigEndian.Uint32(data[26:30])
	result.PeerBGPID = netip.AddrFrom4([4]byte(data[30:34]))

	sec := binary.BigEndian.Uint32(data[34:38])
	usec := binary.BigEndian.Uint32(data[38:42])
	if sec != 0 || usec != 0 {
		result.Timestamp = time.Unix(int64(sec), int64(usec)*1000).UTC()
	}

	if len(data) == PerPeerHeaderSize {
		return nil, fmt.Errorf("bmp: no data after per-peer header")
	}

	bgpData := data[PerPeerHeaderSize:]
	if msgLen, err := bgpMessageLength(bgpData); err == nil && msgLen <= len(bgpData) {
		// Loc-RIB messages may carry TLVs after the BGP message.
		bgpData = bgpData[:msgLen]
	}
	result.BGPData = bgpData

	return result, nil
}

// peerAddress decodes the 16-byte peer address field. BMP encodes IPv4 as 12
// zero bytes followed by the 4 address bytes.
func peerAddress(b []byte, v6 bool) netip.Addr {
	if v6 {
		return netip.AddrFrom16([16]byte(b))
	}
	return netip.AddrFrom4([4]byte(b[12:16]))
}

// bgpMessageLength reads the length field from a BGP message header.
// BGP header: marker(16) + length(2) + type(1) = 19 bytes minimum.
func bgpMessageLength(data []byte) (int, error) {
	if len(data) < 19 {
		return 0, fmt.Errorf("bmp: bgp message too short (%d bytes)", len(data))
	}
	for i := 0; i < 16; i++ {
		if data[i] != 0xFF {
			return 0, fmt.Errorf("bmp: invalid bgp marker at byte %d", i)
		}
	}
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if length < 19 {
		return 0, fmt.Errorf("bmp: invalid bgp message length %d", length)
	}
	return length, nil
}
