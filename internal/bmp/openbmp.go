package bmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	// OBMP v1.7 format (used by goBMP).
	obmpMagic        uint32 = 0x4F424D50 // "OBMP"
	obmpMinHeaderLen        = 12         // Minimum to read header_length and msg_length

	// Legacy v2 format.
	legacyHeaderSize      = 10 // version(2) + collector_hash(4) + msg_len(4)
	legacyVersionExpected = 2
)

// FrameResult contains the decoded OBMP frame contents.
type FrameResult struct {
	BMPBytes []byte     // Raw BMP message payload.
	RouterIP netip.Addr // Router IP from the OBMP v1.7 header; invalid if unavailable.
}

// DecodeOpenBMPFrame decodes an OpenBMP frame and extracts the BMP payload.
// Supports both OBMP v1.7 (goBMP) and legacy v2 formats.
func DecodeOpenBMPFrame(data []byte, maxPayloadBytes int) (FrameResult, error) {
	if len(data) < 4 {
		return FrameResult{}, fmt.Errorf("openbmp: frame too short (%d bytes)", len(data))
	}

	if binary.BigEndian.Uint32(data[0:4]) == obmpMagic {
		return decodeOBMPv17(data, maxPayloadBytes)
	}
	return decodeLegacyV2(data, maxPayloadBytes)
}

// decodeOBMPv17 parses the OBMP v1.7 header produced by goBMP.
//
// Header layout:
//
//	 0-3:  Magic (uint32) = 0x4F424D50 ("OBMP")
//	 4:    Version Major (uint8) = 1
//	 5:    Version Minor (uint8) = 7
//	 6-7:  Header Length (uint16), total header size
//	 8-11: BMP Message Length (uint32)
//	12-37: Flags, type, timestamps, collector hash
//	38-39: Collector Admin ID Length (uint16)
//	40..40+N: Collector Admin ID (N bytes)
//	40+N..55+N: Router Hash (16 bytes)
//	56+N..71+N: Router IP (16 bytes)
func decodeOBMPv17(data []byte, maxPayloadBytes int) (FrameResult, error) {
	if len(data) < obmpMinHeaderLen {
		return FrameResult{}, fmt.Errorf("openbmp: v1.7 frame too short (%d bytes)", len(data))
	}

	headerLen := int(binary.BigEndian.Uint16(data[6:8]))
	msgLen := binary.BigEndian.Uint32(data[8:12])

	if headerLen < obmpMinHeaderLen {
		return FrameResult{}, fmt.Errorf("openbmp: header_length %d too small", headerLen)
	}
	if headerLen > len(data) {
		return FrameResult{}, fmt.Errorf("openbmp: header_length %d exceeds frame (%d bytes)", headerLen, len(data))
	}
	if msgLen == 0 {
		return FrameResult{}, fmt.Errorf("openbmp: msg_len is 0")
	}
	if maxPayloadBytes > 0 && int64(msgLen) > int64(maxPayloadBytes) {
		return FrameResult{}, fmt.Errorf("openbmp: msg_len %d exceeds limit %d", msgLen, maxPayloadBytes)
	}

	totalLen := headerLen + int(msgLen)
	if len(data) < totalLen {
		return FrameResult{}, fmt.Errorf("openbmp: frame truncated (have %d, need %d)", len(data), totalLen)
	}

	result := FrameResult{BMPBytes: data[headerLen:totalLen]}

	if headerLen >= 40 {
		collectorIDLen := int(binary.BigEndian.Uint16(data[38:40]))
		routerIPOff := 40 + collectorIDLen + 16
		if routerIPOff+16 <= headerLen {
			result.RouterIP = parseOBMPRouterIP(data[routerIPOff : routerIPOff+16])
		}
	}

	return result, nil
}

// decodeLegacyV2 parses the 10-byte OpenBMP v2 header. It carries no router
// identity.
func decodeLegacyV2(data []byte, maxPayloadBytes int) (FrameResult, error) {
	if len(data) < legacyHeaderSize {
		return FrameResult{}, fmt.Errorf("openbmp: frame too short (%d bytes, need %d)", len(data), legacyHeaderSize)
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != legacyVersionExpected {
		return FrameResult{}, fmt.Errorf("openbmp: unrecognized format (no OBMP magic, version=%d)", version)
	}

	// collector_hash at offset 2-6 is ignored.
	msgLen := binary.BigEndian.Uint32(data[6:10])

	if msgLen == 0 {
		return FrameResult{}, fmt.Errorf("openbmp: msg_len is 0")
	}
	if maxPayloadBytes > 0 && int64(msgLen) > int64(maxPayloadBytes) {
		return FrameResult{}, fmt.Errorf("openbmp: msg_len %d exceeds limit %d", msgLen, maxPayloadBytes)
	}

	totalLen := legacyHeaderSize + int(msgLen)
	if len(data) < totalLen {
		return FrameResult{}, fmt.Errorf("openbmp: frame truncated (have %d, need %d)", len(data), totalLen)
	}

	return FrameResult{BMPBytes: data[legacyHeaderSize:totalLen]}, nil
}

// parseOBMPRouterIP decodes the 16-byte router IP field. goBMP puts IPv4 in
// the first 4 bytes; other collectors use the last 4 or an IPv4-mapped form.
func parseOBMPRouterIP(b []byte) netip.Addr {
	addr := netip.AddrFrom16([16]byte(b))
	if addr.Is4In6() {
		return addr.Unmap()
	}
	if addr.IsUnspecified() {
		return netip.Addr{}
	}

	var zero [12]byte
	if [12]byte(b[4:16]) == zero {
		return netip.AddrFrom4([4]byte(b[:4]))
	}
	if [12]byte(b[:12]) == zero {
		return netip.AddrFrom4([4]byte(b[12:16]))
	}
	return addr
}
