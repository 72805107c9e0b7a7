package bgp

import (
	"encoding/binary"
	"fmt"
)

// Decode parses a complete BGP message (starting at the 16-byte marker) and
// returns the UPDATE it carries. Messages that are not UPDATEs or whose
// marker is not all ones return an error wrapping ErrSkip; broken UPDATE
// bodies return an error wrapping ErrMalformed.
func Decode(data []byte, asnSize int) (*Update, error) {
	if len(data) < BGPHeaderSize {
		return nil, fmt.Errorf("%w: message too short (%d bytes)", ErrMalformed, len(data))
	}

	for i := 0; i < BGPMarkerSize; i++ {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("%w: marker mismatch at byte %d", ErrSkip, i)
		}
	}

	msgLen := int(binary.BigEndian.Uint16(data[16:18]))
	if msgLen < BGPHeaderSize || msgLen > len(data) {
		return nil, fmt.Errorf("%w: declared length %d, have %d bytes", ErrMalformed, msgLen, len(data))
	}

	msgType := data[18]
	if msgType != BGPMsgTypeUpdate {
		return nil, fmt.Errorf("%w: message type %d", ErrSkip, msgType)
	}

	return parseUpdatePayload(data[BGPHeaderSize:msgLen], asnSize)
}

func parseUpdatePayload(data []byte, asnSize int) (*Update, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: update payload too short (%d bytes)", ErrMalformed, len(data))
	}

	u := &Update{}
	offset := 0

	// Withdrawn routes length.
	withdrawnLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+withdrawnLen > len(data) {
		return nil, fmt.Errorf("%w: withdrawn length %d exceeds data", ErrMalformed, withdrawnLen)
	}

	withdrawn, err := parsePrefixes(data[offset : offset+withdrawnLen])
	if err != nil {
		return nil, fmt.Errorf("withdrawn routes: %w", err)
	}
	u.Withdrawn = withdrawn
	offset += withdrawnLen

	// Total path attribute length.
	if offset+2 > len(data) {
		return nil, fmt.Errorf("%w: no room for path attr length", ErrMalformed)
	}
	totalPathAttrLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+totalPathAttrLen > len(data) {
		return nil, fmt.Errorf("%w: path attr length %d exceeds data", ErrMalformed, totalPathAttrLen)
	}

	if err := parsePathAttributes(data[offset:offset+totalPathAttrLen], asnSize, u); err != nil {
		return nil, fmt.Errorf("path attrs: %w", err)
	}
	offset += totalPathAttrLen

	nlri, err := parsePrefixes(data[offset:])
	if err != nil {
		return nil, fmt.Errorf("nlri: %w", err)
	}
	u.NLRI = nlri

	return u, nil
}

// IsEndOfRIB reports whether the update is an IPv4 End-of-RIB marker
// (no withdrawn routes, no attributes, no NLRI).
func (u *Update) IsEndOfRIB() bool {
	return len(u.Withdrawn) == 0 && len(u.Attributes) == 0 && len(u.NLRI) == 0
}
