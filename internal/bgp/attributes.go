package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// parsePathAttributes walks the path attributes section of a BGP UPDATE and
// fills the decoded fields of u. asnSize selects 2- or 4-byte AS numbers in
// AS_PATH and AGGREGATOR.
func parsePathAttributes(data []byte, asnSize int, u *Update) error {
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return fmt.Errorf("%w: attr header truncated at offset %d", ErrMalformed, offset)
		}

		flags := data[offset]
		typeCode := data[offset+1]
		offset += 2

		// Attribute length: 1 byte or 2 bytes depending on Extended Length flag.
		var attrLen int
		if flags&AttrFlagExtLength != 0 {
			if offset+2 > len(data) {
				return fmt.Errorf("%w: extended attr length truncated", ErrMalformed)
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return fmt.Errorf("%w: attr length truncated", ErrMalformed)
			}
			attrLen = int(data[offset])
			offset++
		}

		if offset+attrLen > len(data) {
			return fmt.Errorf("%w: attr data truncated (type %d, need %d, have %d)", ErrMalformed, typeCode, attrLen, len(data)-offset)
		}

		attrData := data[offset : offset+attrLen]
		offset += attrLen

		u.Attributes = append(u.Attributes, PathAttribute{Flags: flags, Type: typeCode, Value: attrData})

		switch typeCode {
		case AttrTypeOrigin:
			parseOrigin(attrData, u)
		case AttrTypeASPath:
			if err := parseASPath(attrData, asnSize, u); err != nil {
				return err
			}
		case AttrTypeNextHop:
			parseNextHop(attrData, u)
		case AttrTypeMED:
			u.MED = parseUint32(attrData)
		case AttrTypeLocalPref:
			u.LocalPref = parseUint32(attrData)
		case AttrTypeCommunity:
			parseCommunity(attrData, u)
		case AttrTypeAtomicAggregate, AttrTypeAggregator, AttrTypeOriginatorID,
			AttrTypeClusterList, AttrTypeMPReachNLRI, AttrTypeMPUnreachNLRI:
			u.Unsupported = append(u.Unsupported, typeCode)
		}
	}

	return nil
}

func parseOrigin(data []byte, u *Update) {
	if len(data) < 1 {
		return
	}
	v := data[0]
	u.Origin = &v
}

func parseASPath(data []byte, asnSize int, u *Update) error {
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return fmt.Errorf("%w: as_path segment header truncated", ErrMalformed)
		}
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2

		if offset+segLen*asnSize > len(data) {
			return fmt.Errorf("%w: as_path segment needs %d asns, have %d bytes", ErrMalformed, segLen, len(data)-offset)
		}

		asns := make([]uint32, segLen)
		for i := 0; i < segLen; i++ {
			if asnSize == ASNSize2 {
				asns[i] = uint32(binary.BigEndian.Uint16(data[offset : offset+2]))
			} else {
				asns[i] = binary.BigEndian.Uint32(data[offset : offset+4])
			}
			offset += asnSize
		}

		u.ASPath = append(u.ASPath, ASPathSegment{Type: segType, ASNs: asns})
	}
	return nil
}

func parseNextHop(data []byte, u *Update) {
	if len(data) == 4 {
		u.NextHop = netip.AddrFrom4([4]byte(data))
	}
}

func parseUint32(data []byte) *uint32 {
	if len(data) != 4 {
		return nil
	}
	v := binary.BigEndian.Uint32(data)
	return &v
}

func parseCommunity(data []byte, u *Update) {
	for i := 0; i+4 <= len(data); i += 4 {
		u.Communities = append(u.Communities, binary.BigEndian.Uint32(data[i:i+4]))
	}
}

// parsePrefixes decodes a run of IPv4 (length, prefix bytes) pairs as found in
// the withdrawn routes and NLRI fields.
func parsePrefixes(data []byte) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	offset := 0

	for offset < len(data) {
		prefixLen := int(data[offset])
		offset++

		if prefixLen > 32 {
			return prefixes, fmt.Errorf("%w: prefix length %d exceeds 32", ErrMalformed, prefixLen)
		}

		// Number of bytes needed for the prefix.
		byteLen := (prefixLen + 7) / 8
		if offset+byteLen > len(data) {
			return prefixes, fmt.Errorf("%w: prefix data truncated at offset %d", ErrMalformed, offset)
		}

		var ip [4]byte
		copy(ip[:], data[offset:offset+byteLen])
		offset += byteLen

		prefixes = append(prefixes, netip.PrefixFrom(netip.AddrFrom4(ip), prefixLen))
	}

	return prefixes, nil
}
