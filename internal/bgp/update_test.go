package bgp

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildBGPUpdate constructs a BGP UPDATE message with the given components.
func buildBGPUpdate(withdrawn []byte, pathAttrs []byte, nlri []byte) []byte {
	bodyLen := 2 + len(withdrawn) + 2 + len(pathAttrs) + len(nlri)
	totalLen := 19 + bodyLen

	msg := make([]byte, totalLen)
	// Marker: 16 bytes of 0xFF
	for i := 0; i < 16; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(totalLen))
	msg[18] = 2 // type = UPDATE

	offset := 19
	binary.BigEndian.PutUint16(msg[offset:offset+2], uint16(len(withdrawn)))
	offset += 2
	copy(msg[offset:], withdrawn)
	offset += len(withdrawn)

	binary.BigEndian.PutUint16(msg[offset:offset+2], uint16(len(pathAttrs)))
	offset += 2
	copy(msg[offset:], pathAttrs)
	offset += len(pathAttrs)

	copy(msg[offset:], nlri)
	return msg
}

// buildPathAttr constructs a single path attribute.
func buildPathAttr(flags byte, typeCode byte, data []byte) []byte {
	if len(data) > 255 {
		// Extended length
		attr := make([]byte, 4+len(data))
		attr[0] = flags | 0x10 // Set Extended Length
		attr[1] = typeCode
		binary.BigEndian.PutUint16(attr[2:4], uint16(len(data)))
		copy(attr[4:], data)
		return attr
	}
	attr := make([]byte, 3+len(data))
	attr[0] = flags
	attr[1] = typeCode
	attr[2] = byte(len(data))
	copy(attr[3:], data)
	return attr
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestDecode_IPv4Announcement(t *testing.T) {
	// NLRI: 10.0.0.0/24
	nlri := []byte{24, 10, 0, 0}

	pathAttrs := concat(
		buildPathAttr(0x40, AttrTypeOrigin, []byte{0}),
		buildPathAttr(0x40, AttrTypeNextHop, []byte{192, 0, 2, 1}),
	)

	u, err := Decode(buildBGPUpdate(nil, pathAttrs, nlri), ASNSize4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.NLRI) != 1 {
		t.Fatalf("expected 1 nlri, got %d", len(u.NLRI))
	}
	if u.NLRI[0].String() != "10.0.0.0/24" {
		t.Errorf("expected prefix '10.0.0.0/24', got '%s'", u.NLRI[0])
	}
	if u.Origin == nil || *u.Origin != OriginIGP {
		t.Errorf("expected origin IGP, got %v", u.Origin)
	}
	if u.NextHop.String() != "192.0.2.1" {
		t.Errorf("expected nexthop '192.0.2.1', got '%s'", u.NextHop)
	}
	if len(u.Withdrawn) != 0 {
		t.Errorf("expected no withdrawn routes, got %v", u.Withdrawn)
	}
}

func TestDecode_IPv4Withdrawal(t *testing.T) {
	// Withdrawn: 172.16.0.0/16
	withdrawn := []byte{16, 172, 16}

	u, err := Decode(buildBGPUpdate(withdrawn, nil, nil), ASNSize4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Withdrawn) != 1 {
		t.Fatalf("expected 1 withdrawn route, got %d", len(u.Withdrawn))
	}
	if u.Withdrawn[0].String() != "172.16.0.0/16" {
		t.Errorf("expected prefix '172.16.0.0/16', got '%s'", u.Withdrawn[0])
	}
	if len(u.NLRI) != 0 {
		t.Errorf("expected no nlri, got %v", u.NLRI)
	}
}

func TestDecode_WithdrawnReadFromOwnBytes(t *testing.T) {
	withdrawn := []byte{16, 172, 16, 8, 10}
	nlri := []byte{24, 192, 168, 1}
	pathAttrs := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})

	u, err := Decode(buildBGPUpdate(withdrawn, pathAttrs, nlri), ASNSize4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Withdrawn) != 2 {
		t.Fatalf("expected 2 withdrawn routes, got %d", len(u.Withdrawn))
	}
	if u.Withdrawn[0].String() != "172.16.0.0/16" || u.Withdrawn[1].String() != "10.0.0.0/8" {
		t.Errorf("unexpected withdrawn routes: %v", u.Withdrawn)
	}
	if len(u.NLRI) != 1 || u.NLRI[0].String() != "192.168.1.0/24" {
		t.Errorf("unexpected nlri: %v", u.NLRI)
	}
}

func TestDecode_PrefixRoundTrip(t *testing.T) {
	want := []string{"0.0.0.0/0", "10.0.0.0/8", "172.16.0.0/12", "192.0.2.128/25", "198.51.100.7/32", "203.0.113.0/24"}
	nlri := []byte{
		0,
		8, 10,
		12, 172, 16,
		25, 192, 0, 2, 128,
		32, 198, 51, 100, 7,
		24, 203, 0, 113,
	}

	u, err := Decode(buildBGPUpdate(nil, buildPathAttr(0x40, AttrTypeOrigin, []byte{2}), nlri), ASNSize4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.NLRI) != len(want) {
		t.Fatalf("expected %d prefixes, got %d", len(want), len(u.NLRI))
	}
	for i, p := range u.NLRI {
		if p.String() != want[i] {
			t.Errorf("prefix %d: expected %s, got %s", i, want[i], p)
		}
	}
}

func TestDecode_ASPathSequenceKeepsOrder(t *testing.T) {
	// AS_SEQUENCE [64498, 64496, 64497]: deliberately not sorted.
	asPathData := []byte{
		ASPathSegmentSequence, 3,
		0, 0, 0xFB, 0xF2, // AS64498
		0, 0, 0xFB, 0xF0, // AS64496
		0, 0, 0xFB, 0xF1, // AS64497
	}
	pathAttrs := concat(
		buildPathAttr(0x40, AttrTypeOrigin, []byte{0}),
		buildPathAttr(0x40, AttrTypeASPath, asPathData),
		buildPathAttr(0x40, AttrTypeNextHop, []byte{192, 168, 1, 1}),
	)

	u, err := Decode(buildBGPUpdate(nil, pathAttrs, []byte{24, 10, 0, 0}), ASNSize4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.ASPath) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(u.ASPath))
	}
	seg := u.ASPath[0]
	if seg.Type != ASPathSegmentSequence {
		t.Errorf("expected SEQUENCE segment, got %d", seg.Type)
	}
	want := []uint32{64498, 64496, 64497}
	for i, asn := range want {
		if seg.ASNs[i] != asn {
			t.Errorf("asn %d: expected %d, got %d", i, asn, seg.ASNs[i])
		}
	}
}

func TestDecode_ASPathMultipleSegments(t *testing.T) {
	asPathData := []byte{
		ASPathSegmentSequence, 2,
		0xFD, 0xE8, // 65000
		0x00, 0x64, // 100
		ASPathSegmentSet, 2,
		0x00, 0xC8, // 200
		0x01, 0x2C, // 300
	}
	pathAttrs := buildPathAttr(0x40, AttrTypeASPath, asPathData)

	u, err := Decode(buildBGPUpdate(nil, pathAttrs, []byte{24, 10, 0, 0}), ASNSize2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.ASPath) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(u.ASPath))
	}
	if u.ASPath[0].Type != ASPathSegmentSequence || u.ASPath[1].Type != ASPathSegmentSet {
		t.Errorf("segment types not preserved: %+v", u.ASPath)
	}
	if u.ASPath[0].ASNs[0] != 65000 || u.ASPath[0].ASNs[1] != 100 {
		t.Errorf("unexpected sequence: %v", u.ASPath[0].ASNs)
	}
	if u.ASPath[1].ASNs[0] != 200 || u.ASPath[1].ASNs[1] != 300 {
		t.Errorf("unexpected set: %v", u.ASPath[1].ASNs)
	}
}

func TestDecode_ASPathTruncated(t *testing.T) {
	// Segment claims 3 ASNs but carries one.
	asPathData := []byte{ASPathSegmentSequence, 3, 0, 0, 0xFB, 0xF0}
	pathAttrs := buildPathAttr(0x40, AttrTypeASPath, asPathData)

	_, err := Decode(buildBGPUpdate(nil, pathAttrs, nil), ASNSize4)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecode_MEDLocalPrefCommunities(t *testing.T) {
	med := make([]byte, 4)
	binary.BigEndian.PutUint32(med, 50)
	lp := make([]byte, 4)
	binary.BigEndian.PutUint32(lp, 120)
	commData := []byte{
		0xFB, 0xF0, 0x00, 0x64, // 64496:100
		0xFB, 0xF0, 0x00, 0xC8, // 64496:200
	}
	pathAttrs := concat(
		buildPathAttr(0x80, AttrTypeMED, med),
		buildPathAttr(0x40, AttrTypeLocalPref, lp),
		buildPathAttr(0xC0, AttrTypeCommunity, commData),
	)

	u, err := Decode(buildBGPUpdate(nil, pathAttrs, []byte{24, 10, 0, 0}), ASNSize4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.MED == nil || *u.MED != 50 {
		t.Errorf("expected MED 50, got %v", u.MED)
	}
	if u.LocalPref == nil || *u.LocalPref != 120 {
		t.Errorf("expected LOCAL_PREF 120, got %v", u.LocalPref)
	}
	if len(u.Communities) != 2 {
		t.Fatalf("expected 2 communities, got %d", len(u.Communities))
	}
	if u.Communities[0] != 64496<<16|100 || u.Communities[1] != 64496<<16|200 {
		t.Errorf("unexpected communities: %v", u.Communities)
	}
}

func TestDecode_UnsupportedAttributesSkipped(t *testing.T) {
	// MP_REACH_NLRI with an IPv6 payload, carried in extended-length form.
	mpReach := make([]byte, 300)
	binary.BigEndian.PutUint16(mpReach[0:2], AFIIPv6)
	mpReach[2] = 1
	aggregator := []byte{0, 0, 0xFD, 0xE8, 10, 0, 0, 1}

	pathAttrs := concat(
		buildPathAttr(0x40, AttrTypeOrigin, []byte{1}),
		buildPathAttr(0x80, AttrTypeMPReachNLRI, mpReach),
		buildPathAttr(0xC0, AttrTypeAggregator, aggregator),
		buildPathAttr(0x40, AttrTypeAtomicAggregate, nil),
		buildPathAttr(0xC0, 99, []byte{1, 2, 3}),
		buildPathAttr(0x40, AttrTypeNextHop, []byte{10, 0, 0, 1}),
	)

	u, err := Decode(buildBGPUpdate(nil, pathAttrs, []byte{24, 10, 1, 0}), ASNSize4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Attributes) != 6 {
		t.Fatalf("expected 6 raw attributes, got %d", len(u.Attributes))
	}
	if u.Attributes[4].Type != 99 {
		t.Errorf("expected unknown attr 99 kept in order, got %d", u.Attributes[4].Type)
	}
	if len(u.Unsupported) != 3 {
		t.Errorf("expected 3 unsupported attrs, got %v", u.Unsupported)
	}
	if u.NextHop.String() != "10.0.0.1" {
		t.Errorf("cursor did not advance past skipped attrs: nexthop %s", u.NextHop)
	}
	if len(u.NLRI) != 1 || u.NLRI[0].String() != "10.1.0.0/24" {
		t.Errorf("unexpected nlri: %v", u.NLRI)
	}
}

func TestDecode_BadMarkerSkipped(t *testing.T) {
	msg := buildBGPUpdate(nil, nil, []byte{24, 10, 0, 0})
	msg[3] = 0x00

	u, err := Decode(msg, ASNSize4)
	if !errors.Is(err, ErrSkip) {
		t.Fatalf("expected ErrSkip, got %v", err)
	}
	if u != nil {
		t.Errorf("expected nil update")
	}
}

func TestDecode_NonUpdateSkipped(t *testing.T) {
	keepalive := make([]byte, 19)
	for i := 0; i < 16; i++ {
		keepalive[i] = 0xFF
	}
	binary.BigEndian.PutUint16(keepalive[16:18], 19)
	keepalive[18] = BGPMsgTypeKeepalive

	_, err := Decode(keepalive, ASNSize4)
	if !errors.Is(err, ErrSkip) {
		t.Fatalf("expected ErrSkip for KEEPALIVE, got %v", err)
	}
}

func TestDecode_TooShort(t *testing.T) {
	_, err := Decode([]byte{0xFF, 0xFF}, ASNSize4)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecode_WithdrawnLengthOverflow(t *testing.T) {
	msg := buildBGPUpdate([]byte{24, 10, 0, 0}, nil, nil)
	// Claim more withdrawn bytes than the message holds.
	binary.BigEndian.PutUint16(msg[19:21], 200)

	_, err := Decode(msg, ASNSize4)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecode_PrefixLengthTooLong(t *testing.T) {
	_, err := Decode(buildBGPUpdate(nil, nil, []byte{33, 10, 0, 0, 0, 0}), ASNSize4)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUpdate_IsEndOfRIB(t *testing.T) {
	u, err := Decode(buildBGPUpdate(nil, nil, nil), ASNSize4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !u.IsEndOfRIB() {
		t.Error("expected empty update to be End-of-RIB")
	}
}
