package mrt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/bgp"
)

// buildBGPUpdate constructs a BGP UPDATE message with the given components.
func buildBGPUpdate(withdrawn, pathAttrs, nlri []byte) []byte {
	body := make([]byte, 0, 4+len(withdrawn)+len(pathAttrs)+len(nlri))
	body = binary.BigEndian.AppendUint16(body, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(pathAttrs)))
	body = append(body, pathAttrs...)
	body = append(body, nlri...)

	msg := bytes.Repeat([]byte{0xFF}, 16)
	msg = binary.BigEndian.AppendUint16(msg, uint16(19+len(body)))
	msg = append(msg, bgp.BGPMsgTypeUpdate)
	return append(msg, body...)
}

// buildMRTRecord wraps a BGP message in a BGP4MP_MESSAGE_AS4 record from
// peer 192.0.2.1 (AS65001) to 192.0.2.254 (AS65000).
func buildMRTRecord(ts uint32, bgpMsg []byte) []byte {
	return buildMRTRecordRaw(ts, TypeBGP4MP, SubtypeBGP4MPMessageAS4, bgp4mpAS4Body(bgp.AFIIPv4, bgpMsg))
}

func bgp4mpAS4Body(afi uint16, bgpMsg []byte) []byte {
	body := binary.BigEndian.AppendUint32(nil, 65001)
	body = binary.BigEndian.AppendUint32(body, 65000)
	body = binary.BigEndian.AppendUint16(body, 0)
	body = binary.BigEndian.AppendUint16(body, afi)
	if afi == bgp.AFIIPv4 {
		body = append(body, 192, 0, 2, 1, 192, 0, 2, 254)
	} else {
		body = append(body, make([]byte, 32)...)
	}
	return append(body, bgpMsg...)
}

func buildMRTRecordRaw(ts uint32, typ, subtype uint16, body []byte) []byte {
	rec := binary.BigEndian.AppendUint32(nil, ts)
	rec = binary.BigEndian.AppendUint16(rec, typ)
	rec = binary.BigEndian.AppendUint16(rec, subtype)
	rec = binary.BigEndian.AppendUint32(rec, uint32(len(body)))
	return append(rec, body...)
}

// twoUpdates is an announcement of 10.0.0.0/24 at t=100 followed by its
// withdrawal at t=103.
func twoUpdates() []byte {
	attrs := []byte{
		0x40, bgp.AttrTypeOrigin, 1, 0,
		0x40, bgp.AttrTypeASPath, 10, bgp.ASPathSegmentSequence, 2, 0, 0, 0xFD, 0xE8, 0, 0, 0, 100,
		0x40, bgp.AttrTypeNextHop, 4, 192, 0, 2, 1,
	}
	announce := buildMRTRecord(100, buildBGPUpdate(nil, attrs, []byte{24, 10, 0, 0}))
	withdraw := buildMRTRecord(103, buildBGPUpdate([]byte{24, 10, 0, 0}, nil, nil))
	return append(announce, withdraw...)
}

func readAll(t *testing.T, r *Reader) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, ok := r.Next()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func checkTwoUpdates(t *testing.T, msgs []*Message) {
	t.Helper()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	if msgs[0].Timestamp.Unix() != 100 || msgs[1].Timestamp.Unix() != 103 {
		t.Errorf("unexpected timestamps %v, %v", msgs[0].Timestamp, msgs[1].Timestamp)
	}
	if msgs[0].PeerAS != 65001 || msgs[0].LocalAS != 65000 {
		t.Errorf("unexpected ASNs peer=%d local=%d", msgs[0].PeerAS, msgs[0].LocalAS)
	}
	if msgs[0].PeerAddr.String() != "192.0.2.1" {
		t.Errorf("unexpected peer address %s", msgs[0].PeerAddr)
	}

	first, err := bgp.Decode(msgs[0].BGP, msgs[0].ASNSize)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if len(first.NLRI) != 1 || first.NLRI[0].String() != "10.0.0.0/24" {
		t.Errorf("unexpected nlri %v", first.NLRI)
	}
	if len(first.ASPath) != 1 || first.ASPath[0].ASNs[0] != 65000 || first.ASPath[0].ASNs[1] != 100 {
		t.Errorf("unexpected as_path %+v", first.ASPath)
	}
	if first.Origin == nil || *first.Origin != bgp.OriginIGP {
		t.Errorf("unexpected origin %v", first.Origin)
	}
	if first.NextHop.String() != "192.0.2.1" {
		t.Errorf("unexpected nexthop %s", first.NextHop)
	}

	second, err := bgp.Decode(msgs[1].BGP, msgs[1].ASNSize)
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if len(second.Withdrawn) != 1 || second.Withdrawn[0].String() != "10.0.0.0/24" {
		t.Errorf("unexpected withdrawn %v", second.Withdrawn)
	}
	if len(second.NLRI) != 0 {
		t.Errorf("expected no nlri, got %v", second.NLRI)
	}
}

func TestReader_TwoRecords(t *testing.T) {
	r, err := NewReader(bytes.NewReader(twoUpdates()), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	if r.Compression() != CompressionNone {
		t.Errorf("expected no compression, got %s", r.Compression())
	}
	checkTwoUpdates(t, readAll(t, r))
	if r.Err() != nil {
		t.Errorf("expected clean end, got %v", r.Err())
	}
}

func TestReader_Bzip2DetectedWithoutExtension(t *testing.T) {
	r, err := Open(filepath.Join("testdata", "two_updates_bzip2"), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if r.Compression() != CompressionBzip2 {
		t.Fatalf("expected bzip2, got %s", r.Compression())
	}
	checkTwoUpdates(t, readAll(t, r))
	if r.Err() != nil {
		t.Errorf("expected clean end, got %v", r.Err())
	}
}

func TestReader_GzipDetectedWithoutExtension(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(twoUpdates())
	zw.Close()

	path := filepath.Join(t.TempDir(), "updates.mrt")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if r.Compression() != CompressionGzip {
		t.Fatalf("expected gzip, got %s", r.Compression())
	}
	checkTwoUpdates(t, readAll(t, r))
}

func TestReader_Zstd(t *testing.T) {
	zw, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	compressed := zw.EncodeAll(twoUpdates(), nil)
	zw.Close()

	r, err := NewReader(bytes.NewReader(compressed), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	if r.Compression() != CompressionZstd {
		t.Fatalf("expected zstd, got %s", r.Compression())
	}
	checkTwoUpdates(t, readAll(t, r))
}

func TestReader_TruncatedPayload(t *testing.T) {
	data := twoUpdates()
	// Cut the second record short by 5 bytes.
	data = data[:len(data)-5]

	r, err := NewReader(bytes.NewReader(data), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	msgs := readAll(t, r)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 complete message, got %d", len(msgs))
	}
	if !errors.Is(r.Err(), ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", r.Err())
	}
	if _, ok := r.Next(); ok {
		t.Error("expected reader to stay exhausted")
	}
}

func TestReader_TruncatedHeaderEndsCleanly(t *testing.T) {
	data := append(twoUpdates(), 0, 0, 0, 1, 0)

	r, err := NewReader(bytes.NewReader(data), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	if msgs := readAll(t, r); len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if r.Err() != nil {
		t.Errorf("expected clean end, got %v", r.Err())
	}
}

func TestReader_EmptyInput(t *testing.T) {
	r, err := NewReader(bytes.NewReader(nil), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Next(); ok {
		t.Error("expected no messages")
	}
	if r.Err() != nil {
		t.Errorf("expected nil error, got %v", r.Err())
	}
}

func TestReader_SkipsUnusableRecords(t *testing.T) {
	update := buildBGPUpdate(nil, nil, []byte{24, 10, 0, 0})

	var data []byte
	// TABLE_DUMP_V2 record.
	data = append(data, buildMRTRecordRaw(1, 13, 1, []byte{1, 2, 3, 4})...)
	// BGP4MP state change.
	data = append(data, buildMRTRecordRaw(2, TypeBGP4MP, 5, bgp4mpAS4Body(bgp.AFIIPv4, nil))...)
	// IPv6 peering.
	data = append(data, buildMRTRecordRaw(3, TypeBGP4MP, SubtypeBGP4MPMessageAS4, bgp4mpAS4Body(bgp.AFIIPv6, update))...)
	// Body too short for the fixed fields.
	data = append(data, buildMRTRecordRaw(4, TypeBGP4MP, SubtypeBGP4MPMessageAS4, []byte{0, 0, 0xFD, 0xE9})...)
	// The one usable record.
	data = append(data, buildMRTRecord(5, update)...)

	r, err := NewReader(bytes.NewReader(data), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	msgs := readAll(t, r)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Header.Timestamp != 5 {
		t.Errorf("expected record at t=5, got %d", msgs[0].Header.Timestamp)
	}

	skipped := r.Skipped()
	if skipped["type"] != 1 || skipped["subtype"] != 1 || skipped["afi"] != 1 || skipped["short_body"] != 1 {
		t.Errorf("unexpected skip counts: %v", skipped)
	}
	if r.Records() != 5 {
		t.Errorf("expected 5 framed records, got %d", r.Records())
	}
}

func TestReader_TwoByteASAndExtendedTimestamp(t *testing.T) {
	body := []byte{0xFD, 0xE9, 0xFD, 0xE8, 0, 0, 0, 1, 192, 0, 2, 1, 192, 0, 2, 254}
	body = append(body, buildBGPUpdate(nil, nil, []byte{24, 10, 0, 0})...)
	// BGP4MP_ET carries microseconds ahead of the body.
	etBody := append(binary.BigEndian.AppendUint32(nil, 250000), body...)

	data := buildMRTRecordRaw(100, TypeBGP4MPET, SubtypeBGP4MPMessage, etBody)

	r, err := NewReader(bytes.NewReader(data), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	msgs := readAll(t, r)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.ASNSize != bgp.ASNSize2 {
		t.Errorf("expected 2-byte ASNs, got %d", msg.ASNSize)
	}
	if msg.PeerAS != 65001 || msg.LocalAS != 65000 {
		t.Errorf("unexpected ASNs peer=%d local=%d", msg.PeerAS, msg.LocalAS)
	}
	if msg.Timestamp.UnixMicro() != 100_250_000 {
		t.Errorf("unexpected timestamp %v", msg.Timestamp)
	}
}

func TestReader_CloseIdempotent(t *testing.T) {
	r, err := Open(filepath.Join("testdata", "two_updates_bzip2"), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if _, ok := r.Next(); ok {
		t.Error("expected no messages after close")
	}
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), zap.NewNop())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
