package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/bgp"
	"github.com/route-beacon/bgp-update-gen/internal/metrics"
	"github.com/route-beacon/bgp-update-gen/internal/mrt"
)

func openTestMRT(t *testing.T) *mrt.Reader {
	t.Helper()
	r, err := mrt.Open("../mrt/testdata/two_updates_bzip2", zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return r
}

func TestMRT_ReplaysInOrderThenExhausts(t *testing.T) {
	s := NewMRT(openTestMRT(t), nil, NewRand(1), zap.NewNop())
	defer s.Close()
	ctx := context.Background()

	first, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Timestamp.Unix() != 100 {
		t.Errorf("expected t=100, got %v", first.Timestamp)
	}
	if len(first.NLRI) != 1 || first.NLRI[0].String() != "10.0.0.0/24" {
		t.Errorf("unexpected nlri %v", first.NLRI)
	}
	if first.Attr.NextHop.String() != "192.0.2.1" {
		t.Errorf("expected recorded nexthop kept, got %s", first.Attr.NextHop)
	}
	if seq := first.Attr.ASSequence(); len(seq) != 2 || seq[0] != 65000 || seq[1] != 100 {
		t.Errorf("unexpected as_path %v", seq)
	}

	second, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Timestamp.Unix() != 103 {
		t.Errorf("expected t=103, got %v", second.Timestamp)
	}
	if len(second.Withdraw) != 1 || second.Withdraw[0].String() != "10.0.0.0/24" || len(second.NLRI) != 0 {
		t.Errorf("unexpected withdrawal %+v", second)
	}

	if _, err := s.Next(ctx); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted to stick, got %v", err)
	}
}

func TestMRT_NexthopRewrite(t *testing.T) {
	pool := []netip.Addr{netip.MustParseAddr("203.0.113.9")}
	s := NewMRT(openTestMRT(t), pool, NewRand(1), zap.NewNop())
	defer s.Close()

	u, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if u.Attr.NextHop != pool[0] {
		t.Errorf("expected rewritten nexthop, got %s", u.Attr.NextHop)
	}
}

func TestMRT_CloseTwice(t *testing.T) {
	s := NewMRT(openTestMRT(t), nil, NewRand(1), zap.NewNop())
	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

// mrtUpdateRecord wraps an UPDATE body (everything after the BGP header) in a
// BGP4MP_MESSAGE_AS4 record from 192.0.2.1.
func mrtUpdateRecord(ts uint32, body []byte) []byte {
	msg := bytes.Repeat([]byte{0xFF}, 16)
	msg = binary.BigEndian.AppendUint16(msg, uint16(19+len(body)))
	msg = append(msg, bgp.BGPMsgTypeUpdate)
	msg = append(msg, body...)

	b := binary.BigEndian.AppendUint32(nil, 65001)
	b = binary.BigEndian.AppendUint32(b, 65000)
	b = binary.BigEndian.AppendUint16(b, 0)
	b = binary.BigEndian.AppendUint16(b, bgp.AFIIPv4)
	b = append(b, 192, 0, 2, 1, 192, 0, 2, 254)
	b = append(b, msg...)

	rec := binary.BigEndian.AppendUint32(nil, ts)
	rec = binary.BigEndian.AppendUint16(rec, mrt.TypeBGP4MP)
	rec = binary.BigEndian.AppendUint16(rec, mrt.SubtypeBGP4MPMessageAS4)
	rec = binary.BigEndian.AppendUint32(rec, uint32(len(b)))
	return append(rec, b...)
}

func TestMRT_SkipsEndOfRIB(t *testing.T) {
	endOfRIB := mrtUpdateRecord(100, []byte{0, 0, 0, 0})
	withdraw := mrtUpdateRecord(101, []byte{0, 4, 24, 10, 0, 0, 0, 0})

	r, err := mrt.NewReader(bytes.NewReader(append(endOfRIB, withdraw...)), zap.NewNop())
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	s := NewMRT(r, nil, NewRand(1), zap.NewNop())
	defer s.Close()

	skipped := metrics.RecordsSkippedTotal.WithLabelValues("end_of_rib")
	before := testutil.ToFloat64(skipped)

	u, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if u.Timestamp.Unix() != 101 || len(u.Withdraw) != 1 || u.Withdraw[0].String() != "10.0.0.0/24" {
		t.Errorf("expected the withdrawal after the End-of-RIB marker, got %+v", u)
	}
	if got := testutil.ToFloat64(skipped) - before; got != 1 {
		t.Errorf("expected 1 end_of_rib skip, got %v", got)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
}
