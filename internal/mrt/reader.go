package mrt

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/bgp"
	"github.com/route-beacon/bgp-update-gen/internal/metrics"
)

var (
	magicBzip2 = []byte{0x42, 0x5a, 0x68}
	magicGzip  = []byte{0x1f, 0x8b}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Compression names returned by Reader.Compression.
const (
	CompressionNone  = "none"
	CompressionBzip2 = "bzip2"
	CompressionGzip  = "gzip"
	CompressionZstd  = "zstd"
)

// Reader frames MRT records out of a possibly compressed stream and yields
// the BGP4MP messages it can use. It is not safe for concurrent use.
type Reader struct {
	br          *bufio.Reader
	closers     []func() error
	compression string
	logger      *zap.Logger

	err     error
	done    bool
	closed  bool
	records int
	skipped map[string]int
}

// Open opens the MRT file at path. The compression format is detected from
// the first bytes of the file; the file name is not consulted.
func Open(path string, logger *zap.Logger) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mrt: open %s: %w", path, err)
	}

	r, err := newReader(f, logger)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mrt: %s: %w", path, err)
	}
	r.closers = append(r.closers, f.Close)

	logger.Info("opened MRT file",
		zap.String("path", path),
		zap.String("compression", r.compression),
	)
	return r, nil
}

// NewReader reads MRT records from src. Closing the Reader does not close src.
func NewReader(src io.Reader, logger *zap.Logger) (*Reader, error) {
	r, err := newReader(src, logger)
	if err != nil {
		return nil, fmt.Errorf("mrt: %w", err)
	}
	return r, nil
}

func newReader(src io.Reader, logger *zap.Logger) (*Reader, error) {
	r := &Reader{
		logger:  logger,
		skipped: make(map[string]int),
	}

	raw := bufio.NewReader(src)
	// Peek returns what is available on short input; EOF is not an error here.
	magic, err := raw.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("detect compression: %w", err)
	}

	switch {
	case bytes.HasPrefix(magic, magicBzip2):
		r.compression = CompressionBzip2
		r.br = bufio.NewReader(bzip2.NewReader(raw))
	case bytes.HasPrefix(magic, magicGzip):
		zr, err := gzip.NewReader(raw)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		r.compression = CompressionGzip
		r.br = bufio.NewReader(zr)
		r.closers = append(r.closers, zr.Close)
	case bytes.HasPrefix(magic, magicZstd):
		zr, err := zstd.NewReader(raw)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		r.compression = CompressionZstd
		r.br = bufio.NewReader(zr)
		r.closers = append(r.closers, func() error {
			zr.Close()
			return nil
		})
	default:
		r.compression = CompressionNone
		r.br = raw
	}

	return r, nil
}

// Compression reports the detected input compression.
func (r *Reader) Compression() string {
	return r.compression
}

// Next returns the next usable BGP4MP message. It returns false when the
// stream ends; Err then reports whether the end was clean.
func (r *Reader) Next() (*Message, bool) {
	for !r.done && !r.closed {
		var hdrBuf [HeaderLen]byte
		if _, err := io.ReadFull(r.br, hdrBuf[:]); err != nil {
			r.done = true
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, io.ErrUnexpectedEOF):
				metrics.DecodeErrorsTotal.WithLabelValues("mrt", "short_header").Inc()
				r.logger.Debug("MRT stream ends with a partial header", zap.Int("records", r.records))
			default:
				r.err = fmt.Errorf("mrt: read header: %w", err)
			}
			return nil, false
		}

		hdr := parseHeader(hdrBuf[:])
		if hdr.Length > maxRecordLen {
			r.done = true
			r.err = fmt.Errorf("%w: record %d declares %d bytes", ErrRecordTooLarge, r.records, hdr.Length)
			metrics.DecodeErrorsTotal.WithLabelValues("mrt", "too_large").Inc()
			return nil, false
		}

		payload := make([]byte, hdr.Length)
		if n, err := io.ReadFull(r.br, payload); err != nil {
			r.done = true
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.err = fmt.Errorf("%w: record %d declares %d bytes, got %d", ErrTruncated, r.records, hdr.Length, n)
				metrics.DecodeErrorsTotal.WithLabelValues("mrt", "truncated").Inc()
			} else {
				r.err = fmt.Errorf("mrt: read payload: %w", err)
			}
			return nil, false
		}
		r.records++

		msg, reason := decodeRecord(hdr, payload)
		if reason != "" {
			r.skip(reason, hdr)
			continue
		}
		return msg, true
	}
	return nil, false
}

// Err returns the error that ended the stream early, or nil after a clean
// end-of-stream.
func (r *Reader) Err() error {
	return r.err
}

// Records returns the number of complete records framed so far.
func (r *Reader) Records() int {
	return r.records
}

// Skipped returns the number of framed records skipped so far, by reason.
func (r *Reader) Skipped() map[string]int {
	out := make(map[string]int, len(r.skipped))
	for k, v := range r.skipped {
		out[k] = v
	}
	return out
}

// Close releases the decompressor and, for readers made by Open, the file.
// Calling Close more than once is a no-op.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	// Innermost first: decompressor before the file it reads from.
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Reader) skip(reason string, hdr Header) {
	r.skipped[reason]++
	metrics.RecordsSkippedTotal.WithLabelValues(reason).Inc()
	r.logger.Debug("skipping MRT record",
		zap.String("reason", reason),
		zap.Uint16("type", hdr.Type),
		zap.Uint16("subtype", hdr.Subtype),
		zap.Uint32("length", hdr.Length),
	)
}

func parseHeader(b []byte) Header {
	return Header{
		Timestamp: binary.BigEndian.Uint32(b[0:4]),
		Type:      binary.BigEndian.Uint16(b[4:6]),
		Subtype:   binary.BigEndian.Uint16(b[6:8]),
		Length:    binary.BigEndian.Uint32(b[8:12]),
	}
}

// decodeRecord extracts the BGP4MP fields of one record. A non-empty reason
// means the record is not usable and should be skipped.
func decodeRecord(hdr Header, payload []byte) (*Message, string) {
	if hdr.Type != TypeBGP4MP && hdr.Type != TypeBGP4MPET {
		return nil, "type"
	}

	var micros uint32
	if hdr.Type == TypeBGP4MPET {
		if len(payload) < 4 {
			return nil, "short_body"
		}
		micros = binary.BigEndian.Uint32(payload[0:4])
		payload = payload[4:]
	}

	var asnSize int
	switch hdr.Subtype {
	case SubtypeBGP4MPMessage:
		asnSize = bgp.ASNSize2
	case SubtypeBGP4MPMessageAS4:
		asnSize = bgp.ASNSize4
	default:
		return nil, "subtype"
	}

	// peer_as, local_as, ifindex(2), afi(2)
	fixed := 2*asnSize + 4
	if len(payload) < fixed {
		return nil, "short_body"
	}

	msg := &Message{
		Header:    hdr,
		Timestamp: time.Unix(int64(hdr.Timestamp), int64(micros)*1000).UTC(),
		ASNSize:   asnSize,
	}

	offset := 0
	if asnSize == bgp.ASNSize2 {
		msg.PeerAS = uint32(binary.BigEndian.Uint16(payload[0:2]))
		msg.LocalAS = uint32(binary.BigEndian.Uint16(payload[2:4]))
		offset = 4
	} else {
		msg.PeerAS = binary.BigEndian.Uint32(payload[0:4])
		msg.LocalAS = binary.BigEndian.Uint32(payload[4:8])
		offset = 8
	}
	msg.InterfaceIndex = binary.BigEndian.Uint16(payload[offset : offset+2])
	msg.AFI = binary.BigEndian.Uint16(payload[offset+2 : offset+4])
	offset += 4

	if msg.AFI != bgp.AFIIPv4 {
		return nil, "afi"
	}
	if len(payload) < offset+8 {
		return nil, "short_body"
	}

	msg.PeerAddr = netip.AddrFrom4([4]byte(payload[offset : offset+4]))
	msg.LocalAddr = netip.AddrFrom4([4]byte(payload[offset+4 : offset+8]))
	msg.BGP = payload[offset+8:]

	return msg, ""
}
