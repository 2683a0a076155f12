package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
	"unicode/utf8"

	"github.com/materials-commons/diode/pkg/lifecycle"
)

// Frame layout: magic(4) | version(1) | body length(4) | body.
//
// The body holds the range, revocation and history sections in that order. Every section
// starts with a record count and the byte length of its records, both uint32. All integers
// are big endian.
const (
	Version    = 1
	HeaderSize = 9

	DefaultMaxFrameSize = 128 * 1024 * 1024

	sectionHeaderSize = 8

	flagFinal     = 1 << 0
	flagSizeKnown = 1 << 1
	knownFlags    = flagFinal | flagSizeKnown

	// id + owner + offset + flags + declared size + name length + payload length
	minRangeSize      = IDSize + IDSize + 8 + 1 + 8 + 2 + 4
	revocationSize    = IDSize + 1
	minHistorySize    = IDSize + 8 + 2
	sectionRanges     = "ranges"
	sectionRevocation = "revocations"
	sectionHistory    = "history"
	sectionFrame      = "frame"
)

var magic = [4]byte{'D', 'I', 'O', 'D'}

// Encode serializes p into a complete frame.
func Encode(p *Packet) ([]byte, error) {
	var (
		ranges      []byte
		revocations []byte
		history     []byte
	)

	for i := range p.Ranges {
		r := &p.Ranges[i]
		if len(r.Name) > math.MaxUint16 {
			return nil, fmt.Errorf("range %d: name is %d bytes, max is %d", i, len(r.Name), math.MaxUint16)
		}

		if uint64(len(r.Payload)) > math.MaxUint32 {
			return nil, fmt.Errorf("range %d: payload is %d bytes, max is %d", i, len(r.Payload), uint64(math.MaxUint32))
		}

		ranges = appendRange(ranges, r)
	}

	for i, rev := range p.Revocations {
		if !rev.Reason.IsValid() {
			return nil, fmt.Errorf("revocation %d: unknown reason %d", i, rev.Reason)
		}

		revocations = append(revocations, rev.TransferableID[:]...)
		revocations = append(revocations, byte(rev.Reason))
	}

	for i, h := range p.History {
		if len(h.TransferableIDs) > math.MaxUint16 {
			return nil, fmt.Errorf("history %d: too many transferable ids (%d)", i, len(h.TransferableIDs))
		}

		history = append(history, h.Marker[:]...)
		history = binary.BigEndian.AppendUint64(history, uint64(h.Timestamp.UnixNano()))
		history = binary.BigEndian.AppendUint16(history, uint16(len(h.TransferableIDs)))
		for _, id := range h.TransferableIDs {
			history = append(history, id[:]...)
		}
	}

	bodyLen := 3*sectionHeaderSize + len(ranges) + len(revocations) + len(history)
	if bodyLen > math.MaxUint32 {
		return nil, fmt.Errorf("packet body is %d bytes, max is %d", bodyLen, uint64(math.MaxUint32))
	}

	frame := make([]byte, 0, HeaderSize+bodyLen)
	frame = append(frame, magic[:]...)
	frame = append(frame, Version)
	frame = binary.BigEndian.AppendUint32(frame, uint32(bodyLen))
	frame = appendSection(frame, len(p.Ranges), ranges)
	frame = appendSection(frame, len(p.Revocations), revocations)
	frame = appendSection(frame, len(p.History), history)

	return frame, nil
}

func appendRange(b []byte, r *Range) []byte {
	var flags byte
	if r.Final {
		flags |= flagFinal
	}

	if r.SizeKnown {
		flags |= flagSizeKnown
	}

	b = append(b, r.TransferableID[:]...)
	b = append(b, r.OwnerID[:]...)
	b = binary.BigEndian.AppendUint64(b, r.Offset)
	b = append(b, flags)
	b = binary.BigEndian.AppendUint64(b, r.DeclaredSize)
	b = binary.BigEndian.AppendUint16(b, uint16(len(r.Name)))
	b = append(b, r.Name...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(r.Payload)))
	b = append(b, r.Payload...)
	if r.Final {
		b = append(b, r.Digest[:]...)
	}

	return b
}

func appendSection(b []byte, count int, records []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(count))
	b = binary.BigEndian.AppendUint32(b, uint32(len(records)))
	return append(b, records...)
}

// Decode parses a complete frame as produced by Encode. Any inconsistency between the
// declared lengths/counts and the bytes actually present is reported as a *DecodeError.
func Decode(frame []byte) (*Packet, error) {
	d := &decoder{buf: frame, section: sectionFrame}

	if err := d.header(); err != nil {
		return nil, err
	}

	var (
		p   Packet
		err error
	)

	if p.Ranges, err = decodeSection(d, sectionRanges, minRangeSize, (*decoder).rangeRecord); err != nil {
		return nil, err
	}

	if p.Revocations, err = decodeSection(d, sectionRevocation, revocationSize, (*decoder).revocationRecord); err != nil {
		return nil, err
	}

	if p.History, err = decodeSection(d, sectionHistory, minHistorySize, (*decoder).historyRecord); err != nil {
		return nil, err
	}

	if d.off != len(d.buf) {
		d.section = sectionFrame
		return nil, d.fail("%d trailing bytes after last section", len(d.buf)-d.off)
	}

	return &p, nil
}

// ReadFrame reads exactly one frame from r. It returns io.EOF only when r is exhausted on
// a frame boundary. A bad header is reported as a *DecodeError; the stream cannot be
// resynchronized after one.
func ReadFrame(r io.Reader, maxFrameSize int) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	d := &decoder{buf: header, section: sectionFrame}
	if err := d.checkMagicAndVersion(); err != nil {
		return nil, err
	}

	bodyLen := binary.BigEndian.Uint32(header[5:])
	if maxFrameSize > 0 && int64(bodyLen)+HeaderSize > int64(maxFrameSize) {
		return nil, d.fail("frame of %d bytes exceeds max of %d", int64(bodyLen)+HeaderSize, maxFrameSize)
	}

	frame := make([]byte, HeaderSize+int(bodyLen))
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return frame, nil
}

type decoder struct {
	buf     []byte
	off     int
	limit   int
	section string
}

func (d *decoder) fail(format string, args ...any) error {
	return &DecodeError{Section: d.section, Offset: d.off, Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) checkMagicAndVersion() error {
	if len(d.buf) < HeaderSize {
		return d.fail("truncated header (%d bytes)", len(d.buf))
	}

	if [4]byte(d.buf[:4]) != magic {
		return d.fail("bad magic %x", d.buf[:4])
	}

	if d.buf[4] != Version {
		return d.fail("unsupported version %d", d.buf[4])
	}

	return nil
}

func (d *decoder) header() error {
	if err := d.checkMagicAndVersion(); err != nil {
		return err
	}

	bodyLen := binary.BigEndian.Uint32(d.buf[5:HeaderSize])
	if int64(bodyLen) != int64(len(d.buf)-HeaderSize) {
		return d.fail("declared body length %d but frame holds %d bytes", bodyLen, len(d.buf)-HeaderSize)
	}

	d.off = HeaderSize
	d.limit = len(d.buf)
	return nil
}

// take returns the next n bytes without reading past the current limit.
func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || n > d.limit-d.off {
		return nil, d.fail("need %d bytes, %d remain", n, d.limit-d.off)
	}

	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) uint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) uint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) id() (ID, error) {
	var id ID
	b, err := d.take(IDSize)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

type recordDecoder[T any] func(d *decoder) (T, error)

func decodeSection[T any](d *decoder, name string, minRecordSize int, decode recordDecoder[T]) ([]T, error) {
	d.section = name

	count, err := d.uint32()
	if err != nil {
		return nil, err
	}

	length, err := d.uint32()
	if err != nil {
		return nil, err
	}

	if int64(length) > int64(len(d.buf)-d.off) {
		return nil, d.fail("section length %d exceeds the %d remaining bytes", length, len(d.buf)-d.off)
	}

	if uint64(count)*uint64(minRecordSize) > uint64(length) {
		return nil, d.fail("%d records cannot fit in %d bytes", count, length)
	}

	end := d.off + int(length)
	d.limit = end
	defer func() { d.limit = len(d.buf) }()

	if count == 0 {
		if length != 0 {
			return nil, d.fail("empty section declares %d bytes", length)
		}
		return nil, nil
	}

	records := make([]T, 0, count)
	for i := uint32(0); i < count; i++ {
		record, err := decode(d)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if d.off != end {
		return nil, d.fail("records end at %d but section ends at %d", d.off, end)
	}

	return records, nil
}

func (d *decoder) rangeRecord() (Range, error) {
	var (
		r   Range
		err error
	)

	if r.TransferableID, err = d.id(); err != nil {
		return r, err
	}

	if r.OwnerID, err = d.id(); err != nil {
		return r, err
	}

	if r.Offset, err = d.uint64(); err != nil {
		return r, err
	}

	flags, err := d.uint8()
	if err != nil {
		return r, err
	}

	if flags&^knownFlags != 0 {
		return r, d.fail("unknown range flags %#x", flags)
	}

	r.Final = flags&flagFinal != 0
	r.SizeKnown = flags&flagSizeKnown != 0

	if r.DeclaredSize, err = d.uint64(); err != nil {
		return r, err
	}

	nameLen, err := d.uint16()
	if err != nil {
		return r, err
	}

	name, err := d.take(int(nameLen))
	if err != nil {
		return r, err
	}

	if !utf8.Valid(name) {
		return r, d.fail("transferable name is not valid utf-8")
	}
	r.Name = string(name)

	payloadLen, err := d.uint32()
	if err != nil {
		return r, err
	}

	payload, err := d.take(int(payloadLen))
	if err != nil {
		return r, err
	}

	// Empty payloads stay nil whether they were sent as nil or as an empty slice.
	if payloadLen != 0 {
		r.Payload = append([]byte(nil), payload...)
	}

	if r.Offset > math.MaxUint64-uint64(payloadLen) {
		return r, d.fail("range end overflows")
	}

	if r.Final {
		digest, err := d.take(DigestSize)
		if err != nil {
			return r, err
		}
		copy(r.Digest[:], digest)
	}

	return r, nil
}

func (d *decoder) revocationRecord() (Revocation, error) {
	var (
		rev Revocation
		err error
	)

	if rev.TransferableID, err = d.id(); err != nil {
		return rev, err
	}

	reason, err := d.uint8()
	if err != nil {
		return rev, err
	}

	rev.Reason = lifecycle.RevocationReason(reason)
	if !rev.Reason.IsValid() {
		return rev, d.fail("unknown revocation reason %d", reason)
	}

	return rev, nil
}

func (d *decoder) historyRecord() (History, error) {
	var (
		h   History
		err error
	)

	if h.Marker, err = d.id(); err != nil {
		return h, err
	}

	ts, err := d.uint64()
	if err != nil {
		return h, err
	}
	h.Timestamp = time.Unix(0, int64(ts)).UTC()

	count, err := d.uint16()
	if err != nil {
		return h, err
	}

	if int(count)*IDSize > d.limit-d.off {
		return h, d.fail("%d ids cannot fit in %d bytes", count, d.limit-d.off)
	}

	for i := 0; i < int(count); i++ {
		id, err := d.id()
		if err != nil {
			return h, err
		}
		h.TransferableIDs = append(h.TransferableIDs, id)
	}

	return h, nil
}
