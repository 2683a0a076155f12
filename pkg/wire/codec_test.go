package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newID(t *testing.T) ID {
	s, err := uuid.GenerateUUID()
	require.NoError(t, err)
	id, err := ParseID(s)
	require.NoError(t, err)
	return id
}

func fullPacket(t *testing.T) *Packet {
	tid := newID(t)
	owner := newID(t)
	return &Packet{
		Ranges: []Range{
			{
				TransferableID: tid,
				OwnerID:        owner,
				Offset:         0,
				SizeKnown:      true,
				DeclaredSize:   11,
				Name:           "résumé.txt",
				Payload:        []byte("hello "),
			},
			{
				TransferableID: tid,
				OwnerID:        owner,
				Offset:         6,
				Final:          true,
				SizeKnown:      true,
				DeclaredSize:   11,
				Name:           "résumé.txt",
				Payload:        []byte("world"),
				Digest:         sha256.Sum256([]byte("hello world")),
			},
		},
		Revocations: []Revocation{
			{TransferableID: newID(t), Reason: lifecycle.ReasonUserCanceled},
			{TransferableID: newID(t), Reason: lifecycle.ReasonUploadInterrupted},
		},
		History: []History{
			{
				Marker:          newID(t),
				Timestamp:       time.Unix(0, 1700000000123456789).UTC(),
				TransferableIDs: []ID{tid},
			},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet *Packet
	}{
		{name: "empty", packet: &Packet{}},
		{name: "full", packet: fullPacket(t)},
		{name: "liveness only", packet: &Packet{History: []History{{Marker: newID(t), Timestamp: time.Unix(5, 0).UTC()}}}},
		{name: "empty final range", packet: &Packet{Ranges: []Range{{TransferableID: newID(t), Final: true, SizeKnown: true, Digest: sha256.Sum256(nil)}}}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			frame, err := Encode(test.packet)
			require.NoError(t, err)

			decoded, err := Decode(frame)
			require.NoError(t, err)
			require.Equal(t, test.packet, decoded)
		})
	}
}

func TestEmptyPayloadDecodesAsNil(t *testing.T) {
	tid := newID(t)
	frame, err := Encode(&Packet{Ranges: []Range{{TransferableID: tid, Payload: []byte{}}}})
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, decoded.Ranges, 1)
	require.Nil(t, decoded.Ranges[0].Payload)
	require.Equal(t, uint64(0), decoded.Ranges[0].End())
	require.Equal(t, &Packet{Ranges: []Range{{TransferableID: tid}}}, decoded)
}

func TestDecodeTruncated(t *testing.T) {
	frame, err := Encode(fullPacket(t))
	require.NoError(t, err)

	// Every proper prefix of a valid frame must be rejected without panicking.
	for n := 0; n < len(frame); n++ {
		_, err := Decode(frame[:n])
		require.Errorf(t, err, "prefix of %d bytes decoded", n)
		require.Truef(t, errors.Is(err, ErrDecode), "prefix of %d bytes: %s", n, err)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	frame, err := Encode(fullPacket(t))
	require.NoError(t, err)

	t.Run("body length", func(t *testing.T) {
		bad := bytes.Clone(frame)
		binary.BigEndian.PutUint32(bad[5:], uint32(len(frame)))
		_, err := Decode(bad)
		require.ErrorIs(t, err, ErrDecode)
	})

	t.Run("record count", func(t *testing.T) {
		bad := bytes.Clone(frame)
		// ranges section count sits right after the frame header
		binary.BigEndian.PutUint32(bad[HeaderSize:], 3)
		_, err := Decode(bad)
		require.ErrorIs(t, err, ErrDecode)
	})

	t.Run("huge count", func(t *testing.T) {
		bad := bytes.Clone(frame)
		binary.BigEndian.PutUint32(bad[HeaderSize:], 0xFFFFFFFF)
		_, err := Decode(bad)
		require.ErrorIs(t, err, ErrDecode)
	})

	t.Run("section length", func(t *testing.T) {
		bad := bytes.Clone(frame)
		binary.BigEndian.PutUint32(bad[HeaderSize+4:], 0xFFFFFF00)
		_, err := Decode(bad)
		require.ErrorIs(t, err, ErrDecode)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		bad := append(bytes.Clone(frame), 0)
		binary.BigEndian.PutUint32(bad[5:], uint32(len(bad)-HeaderSize))
		_, err := Decode(bad)
		require.ErrorIs(t, err, ErrDecode)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := bytes.Clone(frame)
		bad[0] = 'X'
		_, err := Decode(bad)
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, "frame", decodeErr.Section)
	})
}

func TestDecodeRejectsUnknownReason(t *testing.T) {
	frame, err := Encode(&Packet{Revocations: []Revocation{{TransferableID: newID(t), Reason: lifecycle.ReasonStorageFull}}})
	require.NoError(t, err)

	// The reason byte is the last byte before the (empty) history section header.
	frame[len(frame)-sectionHeaderSize-1] = 99
	_, err = Decode(frame)
	require.ErrorIs(t, err, ErrDecode)
}

func TestEncodeRejectsInvalidRecords(t *testing.T) {
	_, err := Encode(&Packet{Revocations: []Revocation{{Reason: 0}}})
	require.Error(t, err)

	_, err = Encode(&Packet{Ranges: []Range{{Name: string(make([]byte, 70000))}}})
	require.Error(t, err)
}

func TestReadFrame(t *testing.T) {
	first, err := Encode(fullPacket(t))
	require.NoError(t, err)
	second, err := Encode(&Packet{})
	require.NoError(t, err)

	stream := bytes.NewReader(append(bytes.Clone(first), second...))

	frame, err := ReadFrame(stream, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, first, frame)

	frame, err = ReadFrame(stream, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, second, frame)

	_, err = ReadFrame(stream, DefaultMaxFrameSize)
	require.Equal(t, io.EOF, err)

	_, err = ReadFrame(bytes.NewReader(first[:len(first)-1]), DefaultMaxFrameSize)
	require.Equal(t, io.ErrUnexpectedEOF, err)

	_, err = ReadFrame(bytes.NewReader(first), len(first)-1)
	require.ErrorIs(t, err, ErrDecode)
}

func TestIDString(t *testing.T) {
	s, err := uuid.GenerateUUID()
	require.NoError(t, err)

	id, err := ParseID(s)
	require.NoError(t, err)
	require.Equal(t, s, id.String())
	require.False(t, id.IsZero())

	_, err = ParseID("not-a-uuid")
	require.Error(t, err)
}
