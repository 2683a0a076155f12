package wire

import (
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/materials-commons/diode/pkg/lifecycle"
)

const (
	IDSize     = 16
	DigestSize = 32
)

// ID is the fixed-width identifier of a transferable, an owner or an origin process.
type ID [IDSize]byte

// ParseID parses the canonical 36 character UUID form.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := uuid.ParseUUID(s)
	if err != nil {
		return id, err
	}

	copy(id[:], b)
	return id, nil
}

// MustParseID is ParseID for ids that are known to be valid, such as ids generated by
// the stores. It panics on a malformed id.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}

	return id
}

func (id ID) String() string {
	s, _ := uuid.FormatUUID(id[:])
	return s
}

func (id ID) IsZero() bool {
	return id == ID{}
}

// Range carries one contiguous chunk of a transferable. Digest is only meaningful, and only
// encoded, when Final is set. An empty Payload always decodes as nil.
type Range struct {
	TransferableID ID
	OwnerID        ID
	Offset         uint64
	Final          bool
	SizeKnown      bool
	DeclaredSize   uint64
	Name           string
	Payload        []byte
	Digest         [DigestSize]byte
}

// End is the offset of the first byte after this range.
func (r *Range) End() uint64 {
	return r.Offset + uint64(len(r.Payload))
}

type Revocation struct {
	TransferableID ID
	Reason         lifecycle.RevocationReason
}

// History proves the origin is alive. Marker identifies the origin process that produced
// it and TransferableIDs lists transferables that were recently active there.
type History struct {
	Marker          ID
	Timestamp       time.Time
	TransferableIDs []ID
}

// Packet is the unit that crosses the diode. Each section may be empty.
type Packet struct {
	Ranges      []Range
	Revocations []Revocation
	History     []History
}

// HasTransferContent is true when the packet carries ranges or revocations.
func (p *Packet) HasTransferContent() bool {
	return len(p.Ranges) != 0 || len(p.Revocations) != 0
}
