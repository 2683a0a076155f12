// Package scheduler decides what goes into each packet the origin emits: the next range in
// a per-owner round robin, every pending revocation and a history record.
package scheduler

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/hashicorp/go-uuid"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/diodedb/model"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/materials-commons/diode/pkg/wire"
	"github.com/pkg/errors"
)

const (
	DefaultHistoryWindow = 10 * time.Minute
	DefaultHistoryLimit  = 32
)

// PayloadStore holds range bytes by range id. rangestore.Store implements it.
type PayloadStore interface {
	Write(rangeID string, payload []byte) error
	Read(rangeID string) ([]byte, error)
}

// Rotation is the round robin cursor: the owner that was served last. The zero value
// starts with the lowest owner id.
type Rotation struct {
	LastOwner string
}

// next returns the candidates in the order they should be tried: the first owner after
// the cursor, wrapping. owners must be sorted.
func (r *Rotation) next(owners []string) []string {
	start := 0
	for i, owner := range owners {
		if owner > r.LastOwner {
			start = i
			break
		}
	}

	ordered := make([]string, 0, len(owners))
	ordered = append(ordered, owners[start:]...)
	return append(ordered, owners[:start]...)
}

type Options struct {
	// LivenessOnly leaves ranges and revocations out, for maintenance mode.
	LivenessOnly bool
}

// Selection is what Schedule picked, along with the packet built from it. Commit it once
// the packet has been handed to the sender.
type Selection struct {
	Range       *model.TransferableRange
	Revocations []model.TransferableRevocation
	Packet      *wire.Packet
}

func (s *Selection) IsEmpty() bool {
	return s.Range == nil && len(s.Revocations) == 0
}

type Scheduler struct {
	outgoing      stor.OutgoingStor
	payloads      PayloadStore
	marker        wire.ID
	historyWindow time.Duration
	historyLimit  int
	now           func() time.Time
	log           *log.Entry
}

type Option func(s *Scheduler)

func WithHistoryWindow(window time.Duration) Option {
	return func(s *Scheduler) {
		s.historyWindow = window
	}
}

func WithMarker(marker wire.ID) Option {
	return func(s *Scheduler) {
		s.marker = marker
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler. Unless WithMarker is given, a fresh origin marker is generated
// so the destination can tell origin restarts apart.
func New(outgoing stor.OutgoingStor, payloads PayloadStore, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		outgoing:      outgoing,
		payloads:      payloads,
		historyWindow: DefaultHistoryWindow,
		historyLimit:  DefaultHistoryLimit,
		now:           time.Now,
		log:           clog.UsingCtx("scheduler"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.marker.IsZero() {
		b, err := uuid.GenerateRandomBytes(wire.IDSize)
		if err != nil {
			return nil, err
		}
		copy(s.marker[:], b)
	}

	return s, nil
}

func (s *Scheduler) Marker() wire.ID {
	return s.marker
}

// AddRange stores the next chunk of a transferable and records it as pending.
func (s *Scheduler) AddRange(transferableID string, offset int64, payload []byte) (*model.TransferableRange, error) {
	return s.outgoing.AddRange(transferableID, offset, int64(len(payload)), func(rangeID string) error {
		return s.payloads.Write(rangeID, payload)
	})
}

// Schedule builds the next packet. It never blocks waiting for work: with nothing pending
// the packet carries only the history record. The rotation advances only when a range is
// selected.
func (s *Scheduler) Schedule(ctx context.Context, rotation *Rotation, opts Options) (*Selection, error) {
	sel := &Selection{Packet: &wire.Packet{}}

	if !opts.LivenessOnly {
		if err := s.selectRange(ctx, rotation, sel); err != nil {
			return nil, err
		}

		if err := s.selectRevocations(sel); err != nil {
			return nil, err
		}
	}

	history, err := s.history()
	if err != nil {
		return nil, err
	}

	sel.Packet.History = []wire.History{history}

	return sel, nil
}

func (s *Scheduler) selectRange(ctx context.Context, rotation *Rotation, sel *Selection) error {
	owners, err := s.outgoing.ListOwnersWithPendingRanges()
	if err != nil {
		return errors.Wrap(err, "listing owners with pending ranges")
	}

	if len(owners) == 0 {
		return nil
	}

	for _, owner := range rotation.next(owners) {
		if err := ctx.Err(); err != nil {
			return err
		}

		r, err := s.outgoing.NextPendingRangeForOwner(owner)
		if err != nil {
			return errors.Wrapf(err, "finding next range for owner %s", owner)
		}

		if r == nil {
			continue
		}

		wr, err := s.toWireRange(r)
		if err != nil {
			// The range can never be sent. Revoke so the destination drops what it has and
			// the owner's queue keeps moving.
			s.log.WithField("transferable_id", r.TransferableID).Errorf("Unable to send range %s: %s", r.ID, err)
			if _, rerr := s.outgoing.RevokeTransferable(r.TransferableID, lifecycle.ReasonUnexpectedError); rerr != nil {
				return errors.Wrapf(rerr, "revoking unsendable transferable %s", r.TransferableID)
			}
			continue
		}

		rotation.LastOwner = owner
		sel.Range = r
		sel.Packet.Ranges = []wire.Range{*wr}
		return nil
	}

	return nil
}

func (s *Scheduler) toWireRange(r *model.TransferableRange) (*wire.Range, error) {
	t := r.Transferable
	if t == nil {
		return nil, fmt.Errorf("range %s has no transferable loaded", r.ID)
	}

	tid, err := wire.ParseID(t.ID)
	if err != nil {
		return nil, fmt.Errorf("bad transferable id: %w", err)
	}

	oid, err := wire.ParseID(t.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("bad owner id %q: %w", t.OwnerID, err)
	}

	payload, err := s.payloads.Read(r.ID)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	if int64(len(payload)) != r.Size {
		return nil, fmt.Errorf("payload is %d bytes, range is %d", len(payload), r.Size)
	}

	wr := &wire.Range{
		TransferableID: tid,
		OwnerID:        oid,
		Offset:         uint64(r.ByteOffset),
		Final:          r.IsLast(),
		SizeKnown:      true,
		DeclaredSize:   uint64(t.Size),
		Name:           t.Name,
		Payload:        payload,
	}

	if wr.Final {
		digest, err := hex.DecodeString(t.Digest)
		if err != nil || len(digest) != wire.DigestSize {
			return nil, fmt.Errorf("final range needs a sha256 digest, have %q", t.Digest)
		}
		copy(wr.Digest[:], digest)
	}

	return wr, nil
}

func (s *Scheduler) selectRevocations(sel *Selection) error {
	revocations, err := s.outgoing.ListPendingRevocations()
	if err != nil {
		return errors.Wrap(err, "listing pending revocations")
	}

	for _, rev := range revocations {
		tid, err := wire.ParseID(rev.TransferableID)
		if err != nil {
			s.log.WithField("transferable_id", rev.TransferableID).Errorf("Skipping revocation with bad id: %s", err)
			continue
		}

		sel.Revocations = append(sel.Revocations, rev)
		sel.Packet.Revocations = append(sel.Packet.Revocations, wire.Revocation{TransferableID: tid, Reason: rev.Reason})
	}

	return nil
}

func (s *Scheduler) history() (wire.History, error) {
	now := s.now()
	h := wire.History{Marker: s.marker, Timestamp: now}

	ids, err := s.outgoing.ListRecentlyActiveTransferableIDs(now.Add(-s.historyWindow), s.historyLimit)
	if err != nil {
		return h, errors.Wrap(err, "listing recently active transferables")
	}

	for _, id := range ids {
		if tid, err := wire.ParseID(id); err == nil {
			h.TransferableIDs = append(h.TransferableIDs, tid)
		}
	}

	return h, nil
}

// Commit records that the selection's packet was handed to the sender.
func (s *Scheduler) Commit(_ context.Context, sel *Selection) error {
	now := s.now()

	if sel.Range != nil {
		err := s.outgoing.MarkRangeTransferred(sel.Range.ID, now)
		switch {
		case errors.Is(err, stor.ErrNotPending):
			// Revoked between Schedule and Commit.
			s.log.WithField("transferable_id", sel.Range.TransferableID).Warnf("Range %s was no longer pending at commit", sel.Range.ID)
		case err != nil:
			return errors.Wrapf(err, "committing range %s", sel.Range.ID)
		}
	}

	if len(sel.Revocations) != 0 {
		ids := make([]string, 0, len(sel.Revocations))
		for _, rev := range sel.Revocations {
			ids = append(ids, rev.ID)
		}

		if err := s.outgoing.MarkRevocationsTransferred(ids, now); err != nil {
			return errors.Wrap(err, "committing revocations")
		}
	}

	return nil
}
