// Package extract applies received packets to the destination: ranges are appended to
// multipart uploads, revocations abort them and every packet refreshes the liveness mark.
package extract

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/apex/log"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/lock"
	"github.com/materials-commons/diode/pkg/objstore"
	"github.com/materials-commons/diode/pkg/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("diode-extract")

// ErrIntegrity marks a transferable that was failed because what arrived can't be the file
// that was sent: a gap in offsets, a wrong digest or a wrong size.
var ErrIntegrity = errors.New("integrity error")

// Extractor applies one section of a packet.
type Extractor interface {
	Extract(ctx context.Context, pkt *wire.Packet) error
}

// ObjectKeyFN names the object a transferable is uploaded to.
type ObjectKeyFN func(ownerID, transferableID, name string) string

func defaultObjectKey(ownerID, transferableID, _ string) string {
	return path.Join(ownerID, transferableID)
}

type options struct {
	now       func() time.Time
	objectKey ObjectKeyFN
	locker    *lock.IdLocker[string]
}

type OptionFN func(o *options)

func WithClock(now func() time.Time) OptionFN {
	return func(o *options) {
		o.now = now
	}
}

// WithLocker sets the per-transferable lock, for sharing it with other writers such as the
// retention sweeper.
func WithLocker(locker *lock.IdLocker[string]) OptionFN {
	return func(o *options) {
		o.locker = locker
	}
}

func WithObjectKeyFN(fn ObjectKeyFN) OptionFN {
	return func(o *options) {
		o.objectKey = fn
	}
}

// PacketHandler runs the range, revocation and liveness extractors, in that order, on
// every packet.
type PacketHandler struct {
	extractors []Extractor
	log        *log.Entry
}

func NewPacketHandler(stors *stor.DestinationStors, store objstore.MultipartStore, opts ...OptionFN) *PacketHandler {
	o := &options{now: time.Now, objectKey: defaultObjectKey, locker: lock.NewIdLocker[string]()}
	for _, opt := range opts {
		opt(o)
	}

	locker := o.locker
	logger := clog.UsingCtx("extract")

	return &PacketHandler{
		extractors: []Extractor{
			&RangeExtractor{incoming: stors.IncomingStor, store: store, locker: locker, now: o.now, objectKey: o.objectKey, log: logger},
			&RevocationExtractor{incoming: stors.IncomingStor, store: store, locker: locker, now: o.now, log: logger},
			&LivenessExtractor{liveness: stors.LivenessStor, now: o.now, log: logger},
		},
		log: logger,
	}
}

// HandlePacket runs every extractor even when an earlier one fails. The errors of all of
// them are returned joined.
func (h *PacketHandler) HandlePacket(ctx context.Context, pkt *wire.Packet) error {
	ctx, span := tracer.Start(ctx, "handle_packet", trace.WithAttributes(
		attribute.Int("ranges", len(pkt.Ranges)),
		attribute.Int("revocations", len(pkt.Revocations)),
		attribute.Int("history", len(pkt.History))))
	defer span.End()

	var errs []error
	for _, e := range h.extractors {
		if err := e.Extract(ctx, pkt); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}

	return err
}
