package extract

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/apex/log"
	"github.com/materials-commons/diode/pkg/diodedb/model"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/materials-commons/diode/pkg/lock"
	"github.com/materials-commons/diode/pkg/objstore"
	"github.com/materials-commons/diode/pkg/rhash"
	"github.com/materials-commons/diode/pkg/wire"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RangeExtractor appends each range to its transferable's multipart upload, one part per
// range, and finalizes the upload when the final range arrives.
type RangeExtractor struct {
	incoming  stor.IncomingStor
	store     objstore.MultipartStore
	locker    *lock.IdLocker[string]
	now       func() time.Time
	objectKey ObjectKeyFN
	log       *log.Entry
}

// Extract applies the ranges in the order they are listed. A failure only affects the
// transferable it belongs to.
func (e *RangeExtractor) Extract(ctx context.Context, pkt *wire.Packet) error {
	var errs []error

	for i := range pkt.Ranges {
		r := &pkt.Ranges[i]
		id := r.TransferableID.String()

		err := e.locker.WithLock(id, func() error {
			return e.applyRange(ctx, id, r)
		})

		if err != nil {
			e.log.WithField("transferable_id", id).Errorf("Range at offset %d rejected: %s", r.Offset, err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (e *RangeExtractor) applyRange(ctx context.Context, id string, r *wire.Range) error {
	ctx, span := tracer.Start(ctx, "extract_range", trace.WithAttributes(
		attribute.String("transferable_id", id),
		attribute.Int64("offset", int64(r.Offset)),
		attribute.Int("size_bytes", len(r.Payload)),
		attribute.Bool("final", r.Final)))
	defer span.End()

	t, err := e.loadOrCreate(ctx, id, r)
	if err != nil {
		return err
	}

	if t.State.IsTerminal() {
		return pkgerrors.Wrapf(stor.ErrTransferableFinished, "%s is %s", id, t.State)
	}

	offset := int64(r.Offset)
	end := offset + int64(len(r.Payload))

	if offset != t.BytesReceived {
		return e.fail(ctx, t, "range at offset %d, %d bytes received", offset, t.BytesReceived)
	}

	if size, ok := declaredSize(t, r); ok && end > size {
		return e.fail(ctx, t, "range ends at %d, past declared size %d", end, size)
	}

	partCount, err := e.incoming.CountUploadParts(id)
	if err != nil {
		return err
	}
	partNumber := partCount + 1

	hashState, h, err := rhash.Update(t.HashState, r.Payload)
	if err != nil {
		return e.fail(ctx, t, "updating hash: %s", err)
	}

	etag, err := e.store.UploadPart(ctx, uploadOf(t), partNumber, r.Payload)
	switch {
	case isInterrupted(err):
		return pkgerrors.Wrapf(err, "uploading part %d of %s", partNumber, id)
	case err != nil:
		// The range can't be sent again, so the transferable can never complete.
		return e.fail(ctx, t, "uploading part %d: %s", partNumber, err)
	}

	part := &model.UploadPart{PartNumber: partNumber, ETag: etag, Size: int64(len(r.Payload))}
	if err := e.incoming.AppendRange(id, offset, hashState, part); err != nil {
		if errors.Is(err, stor.ErrOffsetMismatch) {
			return e.fail(ctx, t, "%s", err)
		}
		return err
	}

	t.BytesReceived = end
	t.HashState = hashState

	if r.Final {
		return e.finalize(ctx, t, r, h)
	}

	return nil
}

// loadOrCreate returns the transferable, creating it and its multipart upload on the
// first range. A transferable first seen at a non-zero offset is created already failed
// since its start was lost.
func (e *RangeExtractor) loadOrCreate(ctx context.Context, id string, r *wire.Range) (*model.IncomingTransferable, error) {
	t, err := e.incoming.GetIncomingTransferableByID(id)
	switch {
	case err == nil:
		return t, nil
	case !stor.IsRecordNotFound(err):
		return nil, err
	}

	t = &model.IncomingTransferable{
		ID:        id,
		OwnerID:   r.OwnerID.String(),
		Name:      r.Name,
		HashState: rhash.EmptyState(),
		State:     lifecycle.IncomingOngoing,
	}

	if r.SizeKnown {
		size := int64(r.DeclaredSize)
		t.Size = &size
	}

	if r.Offset != 0 {
		now := e.now()
		t.State = lifecycle.IncomingError
		t.FinishedAt = &now
		if _, err := e.incoming.CreateIncomingTransferable(t); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: first range for %s starts at offset %d", ErrIntegrity, id, r.Offset)
	}

	upload, err := e.store.CreateMultipartUpload(ctx, e.objectKey(t.OwnerID, id, t.Name))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "creating upload for %s", id)
	}

	t.Bucket = upload.Bucket
	t.ObjectKey = upload.Key
	t.UploadID = upload.UploadID

	if _, err := e.incoming.CreateIncomingTransferable(t); err != nil {
		e.abort(ctx, t)
		return nil, err
	}

	e.log.WithField("transferable_id", id).Infof("Receiving %q for owner %s", t.Name, t.OwnerID)
	return t, nil
}

func declaredSize(t *model.IncomingTransferable, r *wire.Range) (int64, bool) {
	switch {
	case r.SizeKnown:
		return int64(r.DeclaredSize), true
	case t.Size != nil:
		return *t.Size, true
	default:
		return 0, false
	}
}

// finalize checks the byte count and digest and completes the upload.
func (e *RangeExtractor) finalize(ctx context.Context, t *model.IncomingTransferable, r *wire.Range, h hash.Hash) error {
	if size, ok := declaredSize(t, r); ok && t.BytesReceived != size {
		return e.fail(ctx, t, "received %d bytes, declared size is %d", t.BytesReceived, size)
	}

	digest := rhash.Digest(h)
	if expected := hex.EncodeToString(r.Digest[:]); digest != expected {
		return e.fail(ctx, t, "digest %s does not match %s", digest, expected)
	}

	parts, err := e.incoming.ListUploadParts(t.ID)
	if err != nil {
		return err
	}

	completed := make([]objstore.Part, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, objstore.Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	err = e.store.CompleteMultipartUpload(ctx, uploadOf(t), completed)
	switch {
	case isInterrupted(err):
		return pkgerrors.Wrapf(err, "completing upload of %s", t.ID)
	case err != nil:
		return e.fail(ctx, t, "completing upload: %s", err)
	}

	if err := e.incoming.FinishIncomingTransferable(t.ID, lifecycle.IncomingSuccess, digest, false, e.now()); err != nil {
		return err
	}

	e.log.WithField("transferable_id", t.ID).Infof("Received %q, %d bytes, sha256 %s", t.Name, t.BytesReceived, digest)
	return nil
}

// fail moves t to ERROR and aborts its upload. It returns an error wrapping ErrIntegrity.
func (e *RangeExtractor) fail(ctx context.Context, t *model.IncomingTransferable, format string, args ...any) error {
	reason := fmt.Errorf("%w: %s: %s", ErrIntegrity, t.ID, fmt.Sprintf(format, args...))

	if err := e.incoming.FinishIncomingTransferable(t.ID, lifecycle.IncomingError, "", false, e.now()); err != nil {
		return errors.Join(reason, err)
	}

	e.abort(ctx, t)
	return reason
}

func (e *RangeExtractor) abort(ctx context.Context, t *model.IncomingTransferable) {
	if !t.HasUpload() {
		return
	}

	if err := e.store.AbortMultipartUpload(ctx, uploadOf(t)); err != nil {
		e.log.WithField("transferable_id", t.ID).Errorf("Unable to abort upload %s: %s", t.UploadID, err)
	}
}

// isInterrupted reports whether err came from the caller's context rather than from the
// object store. The transferable stays ONGOING in that case.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func uploadOf(t *model.IncomingTransferable) objstore.Upload {
	return objstore.Upload{Bucket: t.Bucket, Key: t.ObjectKey, UploadID: t.UploadID}
}
