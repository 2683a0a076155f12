package extract

import (
	"context"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/materials-commons/diode/pkg/lock"
	"github.com/materials-commons/diode/pkg/objstore"
	"github.com/materials-commons/diode/pkg/wire"
)

// RevocationExtractor moves revoked transferables to REVOKED, aborts their uploads and
// flags their storage for the retention sweeper to remove.
type RevocationExtractor struct {
	incoming stor.IncomingStor
	store    objstore.MultipartStore
	locker   *lock.IdLocker[string]
	now      func() time.Time
	log      *log.Entry
}

func (e *RevocationExtractor) Extract(ctx context.Context, pkt *wire.Packet) error {
	var errs []error

	for _, rev := range pkt.Revocations {
		id := rev.TransferableID.String()

		err := e.locker.WithLock(id, func() error {
			return e.revoke(ctx, id, rev.Reason)
		})

		if err != nil {
			e.log.WithField("transferable_id", id).Errorf("Revocation failed: %s", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (e *RevocationExtractor) revoke(ctx context.Context, id string, reason lifecycle.RevocationReason) error {
	t, err := e.incoming.GetIncomingTransferableByID(id)
	switch {
	case stor.IsRecordNotFound(err):
		// Revoked before any of its ranges made it across.
		e.log.WithField("transferable_id", id).Infof("Ignoring revocation (%s) of unknown transferable", reason)
		return nil
	case err != nil:
		return err
	}

	if t.State.IsTerminal() {
		e.log.WithField("transferable_id", id).Infof("Ignoring revocation (%s), transferable is already %s", reason, t.State)
		return nil
	}

	if err := e.incoming.FinishIncomingTransferable(id, lifecycle.IncomingRevoked, "", true, e.now()); err != nil {
		return err
	}

	if t.HasUpload() {
		if err := e.store.AbortMultipartUpload(ctx, uploadOf(t)); err != nil && !errors.Is(err, objstore.ErrNoSuchUpload) {
			e.log.WithField("transferable_id", id).Errorf("Unable to abort upload %s: %s", t.UploadID, err)
		}
	}

	e.log.WithField("transferable_id", id).Infof("Revoked (%s) after %d bytes", reason, t.BytesReceived)
	return nil
}
