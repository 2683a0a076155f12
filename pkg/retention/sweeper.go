package retention

import (
	"context"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/materials-commons/diode/pkg/lock"
	"github.com/materials-commons/diode/pkg/objstore"
)

const DefaultExpireAfter = 72 * time.Hour

// Sweeper runs on the destination. Transfers that stopped receiving ranges are expired
// and the objects of revoked transfers are removed from object storage.
type Sweeper struct {
	incoming    stor.IncomingStor
	store       objstore.MultipartStore
	locker      *lock.IdLocker[string]
	interval    time.Duration
	expireAfter time.Duration
	now         func() time.Time
	log         *log.Entry
}

type SweeperOptionFN func(s *Sweeper)

func WithInterval(interval time.Duration) SweeperOptionFN {
	return func(s *Sweeper) {
		s.interval = interval
	}
}

func WithExpireAfter(d time.Duration) SweeperOptionFN {
	return func(s *Sweeper) {
		s.expireAfter = d
	}
}

func WithClock(now func() time.Time) SweeperOptionFN {
	return func(s *Sweeper) {
		s.now = now
	}
}

// WithLocker shares the packet handler's per-transferable lock so an expiry can't
// interleave with a range being applied.
func WithLocker(locker *lock.IdLocker[string]) SweeperOptionFN {
	return func(s *Sweeper) {
		s.locker = locker
	}
}

func NewSweeper(incoming stor.IncomingStor, store objstore.MultipartStore, opts ...SweeperOptionFN) *Sweeper {
	s := &Sweeper{
		incoming:    incoming,
		store:       store,
		locker:      lock.NewIdLocker[string](),
		interval:    DefaultInterval,
		expireAfter: DefaultExpireAfter,
		now:         time.Now,
		log:         clog.UsingCtx("retention"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Sweeper) Run(ctx context.Context) {
	runEvery(ctx, s.interval, func() {
		if err := s.Sweep(ctx); err != nil {
			s.log.Errorf("Sweep failed: %s", err)
		}
	})
}

// Sweep does one pass of expiry followed by storage removal.
func (s *Sweeper) Sweep(ctx context.Context) error {
	return errors.Join(s.expireStale(ctx), s.removeRevokedStorage(ctx))
}

func (s *Sweeper) expireStale(ctx context.Context) error {
	inactiveSince := s.now().Add(-s.expireAfter)
	stale, err := s.incoming.ListStaleOngoing(inactiveSince)
	if err != nil {
		return err
	}

	for _, candidate := range stale {
		err := s.locker.WithLock(candidate.ID, func() error {
			// A range may have been applied since the list was read.
			t, err := s.incoming.GetIncomingTransferableByID(candidate.ID)
			switch {
			case err != nil:
				return err
			case t.State != lifecycle.IncomingOngoing || !t.UpdatedAt.Before(inactiveSince):
				return nil
			}

			err = s.incoming.FinishIncomingTransferable(t.ID, lifecycle.IncomingExpired, "", false, s.now())
			if errors.Is(err, stor.ErrTransferableFinished) {
				// Finished while we were looking at it.
				return nil
			}

			if err != nil {
				return err
			}

			if t.HasUpload() {
				upload := objstore.Upload{Bucket: t.Bucket, Key: t.ObjectKey, UploadID: t.UploadID}
				if err := s.store.AbortMultipartUpload(ctx, upload); err != nil && !errors.Is(err, objstore.ErrNoSuchUpload) {
					s.log.WithField("transferable_id", t.ID).Errorf("Unable to abort upload %s: %s", t.UploadID, err)
				}
			}

			s.log.WithField("transferable_id", t.ID).Infof("Expired after %d bytes, last update at %s", t.BytesReceived, t.UpdatedAt)
			return nil
		})

		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Sweeper) removeRevokedStorage(ctx context.Context) error {
	pending, err := s.incoming.ListPendingStorageRemovals()
	if err != nil {
		return err
	}

	for _, t := range pending {
		if t.ObjectKey != "" {
			if err := s.store.RemoveObject(ctx, t.Bucket, t.ObjectKey); err != nil {
				s.log.WithField("transferable_id", t.ID).Errorf("Unable to remove %s: %s", t.ObjectKey, err)
				continue
			}
		}

		if err := s.incoming.ClearStorageRemoval(t.ID); err != nil {
			return err
		}
	}

	return nil
}
