// Package retention cleans up after transfers: the origin drops range payloads that are no
// longer needed and the destination expires stalled transfers and removes revoked objects.
package retention

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
)

const (
	DefaultInterval  = time.Minute
	defaultBatchSize = 500
)

// PayloadDeleter removes range payloads by range id. rangestore.Store implements it.
type PayloadDeleter interface {
	Delete(rangeID string) error
}

// RangeSweeper deletes the payloads of ranges that were transferred or canceled.
type RangeSweeper struct {
	outgoing  stor.OutgoingStor
	payloads  PayloadDeleter
	interval  time.Duration
	batchSize int
	log       *log.Entry
}

type RangeSweeperOptionFN func(s *RangeSweeper)

func WithRangeSweepInterval(interval time.Duration) RangeSweeperOptionFN {
	return func(s *RangeSweeper) {
		s.interval = interval
	}
}

func WithBatchSize(size int) RangeSweeperOptionFN {
	return func(s *RangeSweeper) {
		s.batchSize = size
	}
}

func NewRangeSweeper(outgoing stor.OutgoingStor, payloads PayloadDeleter, opts ...RangeSweeperOptionFN) *RangeSweeper {
	s := &RangeSweeper{
		outgoing:  outgoing,
		payloads:  payloads,
		interval:  DefaultInterval,
		batchSize: defaultBatchSize,
		log:       clog.UsingCtx("retention"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *RangeSweeper) Run(ctx context.Context) {
	runEvery(ctx, s.interval, func() {
		if _, err := s.Sweep(); err != nil {
			s.log.Errorf("Range payload sweep failed: %s", err)
		}
	})
}

// Sweep deletes one batch of payloads and returns how many were deleted. A payload that
// can't be deleted is left for the next sweep.
func (s *RangeSweeper) Sweep() (int, error) {
	ranges, err := s.outgoing.ListRangesWithDeletablePayload(s.batchSize)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, r := range ranges {
		if err := s.payloads.Delete(r.ID); err != nil {
			s.log.WithField("transferable_id", r.TransferableID).Errorf("Unable to delete payload of range %s: %s", r.ID, err)
			continue
		}

		if err := s.outgoing.MarkRangePayloadDeleted(r.ID); err != nil {
			return deleted, err
		}

		deleted++
	}

	if deleted != 0 {
		s.log.Debugf("Deleted %d range payloads", deleted)
	}

	return deleted, nil
}

// runEvery calls fn right away and then every interval until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	for {
		fn()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
