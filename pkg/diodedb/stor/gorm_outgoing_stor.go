package stor

import (
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/materials-commons/diode/pkg/diodedb/model"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var eligibleOutgoingStates = []lifecycle.OutgoingState{lifecycle.OutgoingPending, lifecycle.OutgoingOngoing}

type GormOutgoingStor struct {
	db *gorm.DB
}

func NewGormOutgoingStor(db *gorm.DB) *GormOutgoingStor {
	return &GormOutgoingStor{db: db}
}

func (s *GormOutgoingStor) CreateOutgoingTransferable(t *model.OutgoingTransferable) (*model.OutgoingTransferable, error) {
	var err error

	if t.ID == "" {
		if t.ID, err = uuid.GenerateUUID(); err != nil {
			return nil, err
		}
	}

	if t.State == "" {
		t.State = lifecycle.OutgoingPending
	}

	err = WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Create(t).Error
	})

	if err != nil {
		return nil, errors.Wrapf(err, "creating outgoing transferable %s", t.ID)
	}

	return t, nil
}

func (s *GormOutgoingStor) GetOutgoingTransferableByID(id string) (*model.OutgoingTransferable, error) {
	var t model.OutgoingTransferable
	if err := s.db.Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}

	return &t, nil
}

// AddRange records the next chunk of a transferable. Ranges must be added in order and
// without gaps, and must not run past the declared size. When writePayload is not nil it is
// called with the new range id before the range is committed, so a pending range is never
// visible without its payload.
func (s *GormOutgoingStor) AddRange(transferableID string, offset, size int64, writePayload func(rangeID string) error) (*model.TransferableRange, error) {
	rangeID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}

	r := &model.TransferableRange{
		ID:             rangeID,
		TransferableID: transferableID,
		ByteOffset:     offset,
		Size:           size,
		State:          lifecycle.RangePending,
	}

	err = WithTxRetry(s.db, func(tx *gorm.DB) error {
		var t model.OutgoingTransferable
		if err := tx.Where("id = ?", transferableID).First(&t).Error; err != nil {
			return err
		}

		if t.State.IsTerminal() {
			return ErrTransferableFinished
		}

		var end int64
		err := tx.Model(&model.TransferableRange{}).
			Where("transferable_id = ?", transferableID).
			Select("COALESCE(MAX(byte_offset + size), 0)").
			Scan(&end).Error
		if err != nil {
			return err
		}

		switch {
		case offset != end:
			return errors.Wrapf(ErrOffsetMismatch, "range at %d, ranges end at %d", offset, end)
		case size < 0 || offset+size > t.Size:
			return errors.Errorf("range [%d, %d) runs past declared size %d", offset, offset+size, t.Size)
		}

		if err := tx.Create(r).Error; err != nil {
			return err
		}

		if writePayload != nil {
			return writePayload(r.ID)
		}

		return nil
	})

	if err != nil {
		return nil, errors.Wrapf(err, "adding range at %d to %s", offset, transferableID)
	}

	return r, nil
}

func (s *GormOutgoingStor) GetRangeByID(rangeID string) (*model.TransferableRange, error) {
	var r model.TransferableRange
	if err := s.db.Preload("Transferable").Where("id = ?", rangeID).First(&r).Error; err != nil {
		return nil, err
	}

	return &r, nil
}

// RevokeTransferable aborts a transferable: it moves to CANCELED or ERROR depending on
// reason, its pending ranges are canceled and a pending revocation is created for the
// scheduler to emit.
func (s *GormOutgoingStor) RevokeTransferable(transferableID string, reason lifecycle.RevocationReason) (*model.TransferableRevocation, error) {
	if !reason.IsValid() {
		return nil, errors.Errorf("invalid revocation reason %d", reason)
	}

	revocationID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	revocation := &model.TransferableRevocation{
		ID:             revocationID,
		TransferableID: transferableID,
		Reason:         reason,
		State:          lifecycle.RevocationPending,
	}

	err = WithTxRetry(s.db, func(tx *gorm.DB) error {
		var t model.OutgoingTransferable
		if err := tx.Where("id = ?", transferableID).First(&t).Error; err != nil {
			return err
		}

		to := lifecycle.OutgoingStateForReason(reason)
		if err := lifecycle.CheckTransition(t.State, to, t.State.CanTransitionTo); err != nil {
			return errors.Wrapf(ErrTransferableFinished, "%s", err)
		}

		err := tx.Model(&model.OutgoingTransferable{}).
			Where("id = ?", transferableID).
			Updates(map[string]any{"state": to, "finished_at": now}).Error
		if err != nil {
			return err
		}

		err = tx.Model(&model.TransferableRange{}).
			Where("transferable_id = ? AND state = ?", transferableID, lifecycle.RangePending).
			Updates(map[string]any{"state": lifecycle.RangeCanceled, "finished_at": now}).Error
		if err != nil {
			return err
		}

		return tx.Create(revocation).Error
	})

	if err != nil {
		return nil, errors.Wrapf(err, "revoking %s", transferableID)
	}

	return revocation, nil
}

// ListOwnersWithPendingRanges returns, sorted, the owners that have a transferable still in
// flight with at least one range waiting to be sent.
func (s *GormOutgoingStor) ListOwnersWithPendingRanges() ([]string, error) {
	var owners []string
	err := s.db.Model(&model.OutgoingTransferable{}).
		Distinct("outgoing_transferables.owner_id").
		Joins("JOIN transferable_ranges ON transferable_ranges.transferable_id = outgoing_transferables.id").
		Where("transferable_ranges.state = ?", lifecycle.RangePending).
		Where("outgoing_transferables.state IN ?", eligibleOutgoingStates).
		Where("NOT EXISTS (?)", s.pendingRevocationFor("outgoing_transferables.id")).
		Order("outgoing_transferables.owner_id").
		Pluck("outgoing_transferables.owner_id", &owners).Error

	return owners, err
}

func (s *GormOutgoingStor) pendingRevocationFor(column string) *gorm.DB {
	return s.db.Model(&model.TransferableRevocation{}).
		Select("1").
		Where("transferable_revocations.transferable_id = " + column).
		Where("transferable_revocations.state = ?", lifecycle.RevocationPending)
}

// NextPendingRangeForOwner returns the lowest offset pending range of the owner's oldest
// transferable that still has pending ranges. The range's Transferable is loaded. It
// returns nil, nil when the owner has nothing to send.
func (s *GormOutgoingStor) NextPendingRangeForOwner(ownerID string) (*model.TransferableRange, error) {
	var t model.OutgoingTransferable
	pendingRange := s.db.Model(&model.TransferableRange{}).
		Select("1").
		Where("transferable_ranges.transferable_id = outgoing_transferables.id").
		Where("transferable_ranges.state = ?", lifecycle.RangePending)

	err := s.db.Where("owner_id = ?", ownerID).
		Where("state IN ?", eligibleOutgoingStates).
		Where("EXISTS (?)", pendingRange).
		Where("NOT EXISTS (?)", s.pendingRevocationFor("outgoing_transferables.id")).
		Order("created_at").Order("id").
		First(&t).Error

	switch {
	case IsRecordNotFound(err):
		return nil, nil
	case err != nil:
		return nil, err
	}

	var r model.TransferableRange
	err = s.db.Where("transferable_id = ? AND state = ?", t.ID, lifecycle.RangePending).
		Order("byte_offset").
		First(&r).Error
	if err != nil {
		return nil, err
	}

	r.Transferable = &t
	return &r, nil
}

func (s *GormOutgoingStor) ListPendingRevocations() ([]model.TransferableRevocation, error) {
	var revocations []model.TransferableRevocation
	err := s.db.Where("state = ?", lifecycle.RevocationPending).
		Order("created_at").Order("id").
		Find(&revocations).Error
	return revocations, err
}

// ListRecentlyActiveTransferableIDs returns the ids of transferables that had a range
// transferred at or after since.
func (s *GormOutgoingStor) ListRecentlyActiveTransferableIDs(since time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.Model(&model.TransferableRange{}).
		Distinct("transferable_id").
		Where("state = ? AND finished_at >= ?", lifecycle.RangeTransferred, since).
		Order("transferable_id").
		Limit(limit).
		Pluck("transferable_id", &ids).Error
	return ids, err
}

// MarkRangeTransferred records that a range was handed to the sender. The owning
// transferable becomes ONGOING, or SUCCESS once every byte of its declared size has been
// transferred.
func (s *GormOutgoingStor) MarkRangeTransferred(rangeID string, at time.Time) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		var r model.TransferableRange
		if err := tx.Where("id = ?", rangeID).First(&r).Error; err != nil {
			return err
		}

		result := tx.Model(&model.TransferableRange{}).
			Where("id = ? AND state = ?", rangeID, lifecycle.RangePending).
			Updates(map[string]any{"state": lifecycle.RangeTransferred, "finished_at": at})
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			return errors.Wrapf(ErrNotPending, "range %s", rangeID)
		}

		var t model.OutgoingTransferable
		if err := tx.Where("id = ?", r.TransferableID).First(&t).Error; err != nil {
			return err
		}

		var transferred int64
		err := tx.Model(&model.TransferableRange{}).
			Where("transferable_id = ? AND state = ?", t.ID, lifecycle.RangeTransferred).
			Select("COALESCE(SUM(size), 0)").
			Scan(&transferred).Error
		if err != nil {
			return err
		}

		updates := map[string]any{}
		switch {
		case transferred == t.Size && t.State.CanTransitionTo(lifecycle.OutgoingSuccess):
			updates["state"] = lifecycle.OutgoingSuccess
			updates["finished_at"] = at
		case t.State == lifecycle.OutgoingPending:
			updates["state"] = lifecycle.OutgoingOngoing
		default:
			return nil
		}

		return tx.Model(&model.OutgoingTransferable{}).Where("id = ?", t.ID).Updates(updates).Error
	})
}

func (s *GormOutgoingStor) MarkRevocationsTransferred(revocationIDs []string, at time.Time) error {
	if len(revocationIDs) == 0 {
		return nil
	}

	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(&model.TransferableRevocation{}).
			Where("id IN ? AND state = ?", revocationIDs, lifecycle.RevocationPending).
			Updates(map[string]any{"state": lifecycle.RevocationTransferred, "finished_at": at}).Error
	})
}

// ListRangesWithDeletablePayload returns ranges whose bytes are no longer needed on the
// origin: they were either transferred or canceled.
func (s *GormOutgoingStor) ListRangesWithDeletablePayload(limit int) ([]model.TransferableRange, error) {
	var ranges []model.TransferableRange
	err := s.db.Where("state IN ? AND payload_deleted = ?",
		[]lifecycle.RangeState{lifecycle.RangeTransferred, lifecycle.RangeCanceled}, false).
		Order("finished_at").
		Limit(limit).
		Find(&ranges).Error
	return ranges, err
}

func (s *GormOutgoingStor) MarkRangePayloadDeleted(rangeID string) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(&model.TransferableRange{}).Where("id = ?", rangeID).Update("payload_deleted", true).Error
	})
}
