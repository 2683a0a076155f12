package stor

import (
	"time"

	"github.com/materials-commons/diode/pkg/diodedb/model"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type GormIncomingStor struct {
	db *gorm.DB
}

func NewGormIncomingStor(db *gorm.DB) *GormIncomingStor {
	return &GormIncomingStor{db: db}
}

func (s *GormIncomingStor) CreateIncomingTransferable(t *model.IncomingTransferable) (*model.IncomingTransferable, error) {
	if t.State == "" {
		t.State = lifecycle.IncomingOngoing
	}

	err := WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Create(t).Error
	})

	if err != nil {
		return nil, errors.Wrapf(err, "creating incoming transferable %s", t.ID)
	}

	return t, nil
}

func (s *GormIncomingStor) GetIncomingTransferableByID(id string) (*model.IncomingTransferable, error) {
	var t model.IncomingTransferable
	if err := s.db.Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}

	return &t, nil
}

func (s *GormIncomingStor) CountUploadParts(transferableID string) (int, error) {
	var count int64
	err := s.db.Model(&model.UploadPart{}).Where("incoming_transferable_id = ?", transferableID).Count(&count).Error
	return int(count), err
}

func (s *GormIncomingStor) ListUploadParts(transferableID string) ([]model.UploadPart, error) {
	var parts []model.UploadPart
	err := s.db.Where("incoming_transferable_id = ?", transferableID).Order("part_number").Find(&parts).Error
	return parts, err
}

// AppendRange advances bytes received by part.Size, stores the new hash state and records
// part, all in one transaction. The update only applies when the transferable is ONGOING and
// has received exactly expectedOffset bytes; this conditional update is what serializes
// concurrent writers. ErrOffsetMismatch or ErrTransferableFinished is returned otherwise.
func (s *GormIncomingStor) AppendRange(transferableID string, expectedOffset int64, hashState []byte, part *model.UploadPart) error {
	part.IncomingTransferableID = transferableID

	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		result := tx.Model(&model.IncomingTransferable{}).
			Where("id = ? AND state = ? AND bytes_received = ?", transferableID, lifecycle.IncomingOngoing, expectedOffset).
			Updates(map[string]any{
				"bytes_received": expectedOffset + part.Size,
				"hash_state":     hashState,
				"updated_at":     time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			var t model.IncomingTransferable
			if err := tx.Where("id = ?", transferableID).First(&t).Error; err != nil {
				return err
			}

			if t.State.IsTerminal() {
				return errors.Wrapf(ErrTransferableFinished, "%s is %s", transferableID, t.State)
			}

			return errors.Wrapf(ErrOffsetMismatch, "%s expected offset %d, has %d", transferableID, expectedOffset, t.BytesReceived)
		}

		return tx.Create(part).Error
	})
}

// FinishIncomingTransferable moves an ONGOING transferable to the terminal state to. A blank
// digest leaves the stored digest unchanged. ErrTransferableFinished is returned when the
// transferable already reached a terminal state.
func (s *GormIncomingStor) FinishIncomingTransferable(transferableID string, to lifecycle.IncomingState, digest string, removeStorage bool, at time.Time) error {
	if err := lifecycle.CheckTransition(lifecycle.IncomingOngoing, to, lifecycle.IncomingOngoing.CanTransitionTo); err != nil {
		return err
	}

	updates := map[string]any{
		"state":                   to,
		"finished_at":             at,
		"storage_removal_pending": removeStorage,
	}

	if digest != "" {
		updates["digest"] = digest
	}

	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		result := tx.Model(&model.IncomingTransferable{}).
			Where("id = ? AND state = ?", transferableID, lifecycle.IncomingOngoing).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			return errors.Wrapf(ErrTransferableFinished, "finishing %s as %s", transferableID, to)
		}

		return nil
	})
}

// ListStaleOngoing returns ONGOING transferables that have not been updated since
// inactiveSince.
func (s *GormIncomingStor) ListStaleOngoing(inactiveSince time.Time) ([]model.IncomingTransferable, error) {
	var transferables []model.IncomingTransferable
	err := s.db.Where("state = ? AND updated_at < ?", lifecycle.IncomingOngoing, inactiveSince).
		Find(&transferables).Error
	return transferables, err
}

func (s *GormIncomingStor) ListPendingStorageRemovals() ([]model.IncomingTransferable, error) {
	var transferables []model.IncomingTransferable
	err := s.db.Where("storage_removal_pending = ?", true).Find(&transferables).Error
	return transferables, err
}

func (s *GormIncomingStor) ClearStorageRemoval(transferableID string) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(&model.IncomingTransferable{}).
			Where("id = ?", transferableID).
			Update("storage_removal_pending", false).Error
	})
}
