package stor

import (
	"time"

	"github.com/materials-commons/diode/pkg/diodedb/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormLivenessStor struct {
	db *gorm.DB
}

func NewGormLivenessStor(db *gorm.DB) *GormLivenessStor {
	return &GormLivenessStor{db: db}
}

func (s *GormLivenessStor) SetLastPacketReceivedAt(at time.Time) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&model.LastPacketReceivedAt{ID: model.LastPacketReceivedAtID, ReceivedAt: at}).Error
	})
}

// GetLastPacketReceivedAt returns false when no packet was ever received.
func (s *GormLivenessStor) GetLastPacketReceivedAt() (time.Time, bool, error) {
	var last model.LastPacketReceivedAt
	err := s.db.Where("id = ?", model.LastPacketReceivedAtID).First(&last).Error
	switch {
	case IsRecordNotFound(err):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	default:
		return last.ReceivedAt, true, nil
	}
}
