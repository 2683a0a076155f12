package stor

import (
	"github.com/materials-commons/diode/pkg/diodedb/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormMaintenanceStor struct {
	db *gorm.DB
}

func NewGormMaintenanceStor(db *gorm.DB) *GormMaintenanceStor {
	return &GormMaintenanceStor{db: db}
}

// IsMaintenanceEnabled treats a missing row as maintenance being off.
func (s *GormMaintenanceStor) IsMaintenanceEnabled() (bool, error) {
	var m model.Maintenance
	err := s.db.Where("id = ?", model.MaintenanceID).First(&m).Error
	switch {
	case IsRecordNotFound(err):
		return false, nil
	case err != nil:
		return false, err
	default:
		return m.Enabled, nil
	}
}

func (s *GormMaintenanceStor) SetMaintenance(enabled bool) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&model.Maintenance{ID: model.MaintenanceID, Enabled: enabled}).Error
	})
}
