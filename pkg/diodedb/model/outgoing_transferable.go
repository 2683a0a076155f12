package model

import (
	"time"

	"github.com/materials-commons/diode/pkg/lifecycle"
)

// OutgoingTransferable is a file submitted on the origin side that is waiting to cross,
// or has crossed, the diode.
type OutgoingTransferable struct {
	ID         string                  `gorm:"primaryKey;size:36" json:"id"`
	OwnerID    string                  `gorm:"size:36;index" json:"owner_id"`
	Name       string                  `json:"name"`
	Size       int64                   `json:"size"`
	Digest     string                  `gorm:"size:64" json:"digest"`
	Metadata   string                  `json:"metadata"`
	State      lifecycle.OutgoingState `gorm:"size:16;index" json:"state"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
	FinishedAt *time.Time              `json:"finished_at"`
}

func (OutgoingTransferable) TableName() string {
	return "outgoing_transferables"
}

// TransferableRange is one chunk of an OutgoingTransferable. Its bytes live in the range
// store until PayloadDeleted is set by the retention sweeper.
type TransferableRange struct {
	ID             string                `gorm:"primaryKey;size:36" json:"id"`
	TransferableID string                `gorm:"size:36;index:idx_range_transferable_offset,unique" json:"transferable_id"`
	Transferable   *OutgoingTransferable `gorm:"foreignKey:TransferableID;references:ID" json:"-"`
	ByteOffset     int64                 `gorm:"index:idx_range_transferable_offset,unique" json:"byte_offset"`
	Size           int64                 `json:"size"`
	State          lifecycle.RangeState  `gorm:"size:16;index" json:"state"`
	PayloadDeleted bool                  `json:"payload_deleted"`
	CreatedAt      time.Time             `json:"created_at"`
	FinishedAt     *time.Time            `json:"finished_at"`
}

func (TransferableRange) TableName() string {
	return "transferable_ranges"
}

// End is the offset of the first byte after the range.
func (r *TransferableRange) End() int64 {
	return r.ByteOffset + r.Size
}

// IsLast is true when the range ends exactly at the transferable's declared size.
func (r *TransferableRange) IsLast() bool {
	return r.Transferable != nil && r.End() == r.Transferable.Size
}

type TransferableRevocation struct {
	ID             string                     `gorm:"primaryKey;size:36" json:"id"`
	TransferableID string                     `gorm:"size:36;uniqueIndex" json:"transferable_id"`
	Transferable   *OutgoingTransferable      `gorm:"foreignKey:TransferableID;references:ID" json:"-"`
	Reason         lifecycle.RevocationReason `json:"reason"`
	State          lifecycle.RevocationState  `gorm:"size:16;index" json:"state"`
	CreatedAt      time.Time                  `json:"created_at"`
	FinishedAt     *time.Time                 `json:"finished_at"`
}

func (TransferableRevocation) TableName() string {
	return "transferable_revocations"
}

// MaintenanceID is the primary key of the single maintenance row.
const MaintenanceID = 1

// Maintenance is a singleton toggle. When enabled the origin keeps emitting liveness
// packets but holds back ranges and revocations.
type Maintenance struct {
	ID        int       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Maintenance) TableName() string {
	return "maintenance"
}
