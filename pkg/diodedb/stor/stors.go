package stor

import (
	"time"

	"github.com/materials-commons/diode/pkg/diodedb/model"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"gorm.io/gorm"
)

// OutgoingStor covers the origin side transferables, their ranges and revocations.
type OutgoingStor interface {
	CreateOutgoingTransferable(t *model.OutgoingTransferable) (*model.OutgoingTransferable, error)
	GetOutgoingTransferableByID(id string) (*model.OutgoingTransferable, error)
	AddRange(transferableID string, offset, size int64, writePayload func(rangeID string) error) (*model.TransferableRange, error)
	GetRangeByID(rangeID string) (*model.TransferableRange, error)
	RevokeTransferable(transferableID string, reason lifecycle.RevocationReason) (*model.TransferableRevocation, error)

	ListOwnersWithPendingRanges() ([]string, error)
	NextPendingRangeForOwner(ownerID string) (*model.TransferableRange, error)
	ListPendingRevocations() ([]model.TransferableRevocation, error)
	ListRecentlyActiveTransferableIDs(since time.Time, limit int) ([]string, error)
	MarkRangeTransferred(rangeID string, at time.Time) error
	MarkRevocationsTransferred(revocationIDs []string, at time.Time) error

	ListRangesWithDeletablePayload(limit int) ([]model.TransferableRange, error)
	MarkRangePayloadDeleted(rangeID string) error
}

type MaintenanceStor interface {
	IsMaintenanceEnabled() (bool, error)
	SetMaintenance(enabled bool) error
}

// IncomingStor covers the destination side transferables and their upload parts.
type IncomingStor interface {
	CreateIncomingTransferable(t *model.IncomingTransferable) (*model.IncomingTransferable, error)
	GetIncomingTransferableByID(id string) (*model.IncomingTransferable, error)
	CountUploadParts(transferableID string) (int, error)
	ListUploadParts(transferableID string) ([]model.UploadPart, error)
	AppendRange(transferableID string, expectedOffset int64, hashState []byte, part *model.UploadPart) error
	FinishIncomingTransferable(transferableID string, to lifecycle.IncomingState, digest string, removeStorage bool, at time.Time) error

	ListStaleOngoing(inactiveSince time.Time) ([]model.IncomingTransferable, error)
	ListPendingStorageRemovals() ([]model.IncomingTransferable, error)
	ClearStorageRemoval(transferableID string) error
}

type LivenessStor interface {
	SetLastPacketReceivedAt(at time.Time) error
	GetLastPacketReceivedAt() (time.Time, bool, error)
}

type OriginStors struct {
	OutgoingStor    OutgoingStor
	MaintenanceStor MaintenanceStor
}

func NewGormOriginStors(db *gorm.DB) *OriginStors {
	return &OriginStors{
		OutgoingStor:    NewGormOutgoingStor(db),
		MaintenanceStor: NewGormMaintenanceStor(db),
	}
}

type DestinationStors struct {
	IncomingStor IncomingStor
	LivenessStor LivenessStor
}

func NewGormDestinationStors(db *gorm.DB) *DestinationStors {
	return &DestinationStors{
		IncomingStor: NewGormIncomingStor(db),
		LivenessStor: NewGormLivenessStor(db),
	}
}
