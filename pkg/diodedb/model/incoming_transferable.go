package model

import (
	"time"

	"github.com/materials-commons/diode/pkg/lifecycle"
)

// IncomingTransferable is a file being rebuilt on the destination side. HashState holds the
// resumable hash snapshot after the last applied range.
type IncomingTransferable struct {
	ID                    string                  `gorm:"primaryKey;size:36" json:"id"`
	OwnerID               string                  `gorm:"size:36;index" json:"owner_id"`
	Name                  string                  `json:"name"`
	Size                  *int64                  `json:"size"`
	BytesReceived         int64                   `json:"bytes_received"`
	Digest                string                  `gorm:"size:64" json:"digest"`
	HashState             []byte                  `json:"-"`
	Bucket                string                  `json:"bucket"`
	ObjectKey             string                  `json:"object_key"`
	UploadID              string                  `json:"upload_id"`
	State                 lifecycle.IncomingState `gorm:"size:16;index" json:"state"`
	StorageRemovalPending bool                    `gorm:"index" json:"storage_removal_pending"`
	CreatedAt             time.Time               `json:"created_at"`
	UpdatedAt             time.Time               `json:"updated_at"`
	FinishedAt            *time.Time              `json:"finished_at"`
}

func (IncomingTransferable) TableName() string {
	return "incoming_transferables"
}

// HasUpload is true while a multipart upload id is recorded.
func (t *IncomingTransferable) HasUpload() bool {
	return t.UploadID != ""
}

// UploadPart records a multipart upload part that was committed to object storage. Part
// numbers for a transferable are contiguous starting at 1.
type UploadPart struct {
	ID                     int       `json:"id"`
	IncomingTransferableID string    `gorm:"size:36;index:idx_part_transferable_number,unique" json:"incoming_transferable_id"`
	PartNumber             int       `gorm:"index:idx_part_transferable_number,unique" json:"part_number"`
	ETag                   string    `json:"etag"`
	Size                   int64     `json:"size"`
	CreatedAt              time.Time `json:"created_at"`
}

func (UploadPart) TableName() string {
	return "upload_parts"
}

// LastPacketReceivedAtID is the primary key of the single liveness row.
const LastPacketReceivedAtID = 1

type LastPacketReceivedAt struct {
	ID         int       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ReceivedAt time.Time `json:"received_at"`
}

func (LastPacketReceivedAt) TableName() string {
	return "last_packet_received_at"
}
