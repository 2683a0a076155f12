// Package objstore is the destination's view of object storage: multipart uploads that are
// fed one part per received range.
package objstore

import (
	"context"
	"errors"
)

var ErrNoSuchUpload = errors.New("no such multipart upload")

// Upload identifies a multipart upload in progress.
type Upload struct {
	Bucket   string
	Key      string
	UploadID string
}

// Part is a committed part of an upload.
type Part struct {
	PartNumber int
	ETag       string
}

type MultipartStore interface {
	CreateMultipartUpload(ctx context.Context, key string) (Upload, error)
	UploadPart(ctx context.Context, upload Upload, partNumber int, data []byte) (string, error)
	CompleteMultipartUpload(ctx context.Context, upload Upload, parts []Part) error
	AbortMultipartUpload(ctx context.Context, upload Upload) error
	RemoveObject(ctx context.Context, bucket, key string) error
}
