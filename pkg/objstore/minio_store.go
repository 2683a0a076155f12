package objstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/materials-commons/diode/pkg/clog"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("diode-objstore")

// MinioStore implements MultipartStore on the low level minio Core API so that every range
// maps to exactly one part.
type MinioStore struct {
	core   *minio.Core
	bucket string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioStore connects to the object store and creates the bucket when it doesn't exist.
func NewMinioStore(ctx context.Context, c MinioConfig) (*MinioStore, error) {
	core, err := minio.NewCore(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := core.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		clog.Global().Infof("Creating bucket: %s", c.Bucket)
		if err := core.MakeBucket(ctx, c.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioStore{core: core, bucket: c.Bucket}, nil
}

func (s *MinioStore) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *MinioStore) CreateMultipartUpload(ctx context.Context, key string) (upload Upload, err error) {
	ctx, span := s.startSpan(ctx, "minio.create_multipart_upload", attribute.String("object_key", key))
	defer func() { endSpan(span, err) }()

	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return Upload{}, fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}

	return Upload{Bucket: s.bucket, Key: key, UploadID: uploadID}, nil
}

func (s *MinioStore) UploadPart(ctx context.Context, upload Upload, partNumber int, data []byte) (etag string, err error) {
	ctx, span := s.startSpan(ctx, "minio.upload_part",
		attribute.String("object_key", upload.Key),
		attribute.Int("part_number", partNumber),
		attribute.Int("size_bytes", len(data)))
	defer func() { endSpan(span, err) }()

	part, err := s.core.PutObjectPart(ctx, upload.Bucket, upload.Key, upload.UploadID, partNumber,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d of %s: %w", partNumber, upload.Key, err)
	}

	return part.ETag, nil
}

func (s *MinioStore) CompleteMultipartUpload(ctx context.Context, upload Upload, parts []Part) (err error) {
	ctx, span := s.startSpan(ctx, "minio.complete_multipart_upload",
		attribute.String("object_key", upload.Key),
		attribute.Int("parts", len(parts)))
	defer func() { endSpan(span, err) }()

	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completeParts = append(completeParts, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	_, err = s.core.CompleteMultipartUpload(ctx, upload.Bucket, upload.Key, upload.UploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload of %s: %w", upload.Key, err)
	}

	return nil
}

func (s *MinioStore) AbortMultipartUpload(ctx context.Context, upload Upload) (err error) {
	ctx, span := s.startSpan(ctx, "minio.abort_multipart_upload", attribute.String("object_key", upload.Key))
	defer func() { endSpan(span, err) }()

	if err = s.core.AbortMultipartUpload(ctx, upload.Bucket, upload.Key, upload.UploadID); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
			return fmt.Errorf("%w: %s", ErrNoSuchUpload, upload.UploadID)
		}
		return fmt.Errorf("failed to abort multipart upload of %s: %w", upload.Key, err)
	}

	return nil
}

func (s *MinioStore) RemoveObject(ctx context.Context, bucket, key string) (err error) {
	ctx, span := s.startSpan(ctx, "minio.remove_object", attribute.String("object_key", key))
	defer func() { endSpan(span, err) }()

	if err = s.core.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}

	return nil
}
