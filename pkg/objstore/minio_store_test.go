package objstore

import (
	"context"
	"os"
	"testing"

	"github.com/materials-commons/diode/pkg/tutil"
	"github.com/stretchr/testify/require"
)

// Runs against a real minio when DIODE_TEST=integration, using MINIO_* from the environment.
func TestMinioStoreMultipart(t *testing.T) {
	if !tutil.IsIntegrationTest() {
		t.Skip("Skipping minio integration test")
	}

	ctx := context.Background()
	s, err := NewMinioStore(ctx, MinioConfig{
		Endpoint:  os.Getenv("MINIO_ENDPOINT"),
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    "diode-integration-test",
	})
	require.NoError(t, err)

	up, err := s.CreateMultipartUpload(ctx, "integration/object")
	require.NoError(t, err)

	etag, err := s.UploadPart(ctx, up, 1, []byte("single small last part"))
	require.NoError(t, err)
	require.NoError(t, s.CompleteMultipartUpload(ctx, up, []Part{{PartNumber: 1, ETag: etag}}))
	require.NoError(t, s.RemoveObject(ctx, up.Bucket, up.Key))

	up, err = s.CreateMultipartUpload(ctx, "integration/aborted")
	require.NoError(t, err)
	require.NoError(t, s.AbortMultipartUpload(ctx, up))
}
