package retention

import (
	"context"
	"testing"
	"time"

	"github.com/materials-commons/diode/pkg/diodedb/model"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/materials-commons/diode/pkg/objstore"
	"github.com/materials-commons/diode/pkg/rangestore"
	"github.com/materials-commons/diode/pkg/tutil"
	"github.com/stretchr/testify/require"
)

func TestRangeSweeperDeletesFinishedPayloads(t *testing.T) {
	outgoing := stor.NewGormOutgoingStor(tutil.NewTestDB(t))
	payloads, err := rangestore.New(t.TempDir())
	require.NoError(t, err)

	tr, err := outgoing.CreateOutgoingTransferable(&model.OutgoingTransferable{OwnerID: "owner", Size: 8})
	require.NoError(t, err)

	var ranges []*model.TransferableRange
	for off := int64(0); off < 8; off += 4 {
		r, err := outgoing.AddRange(tr.ID, off, 4, func(rangeID string) error {
			return payloads.Write(rangeID, []byte("data"))
		})
		require.NoError(t, err)
		ranges = append(ranges, r)
	}

	s := NewRangeSweeper(outgoing, payloads)

	n, err := s.Sweep()
	require.NoError(t, err)
	require.Equal(t, 0, n, "pending payloads are kept")

	require.NoError(t, outgoing.MarkRangeTransferred(ranges[0].ID, time.Now()))
	n, err = s.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, payloads.Exists(ranges[0].ID))
	require.True(t, payloads.Exists(ranges[1].ID))

	_, err = outgoing.RevokeTransferable(tr.ID, lifecycle.ReasonUserCanceled)
	require.NoError(t, err)
	n, err = s.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, payloads.Exists(ranges[1].ID))

	n, err = s.Sweep()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSweeperExpiresStaleTransfers(t *testing.T) {
	ctx := context.Background()
	incoming := stor.NewGormIncomingStor(tutil.NewTestDB(t))
	store := objstore.NewMemStore("diode")

	upload, err := store.CreateMultipartUpload(ctx, "owner/stale")
	require.NoError(t, err)
	_, err = incoming.CreateIncomingTransferable(&model.IncomingTransferable{
		ID:        "stale",
		Bucket:    upload.Bucket,
		ObjectKey: upload.Key,
		UploadID:  upload.UploadID,
	})
	require.NoError(t, err)

	later := time.Now().Add(DefaultExpireAfter + time.Hour)

	s := NewSweeper(incoming, store, WithClock(func() time.Time { return time.Now() }))
	require.NoError(t, s.Sweep(ctx))
	got, err := incoming.GetIncomingTransferableByID("stale")
	require.NoError(t, err)
	require.Equal(t, lifecycle.IncomingOngoing, got.State, "recent transfers are left alone")

	s = NewSweeper(incoming, store, WithClock(func() time.Time { return later }))
	require.NoError(t, s.Sweep(ctx))

	got, err = incoming.GetIncomingTransferableByID("stale")
	require.NoError(t, err)
	require.Equal(t, lifecycle.IncomingExpired, got.State)
	require.NotNil(t, got.FinishedAt)
	require.True(t, store.WasAborted(upload.UploadID))
}

// appendingIncomingStor applies a range right after the stale list is read.
type appendingIncomingStor struct {
	stor.IncomingStor
	appendRange func()
}

func (s *appendingIncomingStor) ListStaleOngoing(inactiveSince time.Time) ([]model.IncomingTransferable, error) {
	stale, err := s.IncomingStor.ListStaleOngoing(inactiveSince)
	s.appendRange()
	return stale, err
}

func TestSweeperSkipsTransferUpdatedAfterListing(t *testing.T) {
	ctx := context.Background()
	incoming := stor.NewGormIncomingStor(tutil.NewTestDB(t))
	store := objstore.NewMemStore("diode")

	upload, err := store.CreateMultipartUpload(ctx, "owner/active")
	require.NoError(t, err)
	_, err = incoming.CreateIncomingTransferable(&model.IncomingTransferable{
		ID:        "active",
		Bucket:    upload.Bucket,
		ObjectKey: upload.Key,
		UploadID:  upload.UploadID,
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	racing := &appendingIncomingStor{
		IncomingStor: incoming,
		appendRange: func() {
			time.Sleep(10 * time.Millisecond)
			part := &model.UploadPart{PartNumber: 1, ETag: "etag", Size: 4}
			require.NoError(t, incoming.AppendRange("active", 0, []byte("state"), part))
		},
	}

	s := NewSweeper(racing, store, WithExpireAfter(time.Hour), WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	require.NoError(t, s.Sweep(ctx))

	got, err := incoming.GetIncomingTransferableByID("active")
	require.NoError(t, err)
	require.Equal(t, lifecycle.IncomingOngoing, got.State)
	require.Equal(t, int64(4), got.BytesReceived)
	require.True(t, store.IsInProgress(upload.UploadID))
}

func TestSweeperRemovesRevokedStorage(t *testing.T) {
	ctx := context.Background()
	incoming := stor.NewGormIncomingStor(tutil.NewTestDB(t))
	store := objstore.NewMemStore("diode")

	upload, err := store.CreateMultipartUpload(ctx, "owner/revoked")
	require.NoError(t, err)
	etag, err := store.UploadPart(ctx, upload, 1, []byte("bytes"))
	require.NoError(t, err)
	require.NoError(t, store.CompleteMultipartUpload(ctx, upload, []objstore.Part{{PartNumber: 1, ETag: etag}}))

	_, err = incoming.CreateIncomingTransferable(&model.IncomingTransferable{
		ID:        "revoked",
		Bucket:    upload.Bucket,
		ObjectKey: upload.Key,
		UploadID:  upload.UploadID,
	})
	require.NoError(t, err)
	require.NoError(t, incoming.FinishIncomingTransferable("revoked", lifecycle.IncomingRevoked, "", true, time.Now()))

	require.NoError(t, NewSweeper(incoming, store).Sweep(ctx))

	_, ok := store.Object(upload.Key)
	require.False(t, ok)

	got, err := incoming.GetIncomingTransferableByID("revoked")
	require.NoError(t, err)
	require.False(t, got.StorageRemovalPending)
	require.Equal(t, lifecycle.IncomingRevoked, got.State)
}

func TestRunStopsWithContext(t *testing.T) {
	incoming := stor.NewGormIncomingStor(tutil.NewTestDB(t))
	s := NewSweeper(incoming, objstore.NewMemStore("diode"), WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
