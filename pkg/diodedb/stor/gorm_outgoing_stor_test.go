package stor

import (
	"testing"
	"time"

	"github.com/materials-commons/diode/pkg/diodedb/model"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/materials-commons/diode/pkg/tutil"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func createTransferable(t *testing.T, s *GormOutgoingStor, owner string, size int64, rangeSizes ...int64) *model.OutgoingTransferable {
	t.Helper()

	tr, err := s.CreateOutgoingTransferable(&model.OutgoingTransferable{OwnerID: owner, Name: owner + ".bin", Size: size})
	require.NoError(t, err)

	var offset int64
	for _, rangeSize := range rangeSizes {
		_, err := s.AddRange(tr.ID, offset, rangeSize, nil)
		require.NoError(t, err)
		offset += rangeSize
	}

	return tr
}

func TestAddRangeEnforcesOrder(t *testing.T) {
	s := NewGormOutgoingStor(tutil.NewTestDB(t))
	tr := createTransferable(t, s, "owner-a", 150, 100)

	_, err := s.AddRange(tr.ID, 120, 30, nil)
	require.True(t, errors.Is(err, ErrOffsetMismatch))

	_, err = s.AddRange(tr.ID, 100, 60, nil)
	require.Error(t, err, "range past declared size must be rejected")

	r, err := s.AddRange(tr.ID, 100, 50, nil)
	require.NoError(t, err)
	require.Equal(t, lifecycle.RangePending, r.State)
}

func TestNextPendingRangeForOwner(t *testing.T) {
	s := NewGormOutgoingStor(tutil.NewTestDB(t))

	first := createTransferable(t, s, "owner-a", 150, 100, 50)
	time.Sleep(10 * time.Millisecond)
	createTransferable(t, s, "owner-a", 10, 10)

	r, err := s.NextPendingRangeForOwner("owner-a")
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, first.ID, r.TransferableID)
	require.EqualValues(t, 0, r.ByteOffset)
	require.False(t, r.IsLast())

	require.NoError(t, s.MarkRangeTransferred(r.ID, time.Now()))
	tr, err := s.GetOutgoingTransferableByID(first.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.OutgoingOngoing, tr.State)

	r, err = s.NextPendingRangeForOwner("owner-a")
	require.NoError(t, err)
	require.EqualValues(t, 100, r.ByteOffset)
	require.True(t, r.IsLast())

	require.NoError(t, s.MarkRangeTransferred(r.ID, time.Now()))
	tr, err = s.GetOutgoingTransferableByID(first.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.OutgoingSuccess, tr.State)
	require.NotNil(t, tr.FinishedAt)

	err = s.MarkRangeTransferred(r.ID, time.Now())
	require.True(t, errors.Is(err, ErrNotPending))

	r, err = s.NextPendingRangeForOwner("owner-b")
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestListOwnersWithPendingRanges(t *testing.T) {
	s := NewGormOutgoingStor(tutil.NewTestDB(t))

	createTransferable(t, s, "owner-c", 10, 10)
	createTransferable(t, s, "owner-a", 10, 10)
	createTransferable(t, s, "owner-a", 10, 10)
	createTransferable(t, s, "owner-b", 10) // no ranges yet
	revoked := createTransferable(t, s, "owner-d", 10, 10)

	_, err := s.RevokeTransferable(revoked.ID, lifecycle.ReasonUserCanceled)
	require.NoError(t, err)

	owners, err := s.ListOwnersWithPendingRanges()
	require.NoError(t, err)
	require.Equal(t, []string{"owner-a", "owner-c"}, owners)
}

func TestRevokeTransferable(t *testing.T) {
	s := NewGormOutgoingStor(tutil.NewTestDB(t))
	tr := createTransferable(t, s, "owner-a", 20, 10, 10)

	_, err := s.RevokeTransferable(tr.ID, lifecycle.RevocationReason(0))
	require.Error(t, err)

	revocation, err := s.RevokeTransferable(tr.ID, lifecycle.ReasonStorageFull)
	require.NoError(t, err)
	require.Equal(t, lifecycle.RevocationPending, revocation.State)

	tr, err = s.GetOutgoingTransferableByID(tr.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.OutgoingError, tr.State)

	r, err := s.NextPendingRangeForOwner("owner-a")
	require.NoError(t, err)
	require.Nil(t, r)

	deletable, err := s.ListRangesWithDeletablePayload(10)
	require.NoError(t, err)
	require.Len(t, deletable, 2)

	pending, err := s.ListPendingRevocations()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkRevocationsTransferred([]string{revocation.ID}, time.Now()))
	pending, err = s.ListPendingRevocations()
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = s.RevokeTransferable(tr.ID, lifecycle.ReasonUserCanceled)
	require.True(t, errors.Is(err, ErrTransferableFinished))
}

func TestRecentlyActiveAndPayloadDeletion(t *testing.T) {
	s := NewGormOutgoingStor(tutil.NewTestDB(t))
	tr := createTransferable(t, s, "owner-a", 10, 10)

	r, err := s.NextPendingRangeForOwner("owner-a")
	require.NoError(t, err)

	before := time.Now().Add(-time.Minute)
	require.NoError(t, s.MarkRangeTransferred(r.ID, time.Now()))

	ids, err := s.ListRecentlyActiveTransferableIDs(before, 10)
	require.NoError(t, err)
	require.Equal(t, []string{tr.ID}, ids)

	ids, err = s.ListRecentlyActiveTransferableIDs(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, ids)

	deletable, err := s.ListRangesWithDeletablePayload(10)
	require.NoError(t, err)
	require.Len(t, deletable, 1)

	require.NoError(t, s.MarkRangePayloadDeleted(r.ID))
	deletable, err = s.ListRangesWithDeletablePayload(10)
	require.NoError(t, err)
	require.Empty(t, deletable)
}

func TestMaintenanceToggle(t *testing.T) {
	s := NewGormMaintenanceStor(tutil.NewTestDB(t))

	enabled, err := s.IsMaintenanceEnabled()
	require.NoError(t, err)
	require.False(t, enabled)

	require.NoError(t, s.SetMaintenance(true))
	enabled, err = s.IsMaintenanceEnabled()
	require.NoError(t, err)
	require.True(t, enabled)

	require.NoError(t, s.SetMaintenance(false))
	enabled, err = s.IsMaintenanceEnabled()
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestAddRangeWritesPayloadBeforeCommit(t *testing.T) {
	s := NewGormOutgoingStor(tutil.NewTestDB(t))
	tr := createTransferable(t, s, "owner-a", 10)

	var written string
	r, err := s.AddRange(tr.ID, 0, 10, func(rangeID string) error {
		written = rangeID
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, r.ID, written)

	failing := errors.New("disk full")
	_, err = s.AddRange(tr.ID, 10, 0, func(string) error { return failing })
	require.True(t, errors.Is(err, failing))

	next, err := s.NextPendingRangeForOwner("owner-a")
	require.NoError(t, err)
	require.Equal(t, r.ID, next.ID)
}
