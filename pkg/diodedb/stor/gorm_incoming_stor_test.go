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

func TestAppendRangeIsConditional(t *testing.T) {
	s := NewGormIncomingStor(tutil.NewTestDB(t))

	tr, err := s.CreateIncomingTransferable(&model.IncomingTransferable{ID: "t-1", Name: "f", HashState: []byte("s0")})
	require.NoError(t, err)
	require.Equal(t, lifecycle.IncomingOngoing, tr.State)

	require.NoError(t, s.AppendRange("t-1", 0, []byte("s1"), &model.UploadPart{PartNumber: 1, ETag: "e1", Size: 100}))

	err = s.AppendRange("t-1", 0, []byte("s2"), &model.UploadPart{PartNumber: 2, ETag: "e2", Size: 100})
	require.True(t, errors.Is(err, ErrOffsetMismatch))

	require.NoError(t, s.AppendRange("t-1", 100, []byte("s2"), &model.UploadPart{PartNumber: 2, ETag: "e2", Size: 50}))

	tr, err = s.GetIncomingTransferableByID("t-1")
	require.NoError(t, err)
	require.EqualValues(t, 150, tr.BytesReceived)
	require.Equal(t, []byte("s2"), tr.HashState)

	count, err := s.CountUploadParts("t-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	parts, err := s.ListUploadParts("t-1")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, []int{parts[0].PartNumber, parts[1].PartNumber})
}

func TestFinishIncomingTransferableOnlyOnce(t *testing.T) {
	s := NewGormIncomingStor(tutil.NewTestDB(t))
	_, err := s.CreateIncomingTransferable(&model.IncomingTransferable{ID: "t-1"})
	require.NoError(t, err)

	err = s.FinishIncomingTransferable("t-1", lifecycle.IncomingOngoing, "", false, time.Now())
	require.True(t, errors.Is(err, lifecycle.ErrInvalidTransition))

	require.NoError(t, s.FinishIncomingTransferable("t-1", lifecycle.IncomingRevoked, "", true, time.Now()))

	err = s.FinishIncomingTransferable("t-1", lifecycle.IncomingSuccess, "abc", false, time.Now())
	require.True(t, errors.Is(err, ErrTransferableFinished))

	err = s.AppendRange("t-1", 0, nil, &model.UploadPart{PartNumber: 1, Size: 1})
	require.True(t, errors.Is(err, ErrTransferableFinished))

	tr, err := s.GetIncomingTransferableByID("t-1")
	require.NoError(t, err)
	require.Equal(t, lifecycle.IncomingRevoked, tr.State)
	require.NotNil(t, tr.FinishedAt)

	removals, err := s.ListPendingStorageRemovals()
	require.NoError(t, err)
	require.Len(t, removals, 1)

	require.NoError(t, s.ClearStorageRemoval("t-1"))
	removals, err = s.ListPendingStorageRemovals()
	require.NoError(t, err)
	require.Empty(t, removals)
}

func TestListStaleOngoing(t *testing.T) {
	s := NewGormIncomingStor(tutil.NewTestDB(t))
	_, err := s.CreateIncomingTransferable(&model.IncomingTransferable{ID: "t-1"})
	require.NoError(t, err)

	stale, err := s.ListStaleOngoing(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, stale)

	stale, err = s.ListStaleOngoing(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
}

func TestLastPacketReceivedAt(t *testing.T) {
	s := NewGormLivenessStor(tutil.NewTestDB(t))

	_, ok, err := s.GetLastPacketReceivedAt()
	require.NoError(t, err)
	require.False(t, ok)

	first := time.Now().Add(-time.Minute)
	require.NoError(t, s.SetLastPacketReceivedAt(first))
	second := time.Now()
	require.NoError(t, s.SetLastPacketReceivedAt(second))

	at, ok, err := s.GetLastPacketReceivedAt()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, at.Equal(second), "got %s want %s", at, second)
}
