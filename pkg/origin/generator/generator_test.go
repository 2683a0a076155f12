package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/materials-commons/diode/pkg/diodedb/model"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/lifecycle"
	"github.com/materials-commons/diode/pkg/origin/scheduler"
	"github.com/materials-commons/diode/pkg/rangestore"
	"github.com/materials-commons/diode/pkg/tutil"
	"github.com/materials-commons/diode/pkg/wire"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu      sync.Mutex
	packets []*wire.Packet
	err     error
}

func (s *recordingSender) Send(_ context.Context, pkt *wire.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.packets = append(s.packets, pkt)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

type fixture struct {
	stors *stor.OriginStors
	sched *scheduler.Scheduler
	gen   *Generator
}

func newFixture(t *testing.T, opts ...OptionFN) *fixture {
	t.Helper()

	payloads, err := rangestore.New(t.TempDir())
	require.NoError(t, err)

	stors := stor.NewGormOriginStors(tutil.NewTestDB(t))
	sched, err := scheduler.New(stors.OutgoingStor, payloads)
	require.NoError(t, err)

	return &fixture{stors: stors, sched: sched, gen: New(sched, stors.MaintenanceStor, opts...)}
}

func (f *fixture) addTransferable(t *testing.T, content []byte) *model.OutgoingTransferable {
	t.Helper()

	owner, err := uuid.GenerateUUID()
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	tr, err := f.stors.OutgoingStor.CreateOutgoingTransferable(&model.OutgoingTransferable{
		OwnerID: owner,
		Name:    "data.bin",
		Size:    int64(len(content)),
		Digest:  hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)

	_, err = f.sched.AddRange(tr.ID, 0, content)
	require.NoError(t, err)

	return tr
}

func TestEmitCommitsAfterSend(t *testing.T) {
	f := newFixture(t)
	tr := f.addTransferable(t, []byte("content"))
	sender := &recordingSender{}

	require.NoError(t, f.gen.Emit(context.Background(), sender))
	require.Equal(t, 1, sender.count())
	require.Len(t, sender.packets[0].Ranges, 1)
	require.True(t, sender.packets[0].Ranges[0].Final)

	got, err := f.stors.OutgoingStor.GetOutgoingTransferableByID(tr.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.OutgoingSuccess, got.State)
}

func TestEmitDoesNotCommitWhenSendFails(t *testing.T) {
	f := newFixture(t)
	tr := f.addTransferable(t, []byte("content"))
	sender := &recordingSender{err: errors.New("sender stopped")}

	require.Error(t, f.gen.Emit(context.Background(), sender))

	got, err := f.stors.OutgoingStor.GetOutgoingTransferableByID(tr.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.OutgoingPending, got.State)

	sender.err = nil
	require.NoError(t, f.gen.Emit(context.Background(), sender))
	require.Len(t, sender.packets[0].Ranges, 1, "the unsent range is selected again")
}

func TestMaintenanceSendsLivenessOnly(t *testing.T) {
	f := newFixture(t)
	tr := f.addTransferable(t, []byte("content"))
	require.NoError(t, f.stors.MaintenanceStor.SetMaintenance(true))

	cycle, err := f.gen.Next(context.Background())
	require.NoError(t, err)
	require.True(t, cycle.Maintenance)
	require.False(t, cycle.Packet.HasTransferContent())
	require.Len(t, cycle.Packet.History, 1)

	sender := &recordingSender{}
	require.NoError(t, f.gen.Emit(context.Background(), sender))

	got, err := f.stors.OutgoingStor.GetOutgoingTransferableByID(tr.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.OutgoingPending, got.State)

	require.NoError(t, f.stors.MaintenanceStor.SetMaintenance(false))
	cycle, err = f.gen.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, cycle.Packet.Ranges, 1)
}

func TestRunEmitsUntilCanceled(t *testing.T) {
	f := newFixture(t, WithInterval(5*time.Millisecond))
	sender := &recordingSender{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.gen.Run(ctx, sender)
		close(done)
	}()

	require.Eventually(t, func() bool { return sender.count() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
