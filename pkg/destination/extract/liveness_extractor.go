package extract

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/wire"
)

// LivenessExtractor records that a packet arrived, whatever it carried.
type LivenessExtractor struct {
	liveness stor.LivenessStor
	now      func() time.Time
	log      *log.Entry

	mu         sync.Mutex
	lastMarker wire.ID
}

func (e *LivenessExtractor) Extract(_ context.Context, pkt *wire.Packet) error {
	if err := e.liveness.SetLastPacketReceivedAt(e.now()); err != nil {
		return err
	}

	for _, h := range pkt.History {
		e.noteMarker(h.Marker)
		e.log.Debugf("Origin %s alive at %s, %d recently active transferables", h.Marker, h.Timestamp, len(h.TransferableIDs))
	}

	return nil
}

// noteMarker logs when the origin's marker changes, which happens when it restarts.
func (e *LivenessExtractor) noteMarker(marker wire.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if marker == e.lastMarker {
		return
	}

	if !e.lastMarker.IsZero() {
		e.log.Infof("Origin restarted, marker changed from %s to %s", e.lastMarker, marker)
	}

	e.lastMarker = marker
}

// LastMarker is the marker of the origin process that sent the most recent history.
func (e *LivenessExtractor) LastMarker() wire.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMarker
}
