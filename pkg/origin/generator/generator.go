// Package generator produces the origin's packet stream: one packet per tick, committed to
// the database only after the sender accepted it.
package generator

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/origin/scheduler"
	"github.com/materials-commons/diode/pkg/wire"
	"github.com/pkg/errors"
)

const DefaultInterval = 100 * time.Millisecond

// Sender accepts packets for delivery. transport.Sender implements it.
type Sender interface {
	Send(ctx context.Context, pkt *wire.Packet) error
}

// Cycle is one generated packet and the selection to commit once it has been sent.
type Cycle struct {
	Packet      *wire.Packet
	Selection   *scheduler.Selection
	Maintenance bool
}

type Generator struct {
	scheduler   *scheduler.Scheduler
	maintenance stor.MaintenanceStor
	rotation    scheduler.Rotation
	interval    time.Duration
	log         *log.Entry
}

type OptionFN func(g *Generator)

func WithInterval(interval time.Duration) OptionFN {
	return func(g *Generator) {
		g.interval = interval
	}
}

func New(sched *scheduler.Scheduler, maintenance stor.MaintenanceStor, opts ...OptionFN) *Generator {
	g := &Generator{
		scheduler:   sched,
		maintenance: maintenance,
		interval:    DefaultInterval,
		log:         clog.UsingCtx("generator"),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Next generates a packet. In maintenance mode the packet only carries the history record.
// If the maintenance flag can't be read the packet is generated as if maintenance were on.
func (g *Generator) Next(ctx context.Context) (*Cycle, error) {
	maintenance, err := g.maintenance.IsMaintenanceEnabled()
	if err != nil {
		g.log.Errorf("Unable to read maintenance mode, sending liveness only: %s", err)
		maintenance = true
	}

	sel, err := g.scheduler.Schedule(ctx, &g.rotation, scheduler.Options{LivenessOnly: maintenance})
	if err != nil {
		return nil, err
	}

	return &Cycle{Packet: sel.Packet, Selection: sel, Maintenance: maintenance}, nil
}

// Emit runs one cycle: generate, send, commit. A packet the sender refused is not committed
// so its range and revocations are selected again.
func (g *Generator) Emit(ctx context.Context, sender Sender) error {
	cycle, err := g.Next(ctx)
	if err != nil {
		return errors.Wrap(err, "generating packet")
	}

	if err := sender.Send(ctx, cycle.Packet); err != nil {
		return errors.Wrap(err, "sending packet")
	}

	if cycle.Selection.IsEmpty() {
		return nil
	}

	return g.scheduler.Commit(ctx, cycle.Selection)
}

// Run emits a packet every interval until ctx is done. Errors are logged and the loop
// keeps going.
func (g *Generator) Run(ctx context.Context, sender Sender) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		if err := g.Emit(ctx, sender); err != nil && ctx.Err() == nil {
			g.log.Errorf("Packet cycle failed: %s", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
