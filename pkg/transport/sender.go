// Package transport moves encoded packets over TCP: the Sender on the origin writes them to
// the diode device and the Receiver on the destination reads them back off it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/wire"
)

var ErrSenderStopped = errors.New("sender stopped")

const (
	DefaultQueueSize  = 16
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// DialFN opens the connection to the diode device.
type DialFN func(addr string) (net.Conn, error)

// outgoing is a queue entry. An entry with stop set is the sentinel that tells the worker to
// exit once everything ahead of it has been written.
type outgoing struct {
	frame []byte
	stop  bool
}

// Sender owns the connection to the diode device. Send hands packets to a bounded queue
// that a single worker writes out in order.
type Sender struct {
	addr       string
	queue      chan outgoing
	dial       DialFN
	minBackoff time.Duration
	maxBackoff time.Duration

	// mu orders Send against Stop so nothing is queued behind the sentinel.
	mu       sync.RWMutex
	stopping atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	conn    net.Conn
	dropped atomic.Int64
	log     *log.Entry
}

type SenderOptionFN func(s *Sender)

func WithSendQueueSize(size int) SenderOptionFN {
	return func(s *Sender) {
		s.queue = make(chan outgoing, size)
	}
}

func WithBackoff(min, max time.Duration) SenderOptionFN {
	return func(s *Sender) {
		s.minBackoff = min
		s.maxBackoff = max
	}
}

func WithDialer(dial DialFN) SenderOptionFN {
	return func(s *Sender) {
		s.dial = dial
	}
}

func NewSender(addr string, opts ...SenderOptionFN) *Sender {
	s := &Sender{
		addr:       addr,
		queue:      make(chan outgoing, DefaultQueueSize),
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		log:        clog.UsingCtx("sender"),
	}

	s.dial = func(addr string) (net.Conn, error) {
		return net.Dial("tcp", addr)
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the worker.
func (s *Sender) Start() {
	if s.started.Swap(true) {
		return
	}

	go s.worker()
}

// Send encodes pkt and queues it, blocking while the queue is full. A nil error means the
// packet was handed off; it is not a delivery acknowledgement.
func (s *Sender) Send(ctx context.Context, pkt *wire.Packet) error {
	frame, err := wire.Encode(pkt)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopping.Load() {
		return ErrSenderStopped
	}

	select {
	case s.queue <- outgoing{frame: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of packets waiting to be written.
func (s *Sender) Len() int {
	return len(s.queue)
}

// Dropped is the number of packets that were discarded because they couldn't be written.
func (s *Sender) Dropped() int64 {
	return s.dropped.Load()
}

// Stop rejects new packets, lets the worker write everything already queued and waits for
// it to exit. Queued packets that can't be written because the device is unreachable are
// dropped rather than waited on, as is everything queued on a sender that was never
// started.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping.Store(true)
		close(s.stopCh)
		s.mu.Unlock()

		// Claiming started here keeps a later Start from launching a worker.
		if !s.started.Swap(true) {
			s.discardQueued()
			return
		}

		s.queue <- outgoing{stop: true}
		<-s.done
	})
}

func (s *Sender) discardQueued() {
	for {
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
			s.log.Infof("Sender stopped before starting, %d packets dropped", s.Dropped())
			return
		}
	}
}

func (s *Sender) worker() {
	defer close(s.done)

	for item := range s.queue {
		if item.stop {
			s.closeConn()
			s.log.Infof("Sender stopped, %d packets dropped", s.Dropped())
			return
		}

		s.write(item.frame)
	}
}

func (s *Sender) write(frame []byte) {
	if s.conn == nil {
		if err := s.connect(); err != nil {
			s.dropped.Add(1)
			s.log.Errorf("Dropping packet of %d bytes, not connected: %s", len(frame), err)
			return
		}
	}

	if _, err := s.conn.Write(frame); err != nil {
		s.dropped.Add(1)
		s.log.Errorf("Dropping packet of %d bytes, write to %s failed: %s", len(frame), s.addr, err)
		s.closeConn()
	}
}

// connect dials until it succeeds, backing off between attempts. It gives up only once
// the sender is stopping.
func (s *Sender) connect() error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.minBackoff
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		conn, err := s.dial(s.addr)
		if err == nil {
			s.conn = conn
			s.log.Infof("Connected to %s", s.addr)
			return nil
		}

		if s.stopping.Load() {
			return fmt.Errorf("stopping, last dial error: %w", err)
		}

		wait := b.NextBackOff()
		s.log.Warnf("Unable to connect to %s, retrying in %s: %s", s.addr, wait, err)

		select {
		case <-time.After(wait):
		case <-s.stopCh:
		}
	}
}

func (s *Sender) closeConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
