package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/wire"
)

// PacketHandler consumes decoded packets on the receiver's worker.
type PacketHandler interface {
	HandlePacket(ctx context.Context, pkt *wire.Packet) error
}

type PacketHandlerFunc func(ctx context.Context, pkt *wire.Packet) error

func (f PacketHandlerFunc) HandlePacket(ctx context.Context, pkt *wire.Packet) error {
	return f(ctx, pkt)
}

// Receiver accepts connections from the diode device. Each connection gets a reader
// goroutine that decodes frames onto a bounded queue; a single worker hands the packets to
// the PacketHandler in the order they arrived.
type Receiver struct {
	addr         string
	handler      PacketHandler
	queue        chan *wire.Packet
	maxFrameSize int

	listener net.Listener
	stopping atomic.Bool
	stopCh   chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	serving      atomic.Bool
	workerDone   chan struct{}
	shutdownOnce sync.Once

	received atomic.Int64
	rejected atomic.Int64
	log      *log.Entry
}

type ReceiverOptionFN func(r *Receiver)

func WithReceiveQueueSize(size int) ReceiverOptionFN {
	return func(r *Receiver) {
		r.queue = make(chan *wire.Packet, size)
	}
}

func WithMaxFrameSize(size int) ReceiverOptionFN {
	return func(r *Receiver) {
		r.maxFrameSize = size
	}
}

func NewReceiver(addr string, handler PacketHandler, opts ...ReceiverOptionFN) *Receiver {
	r := &Receiver{
		addr:         addr,
		handler:      handler,
		queue:        make(chan *wire.Packet, DefaultQueueSize),
		maxFrameSize: wire.DefaultMaxFrameSize,
		stopCh:       make(chan struct{}),
		conns:        make(map[net.Conn]struct{}),
		workerDone:   make(chan struct{}),
		log:          clog.UsingCtx("receiver"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Receiver) Listen() error {
	l, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}

	r.listener = l
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (r *Receiver) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}

	return r.listener.Addr()
}

// Received is the number of packets decoded, Rejected the number dropped as malformed.
func (r *Receiver) Received() int64 { return r.received.Load() }
func (r *Receiver) Rejected() int64 { return r.rejected.Load() }

// Serve runs the accept loop and the worker until Shutdown is called or ctx is done. It
// calls Listen if that hasn't been done yet.
func (r *Receiver) Serve(ctx context.Context) error {
	if r.stopping.Load() {
		return errors.New("receiver is shut down")
	}

	if r.listener == nil {
		if err := r.Listen(); err != nil {
			return err
		}
	}

	if r.serving.Swap(true) {
		return errors.New("receiver is already serving")
	}

	// Queued packets are still handled after ctx is done.
	go r.worker(context.WithoutCancel(ctx))

	go func() {
		select {
		case <-ctx.Done():
			r.Shutdown()
		case <-r.stopCh:
		}
	}()

	r.log.Infof("Listening on %s", r.listener.Addr())

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			r.log.Errorf("Accept failed: %s", err)
			continue
		}

		if !r.track(conn) {
			_ = conn.Close()
			return nil
		}

		r.wg.Add(1)
		go r.readConn(conn)
	}
}

func (r *Receiver) track(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopping.Load() {
		return false
	}

	r.conns[conn] = struct{}{}
	return true
}

func (r *Receiver) untrack(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, conn)
}

// readConn decodes frames until the connection ends. A framing error ends only this
// connection; a packet that doesn't decode is dropped and the next frame is read.
func (r *Receiver) readConn(conn net.Conn) {
	defer r.wg.Done()
	defer r.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	for {
		frame, err := wire.ReadFrame(conn, r.maxFrameSize)
		switch {
		case errors.Is(err, io.EOF):
			r.log.Debugf("Connection from %s closed", remote)
			return
		case err != nil:
			if !r.stopping.Load() {
				r.log.Errorf("Closing connection from %s: %s", remote, err)
			}
			return
		}

		pkt, err := wire.Decode(frame)
		if err != nil {
			r.rejected.Add(1)
			r.log.Errorf("Dropping malformed packet from %s: %s", remote, err)
			continue
		}

		r.received.Add(1)

		select {
		case r.queue <- pkt:
		case <-r.stopCh:
			return
		}
	}
}

func (r *Receiver) worker(ctx context.Context) {
	defer close(r.workerDone)

	for pkt := range r.queue {
		if pkt == nil {
			return
		}

		if err := r.handler.HandlePacket(ctx, pkt); err != nil {
			r.log.Errorf("Packet handling failed: %s", err)
		}
	}
}

// Shutdown stops accepting, closes open connections and waits for the worker to finish the
// packets already queued.
func (r *Receiver) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.stopping.Store(true)
		close(r.stopCh)
		for conn := range r.conns {
			_ = conn.Close()
		}
		r.mu.Unlock()

		if r.listener != nil {
			_ = r.listener.Close()
		}

		r.wg.Wait()

		if !r.serving.Load() {
			return
		}

		select {
		case r.queue <- nil:
			<-r.workerDone
		case <-r.workerDone:
		}
	})
}
