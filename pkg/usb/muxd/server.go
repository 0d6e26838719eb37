// Package muxd serves the usbmuxd protocol on a loopback TCP socket for a
// single network-attached device.
package muxd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/lomux/pkg/usb"
	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
)

const (
	// DefaultAddr is where the muxer listens unless told otherwise.
	DefaultAddr = "127.0.0.1:27015"

	DefaultAcceptBackoff   = 5 * time.Millisecond
	DefaultRebindBackoff   = 50 * time.Millisecond
	DefaultRebindThreshold = 50
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("muxd: server closed")

// ListenFunc creates the listening socket.
type ListenFunc func(network, addr string) (net.Listener, error)

// Options configures a Server. Zero values are replaced by the defaults.
type Options struct {
	Addr   string
	Device Device

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// AcceptBackoff is slept after every failed accept.
	AcceptBackoff time.Duration
	// RebindThreshold consecutive accept failures trigger a rebind.
	RebindThreshold int
	// RebindBackoff is slept between failed bind attempts while rebinding.
	RebindBackoff time.Duration

	// Listen creates the first socket. The default, net.Listen, binds the
	// address exclusively so a second muxer on the same port fails to start.
	Listen ListenFunc
	// Relisten creates the socket after a rebind. It defaults to Listen when
	// Listen is set and to reuseport.Listen otherwise. SO_REUSEPORT lets the
	// new socket bind while the old one drains; any later process of the
	// same user that also sets it can share the port from then on.
	Relisten ListenFunc
}

func (o *Options) setDefaults() {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.Device.Address == nil {
		o.Device = DefaultDevice(net.IPv4(10, 7, 0, 1))
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.AcceptBackoff == 0 {
		o.AcceptBackoff = DefaultAcceptBackoff
	}
	if o.RebindThreshold <= 0 {
		o.RebindThreshold = DefaultRebindThreshold
	}
	if o.RebindBackoff == 0 {
		o.RebindBackoff = DefaultRebindBackoff
	}
	if o.Relisten == nil {
		o.Relisten = o.Listen
	}
	if o.Listen == nil {
		o.Listen = net.Listen
	}
	if o.Relisten == nil {
		o.Relisten = reuseport.Listen
	}
}

// Server is the muxer's connection acceptor. A single goroutine runs the
// accept loop; each accepted connection is served on its own goroutine.
type Server struct {
	opts       Options
	dispatcher *Dispatcher

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	rebinds atomic.Uint64
}

// NewServer creates a server that answers from record.
func NewServer(record *usb.PairRecord, opts *Options) *Server {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.setDefaults()

	return &Server{
		opts:       o,
		dispatcher: NewDispatcher(record, o.Device),
		conns:      make(map[net.Conn]struct{}),
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// Bind creates the listening socket. Serve calls it when needed.
func (s *Server) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}
	l, err := s.opts.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = l
	s.readyOnce.Do(func() { close(s.ready) })

	return nil
}

// Addr returns the bound address, or nil before Bind.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready is closed once the server has bound its socket.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Rebinds reports how many times the listening socket has been recreated.
func (s *Server) Rebinds() uint64 {
	return s.rebinds.Load()
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
// Accept failures never end the loop: after RebindThreshold consecutive
// failures the socket is dropped and bound again.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Bind(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
			cancel()
		}
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	log.WithField("addr", s.Addr()).Info("muxer listening")

	failures := 0
	for {
		if err := s.stopErr(ctx); err != nil {
			s.wg.Wait()
			return err
		}

		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()

		conn, err := l.Accept()
		if err != nil {
			if s.stopErr(ctx) != nil {
				continue
			}
			failures++
			log.WithError(err).WithField("failures", failures).Debug("muxer accept failed")
			if !sleep(ctx, s.opts.AcceptBackoff) {
				continue
			}
			if failures >= s.opts.RebindThreshold {
				if s.rebind(ctx) {
					failures = 0
				}
			}
			continue
		}
		failures = 0

		if !s.track(conn) {
			conn.Close()
			continue
		}
		go s.handle(conn)
	}
}

// rebind drops the current socket and binds a new one, retrying until it
// succeeds or the server stops.
func (s *Server) rebind(ctx context.Context) bool {
	log.WithField("addr", s.opts.Addr).Warn("muxer is rebinding its socket")

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	for {
		l, err := s.opts.Relisten("tcp", s.opts.Addr)
		if err == nil {
			s.mu.Lock()
			if s.stopErr(ctx) != nil {
				s.mu.Unlock()
				l.Close()
				return false
			}
			s.listener = l
			s.mu.Unlock()

			s.rebinds.Add(1)
			log.WithField("addr", l.Addr()).Info("muxer has bound successfully")
			return true
		}
		log.WithError(err).Debug("muxer rebind failed")
		if !sleep(ctx, s.opts.RebindBackoff) {
			return false
		}
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("muxer connection handler panicked: %v", r)
		}
	}()

	lg := log.WithField("remote", conn.RemoteAddr())
	r := bufio.NewReaderSize(conn, usb.MaxReadSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
			lg.WithError(err).Debug("failed to set read deadline")
			return
		}
		req, err := usb.ReadPacket(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				lg.WithError(err).Debug("failed to read muxer request")
			}
			return
		}

		resp, err := s.dispatcher.Dispatch(req)
		if err != nil {
			lg.WithError(err).Warn("dropping muxer connection")
			return
		}

		data, err := usb.Encode(resp, usb.PacketTypePlist, usb.PacketVersion, req.Tag)
		if err != nil {
			lg.WithError(err).Error("failed to encode muxer response")
			return
		}
		if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			lg.WithError(err).Debug("failed to set write deadline")
			return
		}
		if _, err := conn.Write(data); err != nil {
			lg.WithError(err).Debug("failed to write muxer response")
			return
		}
	}
}

// Close stops the accept loop and closes every open connection.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for conn := range s.conns {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
		delete(s.conns, conn)
	}

	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, conn)
}

func (s *Server) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Server) stopErr(ctx context.Context) error {
	if s.isClosed() {
		return ErrServerClosed
	}
	return ctx.Err()
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
