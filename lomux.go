// Package lomux stands in for usbmuxd on a loopback socket so that tooling
// written for the daemon can reach a single network-attached device, and
// sideloads apps onto that device.
package lomux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	jsonhandler "github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/blacktop/lomux/internal/config"
	"github.com/blacktop/lomux/pkg/usb"
	"github.com/blacktop/lomux/pkg/usb/device"
	"github.com/blacktop/lomux/pkg/usb/heartbeat"
	"github.com/blacktop/lomux/pkg/usb/installation"
	"github.com/blacktop/lomux/pkg/usb/muxd"
	"github.com/blacktop/lomux/pkg/usb/sideload"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrNotStarted is returned by Stop before Start.
var ErrNotStarted = errors.New("muxer not started")

// Option configures a Muxer.
type Option func(*Muxer)

// WithDevice sends packages to dev instead of the device named by the pair record.
func WithDevice(dev sideload.Device) Option {
	return func(m *Muxer) {
		m.override = dev
		m.dev = dev
	}
}

// WithProgress reports install and uninstall progress to cb.
func WithProgress(cb installation.ProgressFunc) Option {
	return func(m *Muxer) {
		m.progress = cb
	}
}

// WithLogWriter sends console logs to w instead of stderr.
func WithLogWriter(w io.Writer) Option {
	return func(m *Muxer) {
		m.console = w
	}
}

// Muxer owns the muxer server, the device heartbeat and the sideload workflow.
type Muxer struct {
	conf     *config.Config
	progress installation.ProgressFunc
	console  io.Writer

	// override is the device given with WithDevice.
	override sideload.Device

	mu      sync.Mutex
	started bool
	dev     sideload.Device
	server  *muxd.Server
	logFile *os.File
	cancel  context.CancelFunc
	group   *errgroup.Group
	ready   chan struct{}
}

func New(conf *config.Config, opts ...Option) *Muxer {
	m := &Muxer{
		conf:    conf,
		console: os.Stderr,
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start parses pairingFile, truncates logPath and starts serving. Calling it
// again once started does nothing.
func (m *Muxer) Start(pairingFile, logPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		log.Info("Muxer already started, skipping")
		return nil
	}

	if err := m.setupLogging(logPath); err != nil {
		return err
	}

	record, err := usb.ParsePairRecord([]byte(pairingFile))
	if err != nil {
		log.WithError(err).Error("Failed to parse pairing file")
		m.closeLog()
		return err
	}

	dev := device.New(m.conf.Device.Address, record)
	dev.Timeout = m.conf.Device.Timeout

	srv := muxd.NewServer(record, &muxd.Options{
		Addr:            m.conf.Addr(),
		Device:          muxd.DefaultDevice(m.conf.DeviceIP()),
		ReadTimeout:     m.conf.Muxer.ReadTimeout,
		WriteTimeout:    m.conf.Muxer.WriteTimeout,
		AcceptBackoff:   m.conf.Muxer.AcceptBackoff,
		RebindThreshold: m.conf.Muxer.RebindThreshold,
		RebindBackoff:   m.conf.Muxer.RebindBackoff,
	})
	if err := srv.Bind(); err != nil {
		m.closeLog()
		return fmt.Errorf("failed to bind muxer to %s: %w", m.conf.Addr(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	if m.conf.Device.Heartbeat {
		g.Go(func() error {
			return heartbeat.Keep(ctx, dev.Heartbeat, m.conf.Device.HeartbeatBackoff)
		})
	}

	m.dev = dev
	if m.override != nil {
		m.dev = m.override
	}
	m.server = srv
	m.cancel = cancel
	m.group = g
	m.started = true
	close(m.ready)

	log.WithFields(log.Fields{
		"addr": srv.Addr(),
		"udid": record.UDID,
	}).Info("Muxer has started")

	return nil
}

func (m *Muxer) setupLogging(logPath string) error {
	level := log.InfoLevel
	if m.conf.Debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if logPath == "" {
		log.SetHandler(cli.New(m.console))
		return nil
	}

	// the log file only survives until the next process start
	f, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	m.logFile = f
	log.SetHandler(multi.New(cli.New(m.console), jsonhandler.New(f)))
	log.WithField("path", logPath).Debug("Logger initialized")

	return nil
}

func (m *Muxer) closeLog() error {
	if m.logFile == nil {
		return nil
	}
	log.SetHandler(cli.New(m.console))
	err := m.logFile.Close()
	m.logFile = nil
	return err
}

// Ready is closed once Start has bound the muxer socket.
func (m *Muxer) Ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Started reports whether Start has succeeded.
func (m *Muxer) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Addr is the address the muxer listens on, or nil before Start.
func (m *Muxer) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Stop shuts the muxer down and waits for it to finish.
func (m *Muxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrNotStarted
	}
	m.cancel()

	var err error
	err = multierr.Append(err, m.server.Close())
	if gerr := m.group.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) && !errors.Is(gerr, muxd.ErrServerClosed) {
		err = multierr.Append(err, gerr)
	}
	err = multierr.Append(err, m.closeLog())
	m.started = false
	m.server = nil
	m.ready = make(chan struct{})
	log.Info("Muxer has stopped")

	return err
}

func (m *Muxer) sideloader() (*sideload.Sideloader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev == nil {
		return nil, sideload.ErrNoDevice
	}
	return &sideload.Sideloader{
		Device: m.dev,
		Root:   m.conf.Device.StagingDir,
	}, nil
}

// YeetApp stages ipa on the device for bundleID.
func (m *Muxer) YeetApp(bundleID string, ipa []byte) error {
	s, err := m.sideloader()
	if err != nil {
		return err
	}
	return s.Stage(bundleID, ipa)
}

// InstallIPA installs the package staged by YeetApp.
func (m *Muxer) InstallIPA(bundleID string) error {
	s, err := m.sideloader()
	if err != nil {
		return err
	}
	return s.Install(bundleID, m.progress)
}

// RemoveApp uninstalls bundleID from the device.
func (m *Muxer) RemoveApp(bundleID string) error {
	s, err := m.sideloader()
	if err != nil {
		return err
	}
	return s.Remove(bundleID, m.progress)
}

// TargetMuxerAddress points usbmuxd clients in this process at addr.
func TargetMuxerAddress(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid muxer address %q: %w", addr, err)
	}
	return os.Setenv(usb.SocketAddressEnv, addr)
}
