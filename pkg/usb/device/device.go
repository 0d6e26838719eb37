// Package device reaches a paired device over the network.
package device

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/blacktop/lomux/pkg/usb"
	"github.com/blacktop/lomux/pkg/usb/afc"
	"github.com/blacktop/lomux/pkg/usb/heartbeat"
	"github.com/blacktop/lomux/pkg/usb/installation"
	"github.com/blacktop/lomux/pkg/usb/lockdownd"
	"github.com/blacktop/lomux/pkg/usb/sideload"
)

// DefaultTimeout bounds every dial made to the device.
const DefaultTimeout = 5 * time.Second

// ErrUDIDMismatch is returned by Verify when the device is not the one the
// pair record belongs to.
var ErrUDIDMismatch = errors.New("device UDID does not match pair record")

var _ sideload.Device = (*Device)(nil)

// Device is a device reached through its lockdown port with the host
// identity from a pair record.
type Device struct {
	Host    string
	Port    int
	Record  *usb.PairRecord
	Timeout time.Duration
}

func New(host string, record *usb.PairRecord) *Device {
	return &Device{
		Host:    host,
		Port:    lockdownd.Port,
		Record:  record,
		Timeout: DefaultTimeout,
	}
}

// Addr is the device's lockdown address.
func (d *Device) Addr() string {
	if d.Port == 0 {
		return lockdownd.Addr(d.Host)
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d *Device) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

// Connected reports whether the lockdown port accepts connections.
func (d *Device) Connected() bool {
	if d.Host == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", d.Addr(), d.timeout())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// UDID is the UDID of the pair record.
func (d *Device) UDID() (string, error) {
	if d.Record == nil || d.Record.UDID == "" {
		return "", sideload.ErrNoDevice
	}
	return d.Record.UDID, nil
}

// Verify asks the device for its UDID and compares it with the pair record.
func (d *Device) Verify() error {
	want, err := d.UDID()
	if err != nil {
		return err
	}
	lc, err := lockdownd.NewClient(d.Addr(), d.Record, d.timeout())
	if err != nil {
		return &sideload.SessionError{Service: "lockdown", Err: err}
	}
	defer lc.Close()

	got, err := lc.UniqueDeviceID()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: device is %s, record is for %s", ErrUDIDMismatch, got, want)
	}
	return nil
}

func (d *Device) FileService() (sideload.FileService, error) {
	c, err := afc.NewClient(d.Addr(), d.Record, d.timeout())
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Device) InstallService() (sideload.InstallService, error) {
	c, err := installation.NewClient(d.Addr(), d.Record, d.timeout())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Heartbeat starts a keep-alive session.
func (d *Device) Heartbeat() (*heartbeat.Client, error) {
	return heartbeat.NewClient(d.Addr(), d.Record, d.timeout())
}
