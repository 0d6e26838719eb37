package device

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/blacktop/lomux/pkg/usb/afc"
	"github.com/blacktop/lomux/pkg/usb/heartbeat"
	"github.com/blacktop/lomux/pkg/usb/installation"
	"github.com/blacktop/lomux/pkg/usb/sideload"
	"github.com/blacktop/lomux/pkg/usb/usbtest"
)

type testDevice struct {
	*Device
	fs   *usbtest.FS
	apps *usbtest.Apps
}

func newTestDevice(t *testing.T) *testDevice {
	t.Helper()
	fs := usbtest.NewFS()
	apps := usbtest.NewApps(fs)
	afcSvc := usbtest.NewServer(t, usbtest.AFC(fs))
	instSvc := usbtest.NewServer(t, usbtest.InstallProxy(apps))
	lockdown := usbtest.NewServer(t, usbtest.Lockdown(map[string]int{
		afc.ServiceName:          afcSvc.Port(),
		installation.ServiceName: instSvc.Port(),
	}))

	d := New("127.0.0.1", usbtest.PairRecord(t))
	d.Port = lockdown.Port()
	d.Timeout = time.Second
	return &testDevice{Device: d, fs: fs, apps: apps}
}

func TestSideload(t *testing.T) {
	d := newTestDevice(t)
	s := sideload.New(d)
	ipa := bytes.Repeat([]byte("PK\x03\x04"), 1<<15)

	if err := s.Stage("com.example.app", ipa); err != nil {
		t.Fatal(err)
	}
	got, ok := d.fs.File("PublicStaging/com.example.app/app.ipa")
	if !ok || !bytes.Equal(got, ipa) {
		t.Fatalf("staged %d bytes, want %d", len(got), len(ipa))
	}

	if err := s.Install("com.example.app", nil); err != nil {
		t.Fatal(err)
	}
	if !d.apps.Installed("com.example.app") {
		t.Fatal("app was not installed")
	}

	if err := s.Remove("com.example.app", nil); err != nil {
		t.Fatal(err)
	}
	if d.apps.Installed("com.example.app") {
		t.Error("app is still installed")
	}
}

func TestInstallNeverStaged(t *testing.T) {
	d := newTestDevice(t)

	err := sideload.New(d).Install("com.example.never", nil)
	if !errors.Is(err, sideload.ErrInstallFailed) {
		t.Fatalf("Install() error = %v, want ErrInstallFailed", err)
	}
	if !errors.Is(err, installation.ErrCommandFailed) {
		t.Errorf("Install() error = %v, want the device's failure", err)
	}
}

func TestReadOnlyStaging(t *testing.T) {
	d := newTestDevice(t)
	d.fs.ReadOnly = true

	err := sideload.New(d).Stage("com.example.app", []byte("ipa"))
	if !errors.Is(err, sideload.ErrFilesystemAccess) || !errors.Is(err, afc.ErrPermDenied) {
		t.Errorf("Stage() error = %v, want ErrFilesystemAccess caused by ErrPermDenied", err)
	}
}

func TestConnected(t *testing.T) {
	d := newTestDevice(t)
	if !d.Connected() {
		t.Error("Connected() = false with lockdown listening")
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	d.Port = port
	if d.Connected() {
		t.Error("Connected() = true with nothing listening")
	}
	if (&Device{}).Connected() {
		t.Error("Connected() = true without a host")
	}
}

func TestUDID(t *testing.T) {
	d := newTestDevice(t)
	udid, err := d.UDID()
	if err != nil {
		t.Fatal(err)
	}
	if udid != usbtest.UDID {
		t.Errorf("UDID() = %q, want %q", udid, usbtest.UDID)
	}

	if _, err := New("127.0.0.1", nil).UDID(); !errors.Is(err, sideload.ErrNoDevice) {
		t.Errorf("UDID() without a record error = %v, want ErrNoDevice", err)
	}
}

func TestServiceUnavailable(t *testing.T) {
	d := newTestDevice(t)
	lockdown := usbtest.NewServer(t, usbtest.Lockdown(nil))
	d.Port = lockdown.Port()

	err := sideload.New(d).Remove("com.example.app", nil)
	var serr *sideload.SessionError
	if !errors.As(err, &serr) || serr.Service != installation.ServiceName {
		t.Errorf("Remove() error = %v, want a %s session error", err, installation.ServiceName)
	}
}

func TestHeartbeatUnavailable(t *testing.T) {
	d := newTestDevice(t)
	if _, err := d.Heartbeat(); err == nil {
		t.Errorf("Heartbeat() succeeded without a %s service", heartbeat.ServiceName)
	}
}

func TestAddr(t *testing.T) {
	if got := New("10.7.0.1", nil).Addr(); got != "10.7.0.1:62078" {
		t.Errorf("Addr() = %q", got)
	}
	if got := (&Device{Host: "10.7.0.1"}).Addr(); got != "10.7.0.1:62078" {
		t.Errorf("Addr() with no port = %q", got)
	}
}

func TestVerify(t *testing.T) {
	d := newTestDevice(t)
	if err := d.Verify(); err != nil {
		t.Fatal(err)
	}

	d.Record.UDID = "00008030-001122334455802E"
	if err := d.Verify(); !errors.Is(err, ErrUDIDMismatch) {
		t.Errorf("Verify() error = %v, want ErrUDIDMismatch", err)
	}
}

func TestVerifyUnreachable(t *testing.T) {
	d := newTestDevice(t)
	d.Host = "127.0.0.2"
	d.Timeout = 100 * time.Millisecond
	if err := d.Verify(); !errors.Is(err, sideload.ErrSessionCreate) {
		t.Errorf("Verify() error = %v, want ErrSessionCreate", err)
	}
}
