package installation

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/blacktop/lomux/pkg/usb"
	"github.com/blacktop/lomux/pkg/usb/afc"
	"github.com/blacktop/lomux/pkg/usb/usbtest"
)

const (
	bundleID = "com.example.app"
	pkgPath  = "PublicStaging/com.example.app/app.ipa"
)

func newTestClient(t *testing.T, apps *usbtest.Apps) *Client {
	t.Helper()
	svc := usbtest.NewServer(t, usbtest.InstallProxy(apps))
	conn, err := usb.DialClient(svc.Addr(), nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClientWithConn(conn)
	t.Cleanup(func() { c.Close() })
	return c
}

func stage(t *testing.T, fs *usbtest.FS) {
	t.Helper()
	svc := usbtest.NewServer(t, usbtest.AFC(fs))
	conn, err := usb.DialClient(svc.Addr(), nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c := afc.NewClientWithConn(conn)
	defer c.Close()

	f, err := c.OpenFile(pkgPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("PK\x03\x04")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestInstall(t *testing.T) {
	fs := usbtest.NewFS("PublicStaging/" + bundleID)
	stage(t, fs)
	apps := usbtest.NewApps(fs)
	c := newTestClient(t, apps)

	var statuses []string
	err := c.Install(pkgPath, map[string]any{OptionBundleIdentifier: bundleID}, func(ev *ProgressEvent) {
		statuses = append(statuses, ev.Status)
		if ev.Status == "Complete" && ev.PercentComplete != 100 {
			t.Errorf("Complete event has PercentComplete %d", ev.PercentComplete)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !apps.Installed(bundleID) {
		t.Error("app was not installed")
	}
	if len(statuses) == 0 || statuses[len(statuses)-1] != "Complete" {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestInstallUnstagedPackage(t *testing.T) {
	apps := usbtest.NewApps(usbtest.NewFS())
	c := newTestClient(t, apps)

	err := c.Install(pkgPath, map[string]any{OptionBundleIdentifier: bundleID}, nil)
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("Install() error = %v, want ErrCommandFailed", err)
	}
	if apps.Installed(bundleID) {
		t.Error("app was installed")
	}
}

func TestUninstall(t *testing.T) {
	fs := usbtest.NewFS("PublicStaging/" + bundleID)
	stage(t, fs)
	apps := usbtest.NewApps(fs)
	c := newTestClient(t, apps)

	if err := c.Install(pkgPath, map[string]any{OptionBundleIdentifier: bundleID}, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Uninstall(bundleID, nil); err != nil {
		t.Fatal(err)
	}
	if apps.Installed(bundleID) {
		t.Error("app is still installed")
	}
	// the session stays usable after a failed command
	if err := c.Uninstall(bundleID, nil); !errors.Is(err, ErrCommandFailed) {
		t.Errorf("second Uninstall() error = %v, want ErrCommandFailed", err)
	}
	if err := c.Install(pkgPath, map[string]any{OptionBundleIdentifier: bundleID}, nil); err != nil {
		t.Errorf("Install() after failed Uninstall: %v", err)
	}
}

func TestInstallConnectionLost(t *testing.T) {
	svc := usbtest.NewServer(t, func(c *usb.Client) {
		var req map[string]any
		c.Recv(&req)
		c.Send(map[string]any{"Status": "CreatingStagingDirectory", "PercentComplete": 5})
	})
	conn, err := usb.DialClient(svc.Addr(), nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClientWithConn(conn)
	defer c.Close()

	err = c.Install(pkgPath, nil, nil)
	if err == nil || errors.Is(err, ErrCommandFailed) {
		t.Errorf("Install() error = %v, want a transport error", err)
	}
}

func TestNewClient(t *testing.T) {
	apps := usbtest.NewApps(usbtest.NewFS())
	svc := usbtest.NewServer(t, usbtest.InstallProxy(apps))
	lockdown := usbtest.NewServer(t, usbtest.Lockdown(map[string]int{ServiceName: svc.Port()}))

	c, err := NewClient(lockdown.Addr(), usbtest.PairRecord(t), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
}
