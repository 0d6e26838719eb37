package sideload

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/lomux/pkg/usb/afc"
	"github.com/blacktop/lomux/pkg/usb/installation"
	"github.com/google/go-cmp/cmp"
)

const bundleID = "com.example.app"

type dirInfo string

func (d dirInfo) Name() string       { return string(d) }
func (d dirInfo) Size() int64        { return 0 }
func (d dirInfo) Mode() fs.FileMode  { return fs.ModeDir }
func (d dirInfo) ModTime() time.Time { return time.Time{} }
func (d dirInfo) IsDir() bool        { return true }
func (d dirInfo) Sys() any           { return nil }

// memFS records every call made on it.
type memFS struct {
	dirs  map[string]bool
	files map[string][]byte
	calls []string

	failMakeDir bool
	failOpen    bool
	failWrite   bool
	// hideDirs makes MakeDir succeed without the directory showing up.
	hideDirs bool
	closed   int
}

func newMemFS() *memFS {
	return &memFS{
		dirs:  make(map[string]bool),
		files: make(map[string][]byte),
	}
}

func (m *memFS) GetFileInfo(name string) (os.FileInfo, error) {
	m.calls = append(m.calls, "stat "+name)
	if m.dirs[name] {
		return dirInfo(name), nil
	}
	return nil, afc.ErrObjectNotFound
}

func (m *memFS) MakeDir(dir string) error {
	m.calls = append(m.calls, "mkdir "+dir)
	if m.failMakeDir {
		return afc.ErrPermDenied
	}
	if !m.hideDirs {
		m.dirs[dir] = true
	}
	return nil
}

type memFile struct {
	m    *memFS
	name string
	buf  bytes.Buffer
}

func (f *memFile) Write(p []byte) (int, error) {
	f.m.calls = append(f.m.calls, "write "+f.name)
	if f.m.failWrite {
		return 0, errors.New("write error")
	}
	return f.buf.Write(p)
}

func (f *memFile) Close() error {
	f.m.calls = append(f.m.calls, "close "+f.name)
	f.m.files[f.name] = f.buf.Bytes()
	return nil
}

func (m *memFS) OpenFile(name string, flag int) (io.WriteCloser, error) {
	m.calls = append(m.calls, "open "+name)
	if m.failOpen {
		return nil, afc.ErrPermDenied
	}
	if flag != os.O_WRONLY|os.O_CREATE|os.O_TRUNC {
		return nil, afc.ErrBadFlags
	}
	return &memFile{m: m, name: name}, nil
}

func (m *memFS) Close() error {
	m.closed++
	return nil
}

type installer struct {
	fs        *memFS
	installed map[string]string
	calls     []string
	options   map[string]any
	closed    int
}

func (i *installer) Install(packagePath string, options map[string]any, cb installation.ProgressFunc) error {
	i.calls = append(i.calls, "install "+packagePath)
	i.options = options
	if _, ok := i.fs.files[packagePath]; !ok {
		return errors.New("PackageExtractionFailed")
	}
	if cb != nil {
		cb(&installation.ProgressEvent{Status: "Complete", PercentComplete: 100})
	}
	i.installed[options[installation.OptionBundleIdentifier].(string)] = packagePath
	return nil
}

func (i *installer) Uninstall(bundleID string, cb installation.ProgressFunc) error {
	i.calls = append(i.calls, "uninstall "+bundleID)
	if _, ok := i.installed[bundleID]; !ok {
		return errors.New("APIInternalError")
	}
	delete(i.installed, bundleID)
	return nil
}

func (i *installer) Close() error {
	i.closed++
	return nil
}

type device struct {
	connected  bool
	udid       string
	udidErr    error
	fs         *memFS
	inst       *installer
	fsErr      error
	installErr error
}

func newDevice() *device {
	m := newMemFS()
	return &device{
		connected: true,
		udid:      "00008101-000A1B2C3D4E001E",
		fs:        m,
		inst:      &installer{fs: m, installed: make(map[string]string)},
	}
}

func (d *device) Connected() bool { return d.connected }

func (d *device) UDID() (string, error) { return d.udid, d.udidErr }

func (d *device) FileService() (FileService, error) {
	if d.fsErr != nil {
		return nil, d.fsErr
	}
	return d.fs, nil
}

func (d *device) InstallService() (InstallService, error) {
	if d.installErr != nil {
		return nil, d.installErr
	}
	return d.inst, nil
}

func TestStage(t *testing.T) {
	dev := newDevice()
	s := New(dev)
	ipa := []byte("PK\x03\x04payload")

	if err := s.Stage(bundleID, ipa); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"stat PublicStaging",
		"mkdir PublicStaging",
		"stat PublicStaging",
		"stat PublicStaging/com.example.app",
		"mkdir PublicStaging/com.example.app",
		"stat PublicStaging/com.example.app",
		"open PublicStaging/com.example.app/app.ipa",
		"write PublicStaging/com.example.app/app.ipa",
		"close PublicStaging/com.example.app/app.ipa",
	}
	if diff := cmp.Diff(want, dev.fs.calls); diff != "" {
		t.Errorf("Stage() calls mismatch (-want +got):\n%s", diff)
	}
	if got := dev.fs.files["PublicStaging/com.example.app/app.ipa"]; !bytes.Equal(got, ipa) {
		t.Errorf("staged %q, want %q", got, ipa)
	}
	if dev.fs.closed != 1 {
		t.Errorf("file session closed %d times, want 1", dev.fs.closed)
	}
}

func TestStageIsIdempotent(t *testing.T) {
	dev := newDevice()
	s := New(dev)

	if err := s.Stage(bundleID, []byte("first")); err != nil {
		t.Fatal(err)
	}
	dev.fs.calls = nil
	if err := s.Stage(bundleID, []byte("second")); err != nil {
		t.Fatal(err)
	}

	// existing directories are only checked
	want := []string{
		"stat PublicStaging",
		"stat PublicStaging/com.example.app",
		"open PublicStaging/com.example.app/app.ipa",
		"write PublicStaging/com.example.app/app.ipa",
		"close PublicStaging/com.example.app/app.ipa",
	}
	if diff := cmp.Diff(want, dev.fs.calls); diff != "" {
		t.Errorf("second Stage() calls mismatch (-want +got):\n%s", diff)
	}
	if got := string(dev.fs.files["PublicStaging/com.example.app/app.ipa"]); got != "second" {
		t.Errorf("staged %q, want the second package", got)
	}
}

func TestStageEmptyPackage(t *testing.T) {
	dev := newDevice()
	if err := New(dev).Stage(bundleID, nil); err != nil {
		t.Fatal(err)
	}
	if got, ok := dev.fs.files["PublicStaging/com.example.app/app.ipa"]; !ok || len(got) != 0 {
		t.Errorf("staged %q, want an empty file", got)
	}
}

func TestStageCustomRoot(t *testing.T) {
	dev := newDevice()
	s := &Sideloader{Device: dev, Root: "Downloads"}
	if err := s.Stage(bundleID, []byte("ipa")); err != nil {
		t.Fatal(err)
	}
	if _, ok := dev.fs.files["Downloads/com.example.app/app.ipa"]; !ok {
		t.Error("package not staged under the custom root")
	}
}

func TestStageFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(d *device)
		want   error
		step   string
		noCall bool
	}{
		{"no connection", func(d *device) { d.connected = false }, ErrNoConnection, "", true},
		{"no device", func(d *device) { d.udid = "" }, ErrNoDevice, "", true},
		{"device lookup fails", func(d *device) { d.udidErr = errors.New("no pair record") }, ErrNoDevice, "", true},
		{"session fails", func(d *device) { d.fsErr = errors.New("connection refused") }, ErrSessionCreate, afc.ServiceName, true},
		{"mkdir fails", func(d *device) { d.fs.failMakeDir = true }, ErrFilesystemAccess, "failed to make directory PublicStaging", false},
		{"mkdir unconfirmed", func(d *device) { d.fs.hideDirs = true }, ErrFilesystemAccess, "failed to read directory PublicStaging", false},
		{"open fails", func(d *device) { d.fs.failOpen = true }, ErrFilesystemAccess, "failed to open", false},
		{"write fails", func(d *device) { d.fs.failWrite = true }, ErrFilesystemAccess, "failed to write", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice()
			tt.setup(dev)

			err := New(dev).Stage(bundleID, []byte("ipa"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Stage() error = %v, want %v", err, tt.want)
			}
			if tt.step != "" && !strings.Contains(err.Error(), tt.step) {
				t.Errorf("Stage() error = %q, want it to mention %q", err, tt.step)
			}
			if tt.noCall && len(dev.fs.calls) != 0 {
				t.Errorf("file service used after failure: %v", dev.fs.calls)
			}
		})
	}
}

func TestSessionError(t *testing.T) {
	dev := newDevice()
	cause := errors.New("connection refused")
	dev.installErr = cause

	err := New(dev).Install(bundleID, nil)
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("Install() error = %v, want a *SessionError", err)
	}
	if serr.Service != installation.ServiceName {
		t.Errorf("SessionError.Service = %q", serr.Service)
	}
	if !errors.Is(err, ErrSessionCreate) || !errors.Is(err, cause) {
		t.Errorf("SessionError does not match its kind and cause: %v", err)
	}
	if errors.Is(err, ErrInstallFailed) {
		t.Error("session failure reported as an install failure")
	}
}

func TestInstall(t *testing.T) {
	dev := newDevice()
	s := New(dev)

	if err := s.Stage(bundleID, []byte("ipa")); err != nil {
		t.Fatal(err)
	}

	var events []string
	if err := s.Install(bundleID, func(ev *installation.ProgressEvent) {
		events = append(events, ev.Status)
	}); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"install PublicStaging/com.example.app/app.ipa"}, dev.inst.calls); diff != "" {
		t.Errorf("Install() calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"CFBundleIdentifier": bundleID}, dev.inst.options); diff != "" {
		t.Errorf("Install() options mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Complete"}, events); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
	if dev.inst.closed != 1 {
		t.Errorf("install session closed %d times, want 1", dev.inst.closed)
	}
}

func TestInstallBeforeStage(t *testing.T) {
	dev := newDevice()

	err := New(dev).Install(bundleID, nil)
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("Install() error = %v, want ErrInstallFailed", err)
	}
	if !strings.Contains(err.Error(), "PackageExtractionFailed") {
		t.Errorf("Install() error = %q, want the device's reason", err)
	}
	if len(dev.inst.installed) != 0 {
		t.Error("app was installed")
	}
}

func TestRemove(t *testing.T) {
	dev := newDevice()
	s := New(dev)

	if err := s.Stage(bundleID, []byte("ipa")); err != nil {
		t.Fatal(err)
	}
	if err := s.Install(bundleID, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(bundleID, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := dev.inst.installed[bundleID]; ok {
		t.Error("app is still installed")
	}

	if err := s.Remove(bundleID, nil); !errors.Is(err, ErrUninstallFailed) {
		t.Errorf("Remove() of a missing app error = %v, want ErrUninstallFailed", err)
	}
}

func TestRemoveFailures(t *testing.T) {
	dev := newDevice()
	dev.connected = false
	if err := New(dev).Remove(bundleID, nil); !errors.Is(err, ErrNoConnection) {
		t.Errorf("Remove() error = %v, want ErrNoConnection", err)
	}

	dev = newDevice()
	dev.installErr = errors.New("connection refused")
	if err := New(dev).Remove(bundleID, nil); !errors.Is(err, ErrSessionCreate) {
		t.Errorf("Remove() error = %v, want ErrSessionCreate", err)
	}
}

func TestNilDevice(t *testing.T) {
	if err := new(Sideloader).Stage(bundleID, nil); !errors.Is(err, ErrNoConnection) {
		t.Errorf("Stage() error = %v, want ErrNoConnection", err)
	}
}

func TestValidateBundleID(t *testing.T) {
	for _, id := range []string{"", ".", "..", "com/example", `com\example`, "com\x00example"} {
		if err := New(newDevice()).Stage(id, nil); !errors.Is(err, ErrInvalidBundleID) {
			t.Errorf("Stage(%q) error = %v, want ErrInvalidBundleID", id, err)
		}
	}
	for _, id := range []string{"com.example.app", "io.blacktop.lomux", "a"} {
		if err := validateBundleID(id); err != nil {
			t.Errorf("validateBundleID(%q) = %v", id, err)
		}
	}
}
