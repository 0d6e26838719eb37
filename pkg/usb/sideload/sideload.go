// Package sideload stages an app package on a device over AFC and asks
// installation_proxy to install or remove it.
package sideload

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/lomux/pkg/usb/afc"
	"github.com/blacktop/lomux/pkg/usb/installation"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

const (
	// DefaultRoot is the device's staging directory for packages.
	DefaultRoot = "PublicStaging"
	// PackageName is the file name a package is staged under.
	PackageName = "app.ipa"
)

var (
	ErrNoConnection     = errors.New("no device connection")
	ErrNoDevice         = errors.New("no device")
	ErrSessionCreate    = errors.New("failed to create session")
	ErrFilesystemAccess = errors.New("device filesystem access failed")
	ErrInstallFailed    = errors.New("install failed")
	ErrUninstallFailed  = errors.New("uninstall failed")
	ErrInvalidBundleID  = errors.New("invalid bundle id")
)

// SessionError reports that a device service could not be started.
// It matches ErrSessionCreate.
type SessionError struct {
	Service string
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("failed to create %s session: %v", e.Service, e.Err)
}

func (e *SessionError) Unwrap() []error {
	return []error{ErrSessionCreate, e.Err}
}

// Device is the paired device packages are sent to.
type Device interface {
	Connected() bool
	UDID() (string, error)
	FileService() (FileService, error)
	InstallService() (InstallService, error)
}

// FileService is a session with the device's media file service.
type FileService interface {
	GetFileInfo(name string) (os.FileInfo, error)
	MakeDir(dir string) error
	OpenFile(name string, flag int) (io.WriteCloser, error)
	Close() error
}

// InstallService is a session with the device's installation service.
type InstallService interface {
	Install(packagePath string, options map[string]any, cb installation.ProgressFunc) error
	Uninstall(bundleID string, cb installation.ProgressFunc) error
	Close() error
}

// Sideloader runs the staged install workflow against a Device. Every call
// opens and closes its own service session.
type Sideloader struct {
	Device Device
	Root   string
}

func New(dev Device) *Sideloader {
	return &Sideloader{
		Device: dev,
		Root:   DefaultRoot,
	}
}

// PackagePath is where the package for bundleID is staged.
func (s *Sideloader) PackagePath(bundleID string) string {
	return path.Join(s.root(), bundleID, PackageName)
}

func (s *Sideloader) root() string {
	if s.Root == "" {
		return DefaultRoot
	}
	return s.Root
}

// Stage writes ipa to the device's staging directory for bundleID, creating
// the directories it needs. Staging the same bundle again overwrites the package.
func (s *Sideloader) Stage(bundleID string, ipa []byte) error {
	if err := validateBundleID(bundleID); err != nil {
		return err
	}
	lg := log.WithField("bundle_id", bundleID)
	lg.Info("Staging package")

	if err := s.checkDevice(); err != nil {
		return err
	}

	fs, err := s.Device.FileService()
	if err != nil {
		return &SessionError{Service: afc.ServiceName, Err: err}
	}
	defer fs.Close()

	root := s.root()
	if err := ensureDir(fs, root); err != nil {
		return err
	}
	lg.WithField("dir", root).Debug("Staging directory ready")

	dir := path.Join(root, bundleID)
	if err := ensureDir(fs, dir); err != nil {
		return err
	}
	lg.WithField("dir", dir).Debug("Bundle directory ready")

	pkgPath := s.PackagePath(bundleID)
	f, err := fs.OpenFile(pkgPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fsError(err, "failed to open %s", pkgPath)
	}
	if _, err := f.Write(ipa); err != nil {
		f.Close()
		return fsError(err, "failed to write %s", pkgPath)
	}
	if err := f.Close(); err != nil {
		return fsError(err, "failed to close %s", pkgPath)
	}

	lg.WithFields(log.Fields{
		"path": pkgPath,
		"size": humanize.Bytes(uint64(len(ipa))),
	}).Info("Staged package")

	return nil
}

// Install installs the package previously staged for bundleID.
func (s *Sideloader) Install(bundleID string, cb installation.ProgressFunc) error {
	if err := validateBundleID(bundleID); err != nil {
		return err
	}
	lg := log.WithField("bundle_id", bundleID)
	lg.Info("Installing app")

	if err := s.checkDevice(); err != nil {
		return err
	}

	is, err := s.Device.InstallService()
	if err != nil {
		return &SessionError{Service: installation.ServiceName, Err: err}
	}
	defer is.Close()

	opts := map[string]any{
		installation.OptionBundleIdentifier: bundleID,
	}
	if err := is.Install(s.PackagePath(bundleID), opts, cb); err != nil {
		return errors.Wrapf(fmt.Errorf("%w: %w", ErrInstallFailed, err), "failed to install %s", bundleID)
	}

	lg.Info("Installed app")
	return nil
}

// Remove uninstalls the app with bundleID.
func (s *Sideloader) Remove(bundleID string, cb installation.ProgressFunc) error {
	if err := validateBundleID(bundleID); err != nil {
		return err
	}
	lg := log.WithField("bundle_id", bundleID)
	lg.Info("Removing app")

	if err := s.checkDevice(); err != nil {
		return err
	}

	is, err := s.Device.InstallService()
	if err != nil {
		return &SessionError{Service: installation.ServiceName, Err: err}
	}
	defer is.Close()

	if err := is.Uninstall(bundleID, cb); err != nil {
		return errors.Wrapf(fmt.Errorf("%w: %w", ErrUninstallFailed, err), "failed to remove %s", bundleID)
	}

	lg.Info("Removed app")
	return nil
}

func (s *Sideloader) checkDevice() error {
	if s.Device == nil || !s.Device.Connected() {
		log.Error("No device connection")
		return ErrNoConnection
	}
	udid, err := s.Device.UDID()
	if err != nil {
		if errors.Is(err, ErrNoDevice) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrNoDevice, err)
	}
	if udid == "" {
		return ErrNoDevice
	}
	log.WithField("udid", udid).Debug("Using device")
	return nil
}

// ensureDir checks for dir, creates it when missing and confirms it exists.
func ensureDir(fs FileService, dir string) error {
	if _, err := fs.GetFileInfo(dir); err == nil {
		return nil
	}
	if err := fs.MakeDir(dir); err != nil {
		return fsError(err, "failed to make directory %s", dir)
	}
	if _, err := fs.GetFileInfo(dir); err != nil {
		return fsError(err, "failed to read directory %s", dir)
	}
	return nil
}

func fsError(err error, format string, args ...any) error {
	return errors.Wrapf(fmt.Errorf("%w: %w", ErrFilesystemAccess, err), format, args...)
}

func validateBundleID(bundleID string) error {
	switch {
	case bundleID == "", bundleID == ".", bundleID == "..":
	case strings.ContainsAny(bundleID, "/\\\x00"):
	default:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidBundleID, bundleID)
}
