package installation

import (
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/lomux/pkg/usb"
	"github.com/blacktop/lomux/pkg/usb/lockdownd"
)

const (
	ServiceName = "com.apple.mobile.installation_proxy"

	// OptionBundleIdentifier names the bundle an Install is for.
	OptionBundleIdentifier = "CFBundleIdentifier"
)

// ErrCommandFailed is returned when the device reports an error for a command.
var ErrCommandFailed = errors.New("installation command failed")

type Client struct {
	c *usb.Client
}

// NewClient starts installation_proxy through lockdown at addr.
func NewClient(addr string, record *usb.PairRecord, timeout time.Duration) (*Client, error) {
	c, err := lockdownd.NewClientForService(addr, record, ServiceName, false, timeout)
	if err != nil {
		return nil, err
	}
	return NewClientWithConn(c), nil
}

// NewClientWithConn speaks installation_proxy over an already started service connection.
func NewClientWithConn(c *usb.Client) *Client {
	return &Client{c: c}
}

type ProgressFunc func(*ProgressEvent)

func (c *Client) watchProgress(cmd string, cb ProgressFunc) error {
	for {
		ev := &ProgressEvent{}
		if err := c.c.Recv(ev); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		if ev.Error != "" {
			log.WithFields(log.Fields{
				"command": cmd,
				"error":   ev.Error,
				"detail":  ev.ErrorDetail,
			}).Debug(ev.ErrorDescription)
			if ev.ErrorDescription != "" {
				return fmt.Errorf("%w: %s: %s: %s", ErrCommandFailed, cmd, ev.Error, ev.ErrorDescription)
			}
			return fmt.Errorf("%w: %s: %s", ErrCommandFailed, cmd, ev.Error)
		}
		// Some iOS versions send a message that is not a status message.
		// Ignore it.
		if ev.Status == "" {
			continue
		}
		if ev.Status == "Complete" {
			ev.PercentComplete = 100
		}
		if cb != nil {
			cb(ev)
		}
		if ev.Status == "Complete" {
			return nil
		}
	}
}

// Install installs the package staged at packagePath and waits for the
// device to finish.
func (c *Client) Install(packagePath string, options map[string]any, progressCb ProgressFunc) error {
	req := &InstallOrUpgradeRequest{
		Command:     NewCommand("Install", options),
		PackagePath: packagePath,
	}
	if err := c.c.Send(req); err != nil {
		return err
	}
	return c.watchProgress("Install", progressCb)
}

// Uninstall removes the app with bundleID and waits for the device to finish.
func (c *Client) Uninstall(bundleID string, progressCb ProgressFunc) error {
	req := &ApplicationIdentifierRequest{
		Command:               NewCommand("Uninstall", nil),
		ApplicationIdentifier: bundleID,
	}
	if err := c.c.Send(req); err != nil {
		return err
	}
	return c.watchProgress("Uninstall", progressCb)
}

func (c *Client) Close() error {
	return c.c.Close()
}
