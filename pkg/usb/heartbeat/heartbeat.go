// Package heartbeat keeps a device's lockdown pairing alive by answering its
// keep-alive pings.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/lomux/pkg/usb"
	"github.com/blacktop/lomux/pkg/usb/lockdownd"
)

const (
	ServiceName = "com.apple.mobile.heartbeat"

	// DefaultInterval is used when the device does not send one.
	DefaultInterval = 10 * time.Second
)

type Response struct {
	Command            string `plist:"Command,omitempty"`
	Interval           uint64 `plist:"Interval,omitempty"`
	SupportsSleepyTime bool   `plist:"SupportsSleepyTime,omitempty"`
}

type Client struct {
	c        *usb.Client
	interval time.Duration
}

func NewClient(addr string, record *usb.PairRecord, timeout time.Duration) (*Client, error) {
	c, err := lockdownd.NewClientForService(addr, record, ServiceName, false, timeout)
	if err != nil {
		return nil, err
	}
	return NewClientWithConn(c), nil
}

func NewClientWithConn(c *usb.Client) *Client {
	return &Client{
		c:        c,
		interval: DefaultInterval,
	}
}

func (c *Client) Close() error {
	return c.c.Close()
}

// Beat waits for the device's Marco and answers it with Polo.
func (c *Client) Beat() (*Response, error) {
	// the device pings every interval; allow it to miss one
	if err := c.c.Conn().SetReadDeadline(time.Now().Add(2*c.interval + time.Second)); err != nil {
		return nil, err
	}

	var resp Response
	if err := c.c.Recv(&resp); err != nil {
		return nil, err
	}
	if resp.Command != "Marco" {
		return &resp, fmt.Errorf("unexpected heartbeat command %q", resp.Command)
	}
	if resp.Interval > 0 {
		c.interval = time.Duration(resp.Interval) * time.Second
	}

	if err := c.c.Send(map[string]any{
		"Command": "Polo",
	}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Run answers beats until ctx is done or the session fails.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		if _, err := c.Beat(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// DialFunc opens a new heartbeat session.
type DialFunc func() (*Client, error)

// Keep holds a heartbeat session open until ctx is done, dialing a new one
// backoff after every failure. It always returns ctx.Err().
func Keep(ctx context.Context, dial DialFunc, backoff time.Duration) error {
	for {
		c, err := dial()
		if err != nil {
			log.WithError(err).Debug("failed to start heartbeat")
		} else {
			log.Debug("heartbeat started")
			err = c.Run(ctx)
			c.Close()
			if ctx.Err() == nil {
				log.WithError(err).Warn("heartbeat lost")
			}
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
