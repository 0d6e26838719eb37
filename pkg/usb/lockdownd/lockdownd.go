package lockdownd

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/lomux/pkg/usb"
)

// Port is the lockdown port of a network-attached device.
const Port = 62078

const queryType = "com.apple.mobile.lockdown"

// ErrLockdown is returned when lockdown answers a request with an error.
var ErrLockdown = errors.New("lockdown request failed")

// Addr returns the lockdown address of the device at host.
func Addr(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(Port))
}

type Client struct {
	*usb.Client
	host string
}

type queryTypeRequest struct {
	Label   string
	Request string `plist:"Request"`
}

type queryTypeResponse struct {
	Request string
	Result  string
	Type    string
	Error   string `plist:"Error,omitempty"`
}

type startSessionRequest struct {
	Label           string
	ProtocolVersion string
	Request         string
	HostID          string
	SystemBUID      string
}

type startSessionResponse struct {
	Request          string
	Result           string
	EnableSessionSSL bool
	SessionID        string
	Error            string `plist:"Error,omitempty"`
}

// NewClient dials lockdown at addr and starts an authenticated session with
// the host identity in record.
func NewClient(addr string, record *usb.PairRecord, timeout time.Duration) (*Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	cli, err := usb.DialClient(addr, record, timeout)
	if err != nil {
		return nil, err
	}

	lc := &Client{Client: cli, host: host}
	if err := lc.startSession(); err != nil {
		cli.Close()
		return nil, err
	}

	return lc, nil
}

func (lc *Client) startSession() error {
	typ, err := lc.QueryType()
	if err != nil {
		return fmt.Errorf("failed to query lockdown type: %w", err)
	}
	if typ != queryType {
		return fmt.Errorf("%w: unexpected service type %q", ErrLockdown, typ)
	}

	record := lc.PairRecord()
	if record == nil {
		return fmt.Errorf("%w: no pair record", usb.ErrPairingDataInvalid)
	}
	req := &startSessionRequest{
		Label:           usb.BundleID,
		ProtocolVersion: "2",
		Request:         "StartSession",
		HostID:          record.HostID,
		SystemBUID:      record.SystemBUID,
	}
	var resp startSessionResponse
	if err := lc.Request(req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: StartSession: %s", ErrLockdown, resp.Error)
	}

	if resp.EnableSessionSSL {
		if err := lc.EnableSSL(); err != nil {
			return fmt.Errorf("failed to enable SSL for lockdown service: %v", err)
		}
	}
	log.WithField("session", resp.SessionID).Debug("lockdown session started")

	return nil
}

// NewClientForService starts serviceName through lockdown at addr and returns
// a client connected to it.
func NewClientForService(addr string, record *usb.PairRecord, serviceName string, withEscrowBag bool, timeout time.Duration) (*usb.Client, error) {
	lc, err := NewClient(addr, record, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create lockdownd client for service %s: %w", serviceName, err)
	}
	defer lc.Close()

	svc, err := lc.StartService(serviceName, withEscrowBag)
	if err != nil {
		return nil, fmt.Errorf("failed to start service %s: %w", serviceName, err)
	}

	cli, err := usb.DialClient(net.JoinHostPort(lc.host, strconv.Itoa(svc.Port)), record, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service %s on port %d: %w", serviceName, svc.Port, err)
	}

	if svc.EnableServiceSSL {
		if err := cli.EnableSSL(); err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to enable SSL for lockdown service %s: %v", serviceName, err)
		}
	}

	return cli, nil
}

type startServiceRequest struct {
	Label     string
	Request   string `plist:"Request"`
	Service   string
	EscrowBag []byte `plist:"EscrowBag,omitempty"`
}

type StartServiceResponse struct {
	Request          string
	Result           string
	Service          string
	Port             int
	EnableServiceSSL bool
	Error            string `plist:"Error,omitempty"`
}

func (lc *Client) StartService(service string, withEscrowBag bool) (*StartServiceResponse, error) {
	req := &startServiceRequest{
		Label:   usb.BundleID,
		Request: "StartService",
		Service: service,
	}
	if withEscrowBag {
		req.EscrowBag = lc.PairRecord().EscrowBag
	}

	var resp StartServiceResponse
	if err := lc.Request(req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: StartService %s: %s", ErrLockdown, service, resp.Error)
	}
	if resp.Port <= 0 || resp.Port > 0xffff {
		return nil, fmt.Errorf("%w: StartService %s: invalid port %d", ErrLockdown, service, resp.Port)
	}

	return &resp, nil
}

type getValueRequest struct {
	Request string
	Label   string
	Domain  string `plist:"Domain,omitempty"`
	Key     string `plist:"Key,omitempty"`
}

type getValueResponse struct {
	Domain  string `plist:"Domain,omitempty"`
	Error   string `plist:"Error,omitempty"`
	Key     string `plist:"Key,omitempty"`
	Request string `plist:"Request,omitempty"`
	Value   any    `plist:"Value,omitempty"`
}

func (lc *Client) GetValue(domain, key string) (any, error) {
	req := &getValueRequest{
		Request: "GetValue",
		Label:   usb.BundleID,
		Domain:  domain,
		Key:     key,
	}
	var resp getValueResponse
	if err := lc.Request(req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("failed to get value: %s", resp.Error)
	}
	return resp.Value, nil
}

// UniqueDeviceID asks the device for its UDID.
func (lc *Client) UniqueDeviceID() (string, error) {
	v, err := lc.GetValue("", "UniqueDeviceID")
	if err != nil {
		return "", err
	}
	udid, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: UniqueDeviceID is %T", ErrLockdown, v)
	}
	return udid, nil
}

func (lc *Client) QueryType() (string, error) {
	req := &queryTypeRequest{
		Label:   usb.BundleID,
		Request: "QueryType",
	}
	var resp queryTypeResponse
	if err := lc.Request(req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%w: QueryType: %s", ErrLockdown, resp.Error)
	}

	return resp.Type, nil
}

func (lc *Client) Close() error {
	return lc.Client.Close()
}
