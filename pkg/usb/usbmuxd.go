package usb

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/blacktop/go-plist"
	"github.com/fatih/color"
)

const (
	ProgName            = "lomux"
	BundleID            = "io.blacktop.lomux"
	ClientVersionString = "lomux-usbmux-0.0.1"
)

var colorFaint = color.New(color.Faint, color.FgHiBlue).SprintFunc()
var colorBold = color.New(color.Bold).SprintFunc()

// Conn is a client connection to a usbmuxd compatible daemon.
type Conn struct {
	net.Conn
	tag uint32
}

// NewConn dials the daemon at the address in USBMUXD_SOCKET_ADDRESS, or the
// platform default.
func NewConn() (*Conn, error) {
	conn, err := usbmuxdDial()
	if err != nil {
		return nil, err
	}

	return &Conn{Conn: conn}, nil
}

// DialConn dials a daemon listening on a TCP address.
func DialConn(addr string) (*Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Conn{Conn: conn}, nil
}

type listDevicesRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
}

type listDevicesResponse struct {
	DeviceList []*DeviceAttached
}

type DeviceAttached struct {
	MessageType string
	DeviceID    int
	Properties  *DeviceAttachment
}

type DeviceAttachment struct {
	ConnectionSpeed        int
	ConnectionType         string
	DeviceID               int
	EscapedFullServiceName string
	InterfaceIndex         int
	LocationID             int
	NetworkAddress         []byte
	ProductID              int
	SerialNumber           string
	UDID                   string
	USBSerialNumber        string
}

func (d DeviceAttachment) String() string {
	return fmt.Sprintf(
		colorFaint("DeviceID: ")+colorBold("%d\n")+
			colorFaint("    ConnectionType:  ")+colorBold("%s\n")+
			colorFaint("    ServiceName:     ")+colorBold("%s\n")+
			colorFaint("    InterfaceIndex:  ")+colorBold("%d\n")+
			colorFaint("    SerialNumber:    ")+colorBold("%s\n"),
		d.DeviceID,
		d.ConnectionType,
		d.EscapedFullServiceName,
		d.InterfaceIndex,
		d.SerialNumber,
	)
}

func (c *Conn) ListDevices() ([]*DeviceAttachment, error) {
	req := &listDevicesRequest{
		MessageType:         "ListDevices",
		ProgName:            ProgName,
		ClientVersionString: ClientVersionString,
	}
	var resp listDevicesResponse
	if err := c.Request(req, &resp); err != nil {
		return nil, err
	}

	devices := make([]*DeviceAttachment, 0, len(resp.DeviceList))
	for _, device := range resp.DeviceList {
		devices = append(devices, device.Properties)
	}

	return devices, nil
}

type readPairRecordRequest struct {
	BundleID            string
	ClientVersionString string
	ProgName            string
	MessageType         string
	PairRecordID        string `plist:"PairRecordID"`
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

type readPairRecordResponse struct {
	PairRecordData []byte
}

func (c *Conn) ReadPairRecord(udid string) (*PairRecord, error) {
	req := &readPairRecordRequest{
		BundleID:            BundleID,
		MessageType:         "ReadPairRecord",
		ClientVersionString: ClientVersionString,
		ProgName:            ProgName,
		PairRecordID:        udid,
		LibUSBMuxVersion:    3,
	}
	var resp readPairRecordResponse
	if err := c.Request(req, &resp); err != nil {
		return nil, err
	}

	return ParsePairRecord(resp.PairRecordData)
}

func (c *Conn) Request(req, resp any) error {
	if err := c.Send(req); err != nil {
		return err
	}

	return c.Recv(resp)
}

func (c *Conn) Send(msg any) error {
	data, err := Encode(msg, PacketTypePlist, PacketVersion, atomic.AddUint32(&c.tag, 1))
	if err != nil {
		return err
	}

	_, err = c.Write(data)
	return err
}

func (c *Conn) Recv(msg any) error {
	data, err := ReadFrame(c)
	if err != nil {
		return err
	}

	if _, err := plist.Unmarshal(data[HeaderSize:], msg); err != nil {
		return err
	}

	return nil
}
