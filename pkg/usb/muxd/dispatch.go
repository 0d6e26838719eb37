package muxd

import (
	"errors"
	"fmt"
	"net"

	"github.com/apex/log"
	"github.com/blacktop/lomux/pkg/usb"
)

// MessageType is the value of a request's MessageType key.
type MessageType string

const (
	MessageTypeListDevices    MessageType = "ListDevices"
	MessageTypeReadPairRecord MessageType = "ReadPairRecord"
)

// ErrUnsupportedMessageType is returned for requests the muxer does not emulate.
var ErrUnsupportedMessageType = errors.New("unsupported message type")

// Device is the network device advertised to muxer clients.
type Device struct {
	ID             uint64
	Address        net.IP
	ServiceName    string
	InterfaceIndex uint64
}

// DefaultDevice returns the placeholder device reached at addr.
func DefaultDevice(addr net.IP) Device {
	return Device{
		ID:             1,
		Address:        addr,
		ServiceName:    "lomux._apple-mobdev2._tcp.local.",
		InterfaceIndex: 1,
	}
}

type deviceProperties struct {
	ConnectionType         string
	DeviceID               uint64
	EscapedFullServiceName string
	InterfaceIndex         uint64
	NetworkAddress         []byte
	SerialNumber           string
}

type attachedDevice struct {
	DeviceID    uint64
	MessageType string
	Properties  deviceProperties
}

type listDevicesResponse struct {
	DeviceList []attachedDevice
}

type readPairRecordResponse struct {
	PairRecordData []byte
}

// Dispatcher answers muxer requests from a single, read-only pair record.
type Dispatcher struct {
	record *usb.PairRecord
	device Device
}

func NewDispatcher(record *usb.PairRecord, device Device) *Dispatcher {
	return &Dispatcher{
		record: record,
		device: device,
	}
}

// Dispatch returns the response payload for req.
func (d *Dispatcher) Dispatch(req *usb.Packet) (any, error) {
	msgType, err := messageType(req)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case MessageTypeListDevices:
		return d.listDevices(), nil
	case MessageTypeReadPairRecord:
		if id, ok := req.Payload.(map[string]any)["PairRecordID"].(string); ok && id != d.record.UDID {
			log.WithFields(log.Fields{
				"requested": id,
				"udid":      d.record.UDID,
			}).Debug("serving the only pair record for a different UDID")
		}
		return &readPairRecordResponse{
			PairRecordData: d.record.Bytes(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMessageType, msgType)
	}
}

func (d *Dispatcher) listDevices() *listDevicesResponse {
	return &listDevicesResponse{
		DeviceList: []attachedDevice{
			{
				DeviceID:    d.device.ID,
				MessageType: "Attached",
				Properties: deviceProperties{
					ConnectionType:         "Network",
					DeviceID:               d.device.ID,
					EscapedFullServiceName: d.device.ServiceName,
					InterfaceIndex:         d.device.InterfaceIndex,
					NetworkAddress:         EncodeNetworkAddress(d.device.Address),
					SerialNumber:           d.record.UDID,
				},
			},
		},
	}
}

func messageType(req *usb.Packet) (MessageType, error) {
	dict, ok := req.Payload.(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: payload is %T, not a dictionary", ErrUnsupportedMessageType, req.Payload)
	}
	v, ok := dict["MessageType"].(string)
	if !ok {
		return "", fmt.Errorf("%w: missing MessageType", ErrUnsupportedMessageType)
	}
	return MessageType(v), nil
}
