package afc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blacktop/lomux/pkg/usb"
	"github.com/blacktop/lomux/pkg/usb/lockdownd"
)

const (
	ServiceName = "com.apple.afc"
	headerSize  = 40

	// maxWriteSize bounds the data carried by a single FileRefWrite packet.
	maxWriteSize = 1 << 16

	afcESuccess             = 0
	afcEUnknownError        = 1
	afcEOpHeaderInvalid     = 2
	afcENoResources         = 3
	afcEReadError           = 4
	afcEWriteError          = 5
	afcEUnknownPacketType   = 6
	afcEInvalidArg          = 7
	afcEObjectNotFound      = 8
	afcEObjectIsDir         = 9
	afcEPermDenied          = 10
	afcEServiceNotConnected = 11
	afcEOpTimeout           = 12
	afcETooMuchData         = 13
	afcEEndOfData           = 14
	afcEOpNotSupported      = 15
	afcEObjectExists        = 16
	afcEObjectBusy          = 17
	afcENoSpaceLeft         = 18
	afcEOpWouldBlock        = 19
	afcEIoError             = 20
	afcEOpInterrupted       = 21
	afcEOpInProgress        = 22
	afcEInternalError       = 23

	afcFOpenRdonly   = 0x00000001 /* O_RDONLY */
	afcFOpenRw       = 0x00000002 /* O_RDWR   | O_CREAT */
	afcFOpenWronly   = 0x00000003 /* O_WRONLY | O_CREAT  | O_TRUNC */
	afcFOpenWr       = 0x00000004 /* O_RDWR   | O_CREAT  | O_TRUNC */
	afcFOpenAppend   = 0x00000005 /* O_WRONLY | O_APPEND | O_CREAT */
	afcFOpenRdAppend = 0x00000006 /* O_RDWR   | O_APPEND | O_CREAT */

	afcMagic = "CFA6LPAA"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object exists")
	ErrPermDenied     = errors.New("permission denied")
	ErrBadFlags       = errors.New("unsupported file mode")
	ErrMalformed      = errors.New("malformed afc packet")

	errorsToErrors = map[uint64]error{
		afcEUnknownError:        errors.New("unknown error"),
		afcEOpHeaderInvalid:     errors.New("invalid operation header"),
		afcENoResources:         errors.New("no resources"),
		afcEReadError:           errors.New("read error"),
		afcEWriteError:          errors.New("write error"),
		afcEUnknownPacketType:   errors.New("unknown packet type"),
		afcEInvalidArg:          errors.New("invalid argument"),
		afcEObjectNotFound:      ErrObjectNotFound,
		afcEObjectIsDir:         errors.New("object is a directory"),
		afcEPermDenied:          ErrPermDenied,
		afcEServiceNotConnected: errors.New("service not connected"),
		afcEOpTimeout:           errors.New("operation timeout"),
		afcETooMuchData:         errors.New("too much data"),
		afcEEndOfData:           io.EOF,
		afcEOpNotSupported:      errors.New("operation not supported"),
		afcEObjectExists:        ErrObjectExists,
		afcEObjectBusy:          errors.New("object busy"),
		afcENoSpaceLeft:         errors.New("no space left"),
		afcEOpWouldBlock:        errors.New("operation would block"),
		afcEIoError:             errors.New("io error"),
		afcEOpInterrupted:       errors.New("operation interrupted"),
		afcEOpInProgress:        errors.New("operation in progress"),
		afcEInternalError:       errors.New("internal error"),
	}
)

func statusError(code uint64) error {
	if code == afcESuccess {
		return nil
	}
	if err, ok := errorsToErrors[code]; ok {
		return err
	}
	return fmt.Errorf("afc error %d", code)
}

// Client is a connection to the device's media file service.
type Client struct {
	mu        sync.Mutex
	c         *usb.Client
	packetNum uint64
}

type Header struct {
	Magic        [8]byte
	EntireLength uint64
	ThisLength   uint64
	PacketNum    uint64
	Operation    uint64
}

func openFlagsToAfcFlags(flags int) (uint64, error) {
	switch flags {
	case os.O_RDONLY:
		return afcFOpenRdonly, nil
	case os.O_RDWR | os.O_CREATE:
		return afcFOpenRw, nil
	case os.O_WRONLY | os.O_CREATE | os.O_TRUNC:
		return afcFOpenWronly, nil
	case os.O_RDWR | os.O_CREATE | os.O_TRUNC:
		return afcFOpenWr, nil
	case os.O_WRONLY | os.O_APPEND | os.O_CREATE:
		return afcFOpenAppend, nil
	case os.O_RDWR | os.O_APPEND | os.O_CREATE:
		return afcFOpenRdAppend, nil
	default:
		return 0, fmt.Errorf("%w: %#x", ErrBadFlags, flags)
	}
}

func encodeArgs(args ...any) []byte {
	ret := make([]byte, 0)
	for _, arg := range args {
		switch v := arg.(type) {
		case uint64:
			ret = binary.LittleEndian.AppendUint64(ret, v)
		case string:
			ret = append(ret, []byte(v)...)
			ret = append(ret, 0)
		default:
			panic(fmt.Errorf("invalid argument type %T", v))
		}
	}
	return ret
}

func decodeStringList(data []byte) []string {
	ret := strings.Split(string(data), "\x00")
	return ret[:len(ret)-1]
}

func listToDict(kv []string) (map[string]string, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of key/value items (%d)", ErrMalformed, len(kv))
	}
	ret := map[string]string{}
	for i := 0; i < len(kv); i += 2 {
		ret[kv[i]] = kv[i+1]
	}
	return ret, nil
}

// NewClient starts the AFC service through lockdown at addr.
func NewClient(addr string, record *usb.PairRecord, timeout time.Duration) (*Client, error) {
	c, err := lockdownd.NewClientForService(addr, record, ServiceName, false, timeout)
	if err != nil {
		return nil, err
	}
	return NewClientWithConn(c), nil
}

// NewClientWithConn speaks AFC over an already started service connection.
func NewClientWithConn(c *usb.Client) *Client {
	return &Client{c: c}
}

func (c *Client) request(operation int, payload []byte, args ...any) (*response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendRequest(operation, payload, args...); err != nil {
		return nil, err
	}
	return c.recvResponse()
}

func (c *Client) requestNoReply(operation int, payload []byte, args ...any) error {
	_, err := c.request(operation, payload, args...)
	return err
}

func (c *Client) requestStringList(operation int, payload []byte, args ...any) ([]string, error) {
	resp, err := c.request(operation, payload, args...)
	if err != nil {
		return nil, err
	}
	// some operations return their list in the header data
	if len(resp.payload) == 0 {
		return decodeStringList(resp.data), nil
	}
	return decodeStringList(resp.payload), nil
}

func (c *Client) sendHeader(operation int, args []byte, payload []byte) error {
	hdr := &Header{
		EntireLength: headerSize + uint64(len(args)) + uint64(len(payload)),
		ThisLength:   headerSize + uint64(len(args)),
		PacketNum:    atomic.AddUint64(&c.packetNum, 1),
		Operation:    uint64(operation),
	}
	copy(hdr.Magic[:8], []byte(afcMagic))
	return binary.Write(c.c.Conn(), binary.LittleEndian, hdr)
}

func (c *Client) recvHeader() (*Header, error) {
	hdr := &Header{}
	if err := binary.Read(c.c.Conn(), binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	if string(hdr.Magic[:]) != afcMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformed, hdr.Magic[:])
	}
	if hdr.ThisLength < headerSize || hdr.EntireLength < hdr.ThisLength || hdr.EntireLength > usb.MaxPacketSize {
		return nil, fmt.Errorf("%w: bad lengths %d/%d", ErrMalformed, hdr.ThisLength, hdr.EntireLength)
	}
	return hdr, nil
}

type response struct {
	operation   uint64
	payloadSize uint64
	data        []byte
	payload     []byte
}

func (c *Client) recvResponse() (*response, error) {
	hdr, err := c.recvHeader()
	if err != nil {
		return nil, err
	}
	resp := &response{
		operation:   hdr.Operation,
		payloadSize: hdr.EntireLength - hdr.ThisLength,
	}
	if toRead := hdr.ThisLength - headerSize; toRead > 0 {
		resp.data = make([]byte, toRead)
		if _, err := io.ReadFull(c.c.Conn(), resp.data); err != nil {
			return nil, err
		}
	}
	if resp.payloadSize > 0 {
		resp.payload = make([]byte, resp.payloadSize)
		if _, err := io.ReadFull(c.c.Conn(), resp.payload); err != nil {
			return nil, err
		}
	}
	if hdr.Operation == afcOpStatus {
		if len(resp.data) < 8 {
			return nil, fmt.Errorf("%w: short status", ErrMalformed)
		}
		if err := statusError(binary.LittleEndian.Uint64(resp.data)); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *Client) sendRequest(operation int, payload []byte, args ...any) error {
	argsData := encodeArgs(args...)
	if err := c.sendHeader(operation, argsData, payload); err != nil {
		return err
	}
	if _, err := c.c.Conn().Write(argsData); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := c.c.Conn().Write(payload)
		return err
	}
	return nil
}

func (c *Client) Close() error {
	return c.c.Close()
}
