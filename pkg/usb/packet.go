package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/blacktop/go-plist"
)

const (
	// PacketVersion is the usbmuxd protocol version used for plist packets.
	PacketVersion uint32 = 1
	// PacketTypePlist is the usbmuxd message type of a plist packet.
	PacketTypePlist uint32 = 8

	// MaxReadSize is the size of a single read from a muxer connection.
	MaxReadSize = 4095
	// MaxPacketSize bounds the declared length of an incoming packet.
	MaxPacketSize = 1 << 20
)

var (
	// ErrDecode is returned when a packet cannot be decoded.
	ErrDecode = errors.New("failed to decode usbmuxd packet")
	// ErrEncode is returned when a packet payload cannot be serialized.
	ErrEncode = errors.New("failed to encode usbmuxd packet")
)

// Header is the fixed usbmuxd packet header. Length counts the whole packet,
// header included.
type Header struct {
	Length      uint32
	Version     uint32
	MessageType uint32
	Tag         uint32
}

var HeaderSize = uint32(binary.Size(Header{}))

// Packet is one decoded usbmuxd packet.
type Packet struct {
	Version     uint32
	MessageType uint32
	Tag         uint32
	Payload     any
}

// Encode serializes payload as an XML plist and prefixes it with a usbmuxd header.
func Encode(payload any, messageType, version, tag uint32) ([]byte, error) {
	data, err := plist.Marshal(payload, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, int(HeaderSize)+len(data)))
	if err := binary.Write(buf, binary.LittleEndian, &Header{
		Length:      HeaderSize + uint32(len(data)),
		Version:     version,
		MessageType: messageType,
		Tag:         tag,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	buf.Write(data)

	return buf.Bytes(), nil
}

// Decode parses a complete packet. The length field is informational; the
// payload is everything after the header.
func Decode(data []byte) (*Packet, error) {
	if len(data) < int(HeaderSize) {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrDecode, HeaderSize, len(data))
	}

	var hdr Header
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if len(data) == int(HeaderSize) {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	pkt := &Packet{
		Version:     hdr.Version,
		MessageType: hdr.MessageType,
		Tag:         hdr.Tag,
	}
	if _, err := plist.Unmarshal(data[HeaderSize:], &pkt.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return pkt, nil
}

// ReadFrame reads one length-prefixed frame from r, however the bytes are
// fragmented, and returns the whole frame including its header.
//
// The length field counts the whole 16-byte header. A peer that counts only
// the 12 header bytes after the length field desyncs the framing: its frames
// end 4 bytes early and every later header is read from the wrong offset.
func ReadFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(head[:4])
	if length < HeaderSize || length > MaxPacketSize {
		return nil, fmt.Errorf("%w: invalid packet length %d", ErrDecode, length)
	}

	data := make([]byte, length)
	copy(data, head)
	if _, err := io.ReadFull(r, data[HeaderSize:]); err != nil {
		return nil, err
	}

	return data, nil
}

// ReadPacket reads and decodes exactly one packet from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
