package usb

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/blacktop/go-plist"
)

// Client speaks the length-prefixed plist framing used by lockdown and the
// services it starts. The connection is upgraded to TLS with the host
// certificate from the pair record when the device asks for it.
type Client struct {
	tlsConn    *tls.Conn
	conn       net.Conn
	pairRecord *PairRecord
}

// NewClient wraps an established connection to a device service.
func NewClient(conn net.Conn, pairRecord *PairRecord) *Client {
	return &Client{
		conn:       conn,
		pairRecord: pairRecord,
	}
}

// DialClient connects to a device service over TCP.
func DialClient(addr string, pairRecord *PairRecord, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewClient(conn, pairRecord), nil
}

func (c *Client) EnableSSL() error {
	if c.pairRecord == nil {
		return fmt.Errorf("%w: no pair record to enable SSL with", ErrPairingDataInvalid)
	}
	cert, err := tls.X509KeyPair(c.pairRecord.HostCertificate, c.pairRecord.HostPrivateKey)
	if err != nil {
		return err
	}

	c.tlsConn = tls.Client(c.conn, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
	})
	if err := c.tlsConn.Handshake(); err != nil {
		return err
	}

	return nil
}

func (c *Client) Request(req, resp any) error {
	if err := c.Send(req); err != nil {
		return err
	}

	return c.Recv(resp)
}

func (c *Client) Send(req any) error {
	data, err := plist.Marshal(req, plist.XMLFormat)
	if err != nil {
		return err
	}

	if err := binary.Write(c.Conn(), binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}

	return binary.Write(c.Conn(), binary.BigEndian, data)
}

func (c *Client) Recv(resp any) error {
	data, err := c.RecvBytes()
	if err != nil {
		return err
	}

	if _, err := plist.Unmarshal(data, resp); err != nil {
		return err
	}

	return nil
}

func (c *Client) RecvBytes() ([]byte, error) {
	size := uint32(0)
	if err := binary.Read(c.Conn(), binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if size > MaxPacketSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.Conn(), data); err != nil {
		return nil, err
	}

	return data, nil
}

func (c *Client) Conn() net.Conn {
	if c.tlsConn != nil {
		return c.tlsConn
	}

	return c.conn
}

func (c *Client) PairRecord() *PairRecord {
	return c.pairRecord
}

func (c *Client) Close() error {
	return c.Conn().Close()
}
