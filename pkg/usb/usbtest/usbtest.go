// Package usbtest provides loopback stand-ins for device services.
package usbtest

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/blacktop/go-plist"
	"github.com/blacktop/lomux/pkg/usb"
)

const (
	UDID       = "00008101-000A1B2C3D4E001E"
	HostID     = "5A5F4B1E-0C3D-4A5B-9E3F-1D2C3B4A5968"
	SystemBUID = "7E1C2B3A-4D5E-6F70-8192-A3B4C5D6E7F8"
)

// PairingFile returns the bytes of a minimal pairing file for UDID.
func PairingFile(t testing.TB) []byte {
	t.Helper()
	data, err := plist.Marshal(map[string]any{
		"UDID":            UDID,
		"HostID":          HostID,
		"SystemBUID":      SystemBUID,
		"HostCertificate": []byte("host certificate"),
		"EscrowBag":       []byte("escrow bag"),
	}, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// PairRecord parses PairingFile.
func PairRecord(t testing.TB) *usb.PairRecord {
	t.Helper()
	record, err := usb.ParsePairRecord(PairingFile(t))
	if err != nil {
		t.Fatal(err)
	}
	return record
}

// ConnFunc drives one accepted service connection.
type ConnFunc func(c *usb.Client)

// HandlerFunc answers one request. A nil response sends nothing.
type HandlerFunc func(req map[string]any) any

// Answer turns h into a ConnFunc that answers requests until the peer hangs up.
func Answer(h HandlerFunc) ConnFunc {
	return func(c *usb.Client) {
		for {
			var req map[string]any
			if err := c.Recv(&req); err != nil {
				return
			}
			resp := h(req)
			if resp == nil {
				continue
			}
			if err := c.Send(resp); err != nil {
				return
			}
		}
	}
}

// Server is a loopback TCP service.
type Server struct {
	l        net.Listener
	fn       ConnFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    []net.Conn
	closed   bool
	accepted atomic.Int64
}

// NewServer starts a service on 127.0.0.1 that hands every connection to fn.
// It is closed when the test ends.
func NewServer(t testing.TB, fn ConnFunc) *Server {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{l: l, fn: fn}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.fn(usb.NewClient(conn, nil))
		}()
	}
}

// Addr is the host:port the service listens on.
func (s *Server) Addr() string {
	return s.l.Addr().String()
}

// Port is the port the service listens on.
func (s *Server) Port() int {
	return s.l.Addr().(*net.TCPAddr).Port
}

// Accepted reports how many connections the service has accepted.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Close stops the service and hangs up on its clients.
func (s *Server) Close() {
	s.l.Close()
	s.mu.Lock()
	s.closed = true
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Lockdown answers the lockdown requests a host makes before using a service.
// services maps a service name to the port it is served on.
func Lockdown(services map[string]int) ConnFunc {
	return Answer(func(req map[string]any) any {
		request, _ := req["Request"].(string)
		switch request {
		case "QueryType":
			return map[string]any{"Request": request, "Type": "com.apple.mobile.lockdown"}
		case "StartSession":
			if req["HostID"] != HostID || req["SystemBUID"] != SystemBUID {
				return map[string]any{"Request": request, "Error": "InvalidHostID"}
			}
			return map[string]any{"Request": request, "SessionID": "1F2E3D4C", "EnableSessionSSL": false}
		case "StartService":
			name, _ := req["Service"].(string)
			port, ok := services[name]
			if !ok {
				return map[string]any{"Request": request, "Error": "InvalidService"}
			}
			return map[string]any{"Request": request, "Service": name, "Port": port, "EnableServiceSSL": false}
		case "GetValue":
			if req["Key"] == "UniqueDeviceID" {
				return map[string]any{"Request": request, "Key": "UniqueDeviceID", "Value": UDID}
			}
			return map[string]any{"Request": request, "Error": "MissingValue"}
		}
		return map[string]any{"Request": request, "Error": "InvalidRequest"}
	})
}
