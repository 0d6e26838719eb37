package usb

import (
	"net"
	"os"
	"strings"
)

const (
	// SocketAddressEnv overrides where clients find the daemon. It takes either
	// a "host:port" TCP address or "UNIX:/path/to/socket".
	SocketAddressEnv = "USBMUXD_SOCKET_ADDRESS"

	defaultSocketPath = "/var/run/usbmuxd"
)

func usbmuxdDial() (net.Conn, error) {
	return net.Dial(socketAddress())
}

func socketAddress() (network, address string) {
	addr := strings.TrimSpace(os.Getenv(SocketAddressEnv))
	switch {
	case addr == "":
		return "unix", defaultSocketPath
	case strings.HasPrefix(addr, "UNIX:"):
		return "unix", strings.TrimPrefix(addr, "UNIX:")
	default:
		return "tcp", addr
	}
}
