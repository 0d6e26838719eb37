package muxd

import "net"

// NetworkAddressSize is the size of the sockaddr blob usbmuxd reports for
// network attached devices.
const NetworkAddressSize = 152

// EncodeNetworkAddress lays ip out the way usbmuxd reports NetworkAddress:
// a BSD sockaddr_in or sockaddr_in6 padded with zeros to 152 bytes.
func EncodeNetworkAddress(ip net.IP) []byte {
	data := make([]byte, NetworkAddressSize)
	if v4 := ip.To4(); v4 != nil {
		copy(data, []byte{10, 0x02, 0x00, 0x00})
		copy(data[4:], v4)
		return data
	}
	copy(data, []byte{28, 0x1e, 0x00, 0x00, 0x00, 0x00, 0x00})
	copy(data[16:], ip.To16())
	return data
}
