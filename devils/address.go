package devils

import (
	"fmt"
	"net"
)

// broadcastHost is the sentinel IPv4 host value (255.255.255.255) that
// Address.IsBroadcast reports. The connect-accept path in handleConnect
// does not treat it specially.
const broadcastHost uint32 = 0xFFFFFFFF

// Address is a 32-bit network-order IPv4 host plus a 16-bit host-order
// port, exactly as wire-level peer addresses are compared and logged
// throughout the engine. It intentionally does not support IPv6 — neither
// does the wire format this engine speaks.
type Address struct {
	Host uint32 // network byte order (big-endian), as in net.IP packed form
	Port uint16
}

// NewAddress resolves host (an IPv4 literal or a name; it must not carry a
// ":port" suffix) together with port into an Address. An empty host
// resolves to INADDR_ANY.
func NewAddress(host string, port uint16) (Address, error) {
	if host == "" {
		return Address{Host: 0, Port: port}, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return Address{}, fmt.Errorf("%w: cannot resolve host %q", ErrInvalidAddress, host)
		}
		ip = ips[0]
	}
	v4 := ip.To4()
	if v4 == nil {
		return Address{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidAddress, host)
	}
	return Address{
		Host: uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]),
		Port: port,
	}, nil
}

// AddressFromUDP converts a resolved *net.UDPAddr (as returned by the
// socket adapter) into the engine's compact Address form.
func AddressFromUDP(u *net.UDPAddr) Address {
	v4 := u.IP.To4()
	if v4 == nil {
		return Address{Port: uint16(u.Port)}
	}
	return Address{
		Host: uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]),
		Port: uint16(u.Port),
	}
}

// UDPAddr converts back to the form net.UDPConn's Send/Receive expect.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{
		IP: net.IPv4(
			byte(a.Host>>24), byte(a.Host>>16), byte(a.Host>>8), byte(a.Host),
		),
		Port: int(a.Port),
	}
}

// IsBroadcast reports whether this address carries the sentinel broadcast
// host value.
func (a Address) IsBroadcast() bool { return a.Host == broadcastHost }

// Equal compares host and port; two zero-value Addresses are equal, which
// is used to detect "no address yet" on a peer still being constructed.
func (a Address) Equal(b Address) bool { return a.Host == b.Host && a.Port == b.Port }

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d",
		byte(a.Host>>24), byte(a.Host>>16), byte(a.Host>>8), byte(a.Host), a.Port)
}
