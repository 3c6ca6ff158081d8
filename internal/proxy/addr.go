// Package proxy implements the direct peer-to-peer path: a session host that
// authenticates joiners against relay-issued tokens and routes messages
// inside a virtual subnet, and the join client that connects to such a host.
// Both speak the same wire framing as the relay link.
package proxy

import (
	"encoding/binary"
	"net"

	"github.com/nxlan/lanlink/internal/protocol"
)

// LegacyBroadcast is the fixed broadcast literal older peers put in the
// destination field. It is rewritten to the configured subnet broadcast
// before routing.
const LegacyBroadcast uint32 = 0xFFFFFFFF

// DefaultSubnetMask is the /16 mask applied when the first session is
// authenticated (10.114.0.2 → subnet 10.114.0.0/16).
const DefaultSubnetMask uint32 = 0xFFFF0000

// IPToUint32 converts an IPv4 address to its conventional integer reading
// (10.114.0.2 == 0x0A720002). Returns 0 for non-IPv4 addresses.
func IPToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// Uint32ToIP is the inverse of IPToUint32.
func Uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// Subnet is the virtual subnet every session address belongs to. It is
// configured once, from the first successfully authenticated session.
type Subnet struct {
	Base uint32 // assigned base address
	Mask uint32
}

// Broadcast returns the subnet broadcast address, base | ^mask.
func (s Subnet) Broadcast() uint32 {
	return s.Base | ^s.Mask
}

// tokenPhysicalIP extracts the joiner's expected physical address from a
// token message. Returns nil for the all-zero wildcard ("accept from any
// address", used when the joiner is behind a private network).
func tokenPhysicalIP(t *protocol.ExternalTokenMessage) net.IP {
	var zero [16]byte
	if t.PhysicalIP == zero {
		return nil
	}
	if t.AddressFamily == protocol.AddressFamilyIPv6 {
		return net.IP(t.PhysicalIP[:])
	}
	return net.IPv4(t.PhysicalIP[0], t.PhysicalIP[1], t.PhysicalIP[2], t.PhysicalIP[3])
}
