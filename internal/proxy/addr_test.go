package proxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nxlan/lanlink/internal/protocol"
)

func TestIPConversion(t *testing.T) {
	assert.Equal(t, uint32(0x0A720002), IPToUint32(net.ParseIP("10.114.0.2")))
	assert.True(t, net.ParseIP("10.114.0.2").Equal(Uint32ToIP(0x0A720002)))
	assert.Equal(t, uint32(0), IPToUint32(net.ParseIP("fe80::1")), "non-IPv4 reads as zero")
}

func TestSubnetBroadcast(t *testing.T) {
	s := Subnet{Base: 0x0A720000, Mask: 0xFFFF0000}
	assert.Equal(t, uint32(0x0A72FFFF), s.Broadcast())

	s = Subnet{Base: 0xC0A80100, Mask: 0xFFFFFF00}
	assert.Equal(t, uint32(0xC0A801FF), s.Broadcast())
}

func TestTokenPhysicalIP(t *testing.T) {
	tok := &protocol.ExternalTokenMessage{AddressFamily: protocol.AddressFamilyIPv4}
	assert.Nil(t, tokenPhysicalIP(tok), "all-zero address is the any-source wildcard")

	tok.PhysicalIP[0] = 192
	tok.PhysicalIP[1] = 168
	tok.PhysicalIP[2] = 1
	tok.PhysicalIP[3] = 7
	assert.True(t, tokenPhysicalIP(tok).Equal(net.ParseIP("192.168.1.7")))

	tok6 := &protocol.ExternalTokenMessage{AddressFamily: protocol.AddressFamilyIPv6}
	copy(tok6.PhysicalIP[:], net.ParseIP("2001:db8::1").To16())
	assert.True(t, tokenPhysicalIP(tok6).Equal(net.ParseIP("2001:db8::1")))
}
