package util

import (
	"crypto/rand"
	"net"
)

// RandomLinkAddr generates a 48-bit link-layer address with the
// locally-administered bit set and the multicast bit clear. Collisions are
// immaterial: the relay assigns the authoritative address during the
// handshake, this value only fills the first-contact identity message.
func RandomLinkAddr() [6]byte {
	var a [6]byte
	rand.Read(a[:])
	a[0] = (a[0] | 0x02) &^ 0x01
	return a
}

// FormatLinkAddr renders a 6-byte link address as colon-separated hex.
func FormatLinkAddr(a [6]byte) string {
	return net.HardwareAddr(a[:]).String()
}
