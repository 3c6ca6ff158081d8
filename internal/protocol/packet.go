// Package protocol defines the relay wire format: a fixed 10-byte header
// followed by a type-specific fixed-layout payload. All multi-byte fields are
// little-endian, matching the byte order of the relay server this client
// interoperates with. Byte offsets are a compatibility contract and must not
// change.
package protocol

import "errors"

// Magic is the protocol family signature, the bytes "RLDN" as they appear on
// the wire.
const Magic uint32 = 0x4E444C52

// Version is the protocol revision checked during the handshake. A peer
// announcing a different version is rejected without retry.
const Version uint8 = 3

// HeaderSize is the fixed header length:
// Magic(4) + Type(1) + Version(1) + DataSize(4).
const HeaderSize = 10

// MaxDataSize caps the payload length a header may announce. Anything larger
// is treated as a malformed or hostile packet rather than an allocation
// request.
const MaxDataSize = 4 * 1024

// Packet type constants.
const (
	TypeInitialize uint8 = 0x01 // identity handshake: session id + link address
	TypePassphrase uint8 = 0x02 // optional room passphrase, sent before Initialize
	TypePing       uint8 = 0x03 // keepalive: requester flag + sequence id
	TypeDisconnect uint8 = 0x04 // orderly teardown notice

	TypeProxyConfig       uint8 = 0x10 // assigned virtual address + subnet mask
	TypeProxyConnect      uint8 = 0x11 // virtual connection open
	TypeProxyConnectReply uint8 = 0x12 // virtual connection open acknowledgement
	TypeProxyData         uint8 = 0x13 // proxied user payload
	TypeProxyDisconnect   uint8 = 0x14 // virtual connection close

	TypeExternalToken uint8 = 0x20 // relay → host: expect a joiner with this token
	TypeExternalAuth  uint8 = 0x21 // joiner → host: prove possession of a token

	TypeError uint8 = 0xFF // numeric error code
)

// Codec error values. These are the only decode/encode failures callers see;
// socket-level errors never surface through this package.
var (
	ErrBufferTooSmall = errors.New("protocol: destination buffer too small")
	ErrProtocol       = errors.New("protocol: bad magic or version")
	ErrInvalidPacket  = errors.New("protocol: malformed packet")
)

// Header is the decoded fixed header.
type Header struct {
	Magic    uint32
	Type     uint8
	Version  uint8
	DataSize uint32
}

// Packet is a decoded header plus its raw payload bytes. The payload layout
// depends on Type; see the message types in payload.go.
type Packet struct {
	Header  Header
	Payload []byte
}
