package protocol

import "encoding/binary"

// Payload sizes on the wire, in bytes. Each message type has a fixed layout;
// only TypeProxyData carries a trailing variable-length user payload.
const (
	InitializeSize    = 22 // ID(16) + Addr(6)
	PassphraseSize    = 64
	PingSize          = 2  // Requester(1) + ID(1)
	DisconnectSize    = 4  // Reason(4)
	ErrorSize         = 4  // Code(4)
	ProxyInfoSize     = 13 // SourceIP(4) + DestIP(4) + SourcePort(2) + DestPort(2) + Protocol(1)
	ProxyDataHdrSize  = 17 // ProxyInfo(13) + DataLen(4)
	ProxyConfigSize   = 8  // ProxyIP(4) + SubnetMask(4)
	ExternalAuthSize  = 20 // VirtualIP(4) + Token(16)
	ExternalTokenSize = 38 // VirtualIP(4) + Token(16) + PhysicalIP(16) + AddressFamily(2)
)

// TokenLen is the length of the shared authentication secret.
const TokenLen = 16

// Address-family tags carried by ExternalTokenMessage.
const (
	AddressFamilyIPv4 uint16 = 2
	AddressFamilyIPv6 uint16 = 10
)

// Error codes carried by TypeError messages.
const (
	ErrorCodeUnknown        uint32 = 0
	ErrorCodeVersionTooLow  uint32 = 1 // fatal: client must not retry
	ErrorCodeVersionTooHigh uint32 = 2 // fatal: client must not retry
	ErrorCodeServerFull     uint32 = 3
	ErrorCodeBadPassphrase  uint32 = 4
)

// IsFatalError reports whether an error code terminates the session without
// automatic reconnection.
func IsFatalError(code uint32) bool {
	return code == ErrorCodeVersionTooLow || code == ErrorCodeVersionTooHigh
}

// InitializeMessage is the identity handshake. A client sends all-zero fields
// on first contact; the relay echoes the message back with the assigned
// session id and link-layer address filled in.
type InitializeMessage struct {
	ID   [16]byte
	Addr [6]byte
}

func (m *InitializeMessage) encode(b []byte) {
	copy(b[0:16], m.ID[:])
	copy(b[16:22], m.Addr[:])
}

// DecodeInitialize parses an InitializeMessage payload.
func DecodeInitialize(b []byte) (*InitializeMessage, error) {
	if len(b) < InitializeSize {
		return nil, ErrInvalidPacket
	}
	m := &InitializeMessage{}
	copy(m.ID[:], b[0:16])
	copy(m.Addr[:], b[16:22])
	return m, nil
}

// PassphraseMessage carries the optional room passphrase, zero-padded.
type PassphraseMessage struct {
	Passphrase [PassphraseSize]byte
}

// NewPassphraseMessage truncates or zero-pads s into a PassphraseMessage.
func NewPassphraseMessage(s string) *PassphraseMessage {
	m := &PassphraseMessage{}
	copy(m.Passphrase[:], s)
	return m
}

func (m *PassphraseMessage) encode(b []byte) {
	copy(b[:PassphraseSize], m.Passphrase[:])
}

// PingMessage is the keepalive. Requester is 1 on the initiating side and 0
// on the echo, so each end can tell its own probes from the peer's.
type PingMessage struct {
	Requester uint8
	ID        uint8
}

func (m *PingMessage) encode(b []byte) {
	b[0] = m.Requester
	b[1] = m.ID
}

// DecodePing parses a PingMessage payload.
func DecodePing(b []byte) (*PingMessage, error) {
	if len(b) < PingSize {
		return nil, ErrInvalidPacket
	}
	return &PingMessage{Requester: b[0], ID: b[1]}, nil
}

// DisconnectMessage announces an orderly teardown.
type DisconnectMessage struct {
	Reason uint32
}

func (m *DisconnectMessage) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.Reason)
}

// DecodeDisconnect parses a DisconnectMessage payload.
func DecodeDisconnect(b []byte) (*DisconnectMessage, error) {
	if len(b) < DisconnectSize {
		return nil, ErrInvalidPacket
	}
	return &DisconnectMessage{Reason: binary.LittleEndian.Uint32(b[0:4])}, nil
}

// ErrorMessage carries a numeric error code from the relay.
type ErrorMessage struct {
	Code uint32
}

func (m *ErrorMessage) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.Code)
}

// DecodeError parses an ErrorMessage payload.
func DecodeError(b []byte) (*ErrorMessage, error) {
	if len(b) < ErrorSize {
		return nil, ErrInvalidPacket
	}
	return &ErrorMessage{Code: binary.LittleEndian.Uint32(b[0:4])}, nil
}

// ProxyInfo is the addressing tuple shared by every proxied message. IPv4
// addresses are stored as uint32 in the conventional big-endian reading
// (10.114.0.2 == 0x0A720002) and serialized little-endian like every other
// wire field.
type ProxyInfo struct {
	SourceIP   uint32
	DestIP     uint32
	SourcePort uint16
	DestPort   uint16
	Protocol   uint8
}

func (m *ProxyInfo) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.SourceIP)
	binary.LittleEndian.PutUint32(b[4:8], m.DestIP)
	binary.LittleEndian.PutUint16(b[8:10], m.SourcePort)
	binary.LittleEndian.PutUint16(b[10:12], m.DestPort)
	b[12] = m.Protocol
}

func decodeProxyInfo(b []byte) ProxyInfo {
	return ProxyInfo{
		SourceIP:   binary.LittleEndian.Uint32(b[0:4]),
		DestIP:     binary.LittleEndian.Uint32(b[4:8]),
		SourcePort: binary.LittleEndian.Uint16(b[8:10]),
		DestPort:   binary.LittleEndian.Uint16(b[10:12]),
		Protocol:   b[12],
	}
}

// DecodeProxyInfo parses a bare ProxyInfo payload (connect, connect-reply,
// and disconnect messages are exactly one ProxyInfo).
func DecodeProxyInfo(b []byte) (*ProxyInfo, error) {
	if len(b) < ProxyInfoSize {
		return nil, ErrInvalidPacket
	}
	m := decodeProxyInfo(b)
	return &m, nil
}

// ProxyDataHeader prefixes a proxied user payload. DataLen is the number of
// payload bytes that follow the header inside the packet body.
type ProxyDataHeader struct {
	Info    ProxyInfo
	DataLen uint32
}

func (m *ProxyDataHeader) encode(b []byte) {
	m.Info.encode(b)
	binary.LittleEndian.PutUint32(b[ProxyInfoSize:ProxyDataHdrSize], m.DataLen)
}

// DecodeProxyData splits a TypeProxyData payload into its header and the raw
// user bytes. The returned slice aliases b.
func DecodeProxyData(b []byte) (*ProxyDataHeader, []byte, error) {
	if len(b) < ProxyDataHdrSize {
		return nil, nil, ErrInvalidPacket
	}
	h := &ProxyDataHeader{
		Info:    decodeProxyInfo(b),
		DataLen: binary.LittleEndian.Uint32(b[ProxyInfoSize:ProxyDataHdrSize]),
	}
	if int(h.DataLen) != len(b)-ProxyDataHdrSize {
		return nil, nil, ErrInvalidPacket
	}
	return h, b[ProxyDataHdrSize:], nil
}

// ProxyConfigMessage assigns a joiner its virtual address and subnet mask.
type ProxyConfigMessage struct {
	ProxyIP    uint32
	SubnetMask uint32
}

func (m *ProxyConfigMessage) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.ProxyIP)
	binary.LittleEndian.PutUint32(b[4:8], m.SubnetMask)
}

// DecodeProxyConfig parses a ProxyConfigMessage payload.
func DecodeProxyConfig(b []byte) (*ProxyConfigMessage, error) {
	if len(b) < ProxyConfigSize {
		return nil, ErrInvalidPacket
	}
	return &ProxyConfigMessage{
		ProxyIP:    binary.LittleEndian.Uint32(b[0:4]),
		SubnetMask: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// ExternalAuthMessage is the joiner's proof of possession: the virtual
// address it was told to claim plus the 16-byte token issued by the relay.
type ExternalAuthMessage struct {
	VirtualIP uint32
	Token     [TokenLen]byte
}

func (m *ExternalAuthMessage) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.VirtualIP)
	copy(b[4:20], m.Token[:])
}

// DecodeExternalAuth parses an ExternalAuthMessage payload.
func DecodeExternalAuth(b []byte) (*ExternalAuthMessage, error) {
	if len(b) < ExternalAuthSize {
		return nil, ErrInvalidPacket
	}
	m := &ExternalAuthMessage{VirtualIP: binary.LittleEndian.Uint32(b[0:4])}
	copy(m.Token[:], b[4:20])
	return m, nil
}

// ExternalTokenMessage is sent by the relay to a session host ahead of a
// joiner's direct connection. PhysicalIP holds an IPv4 or IPv6 address in the
// first 4 or 16 bytes according to AddressFamily; all-zero means "accept this
// token from any address".
type ExternalTokenMessage struct {
	VirtualIP     uint32
	Token         [TokenLen]byte
	PhysicalIP    [16]byte
	AddressFamily uint16
}

func (m *ExternalTokenMessage) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.VirtualIP)
	copy(b[4:20], m.Token[:])
	copy(b[20:36], m.PhysicalIP[:])
	binary.LittleEndian.PutUint16(b[36:38], m.AddressFamily)
}

// DecodeExternalToken parses an ExternalTokenMessage payload.
func DecodeExternalToken(b []byte) (*ExternalTokenMessage, error) {
	if len(b) < ExternalTokenSize {
		return nil, ErrInvalidPacket
	}
	m := &ExternalTokenMessage{
		VirtualIP:     binary.LittleEndian.Uint32(b[0:4]),
		AddressFamily: binary.LittleEndian.Uint16(b[36:38]),
	}
	copy(m.Token[:], b[4:20])
	copy(m.PhysicalIP[:], b[20:36])
	return m, nil
}

// Message is implemented by every fixed-layout payload type.
type Message interface {
	wireSize() int
	encode(b []byte)
}

func (m *InitializeMessage) wireSize() int    { return InitializeSize }
func (m *PassphraseMessage) wireSize() int    { return PassphraseSize }
func (m *PingMessage) wireSize() int          { return PingSize }
func (m *DisconnectMessage) wireSize() int    { return DisconnectSize }
func (m *ErrorMessage) wireSize() int         { return ErrorSize }
func (m *ProxyInfo) wireSize() int            { return ProxyInfoSize }
func (m *ProxyDataHeader) wireSize() int      { return ProxyDataHdrSize }
func (m *ProxyConfigMessage) wireSize() int   { return ProxyConfigSize }
func (m *ExternalAuthMessage) wireSize() int  { return ExternalAuthSize }
func (m *ExternalTokenMessage) wireSize() int { return ExternalTokenSize }
