package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHeaderLayout pins the exact byte offsets of the header. This is a
// compatibility contract with the relay server; if this test breaks, the
// wire format broke.
func TestHeaderLayout(t *testing.T) {
	var buf [HeaderSize]byte
	EncodeHeader(buf[:], TypePing, 0x0102)

	assert.Equal(t, []byte{0x52, 0x4C, 0x44, 0x4E}, buf[0:4], "magic must read RLDN on the wire")
	assert.Equal(t, TypePing, buf[4])
	assert.Equal(t, Version, buf[5])
	assert.Equal(t, []byte{0x02, 0x01, 0x00, 0x00}, buf[6:10], "data size must be little-endian")
}

func TestHeaderRoundTrip(t *testing.T) {
	types := []uint8{
		TypeInitialize, TypePassphrase, TypePing, TypeDisconnect,
		TypeProxyConfig, TypeProxyConnect, TypeProxyConnectReply,
		TypeProxyData, TypeProxyDisconnect, TypeExternalToken,
		TypeExternalAuth, TypeError,
	}
	for _, typ := range types {
		var buf [HeaderSize]byte
		EncodeHeader(buf[:], typ, 123)

		h, err := DecodeHeader(buf[:])
		require.NoError(t, err)
		assert.Equal(t, Magic, h.Magic)
		assert.Equal(t, typ, h.Type)
		assert.Equal(t, Version, h.Version)
		assert.Equal(t, uint32(123), h.DataSize)
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	// "RLDO" — last magic byte off by one.
	buf := []byte{0x52, 0x4C, 0x44, 0x4F, TypePing, Version, 0, 0, 0, 0}
	_, err := DecodeHeader(buf)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeHeaderRejectsBadVersion(t *testing.T) {
	var buf [HeaderSize]byte
	EncodeHeader(buf[:], TypePing, 0)
	buf[5] = Version + 1

	_, err := DecodeHeader(buf[:])
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeHeaderRejectsOversizedLength(t *testing.T) {
	var buf [HeaderSize]byte
	EncodeHeader(buf[:], TypeProxyData, MaxDataSize+1)

	_, err := DecodeHeader(buf[:])
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, err := DecodeHeader([]byte{0x52, 0x4C})
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestEncodeBufferTooSmall(t *testing.T) {
	var buf [HeaderSize + 1]byte
	_, err := Encode(buf[:], TypeInitialize, &InitializeMessage{})
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestInitializeRoundTrip(t *testing.T) {
	in := &InitializeMessage{
		ID:   [16]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		Addr: [6]byte{0x02, 0x00, 0x5E, 0x00, 0x53, 0x01},
	}
	var buf [HeaderSize + InitializeSize]byte
	n, err := Encode(buf[:], TypeInitialize, in)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+InitializeSize, n)

	h, err := DecodeHeader(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint32(InitializeSize), h.DataSize)

	out, err := DecodeInitialize(buf[HeaderSize:n])
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPingRoundTrip(t *testing.T) {
	in := &PingMessage{Requester: 1, ID: 42}
	var buf [HeaderSize + PingSize]byte
	_, err := Encode(buf[:], TypePing, in)
	require.NoError(t, err)

	out, err := DecodePing(buf[HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestErrorRoundTrip(t *testing.T) {
	in := &ErrorMessage{Code: ErrorCodeVersionTooLow}
	var buf [HeaderSize + ErrorSize]byte
	_, err := Encode(buf[:], TypeError, in)
	require.NoError(t, err)

	out, err := DecodeError(buf[HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, IsFatalError(out.Code))
	assert.False(t, IsFatalError(ErrorCodeServerFull))
}

func TestProxyConfigRoundTrip(t *testing.T) {
	in := &ProxyConfigMessage{ProxyIP: 0x0A720002, SubnetMask: 0xFFFF0000}
	var buf [HeaderSize + ProxyConfigSize]byte
	_, err := Encode(buf[:], TypeProxyConfig, in)
	require.NoError(t, err)

	out, err := DecodeProxyConfig(buf[HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestExternalTokenRoundTrip(t *testing.T) {
	in := &ExternalTokenMessage{
		VirtualIP:     0x0A720002,
		AddressFamily: AddressFamilyIPv4,
	}
	copy(in.Token[:], "0123456789abcdef")
	in.PhysicalIP[0] = 192
	in.PhysicalIP[1] = 168
	in.PhysicalIP[2] = 1
	in.PhysicalIP[3] = 7

	var buf [HeaderSize + ExternalTokenSize]byte
	n, err := Encode(buf[:], TypeExternalToken, in)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+ExternalTokenSize, n)

	out, err := DecodeExternalToken(buf[HeaderSize:n])
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestExternalAuthRoundTrip(t *testing.T) {
	in := &ExternalAuthMessage{VirtualIP: 0x0A720003}
	copy(in.Token[:], "fedcba9876543210")

	var buf [HeaderSize + ExternalAuthSize]byte
	_, err := Encode(buf[:], TypeExternalAuth, in)
	require.NoError(t, err)

	out, err := DecodeExternalAuth(buf[HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeProxyDataSinglePass(t *testing.T) {
	info := &ProxyInfo{
		SourceIP:   0x0A720002,
		DestIP:     0x0A720003,
		SourcePort: 1024,
		DestPort:   2048,
		Protocol:   17,
	}
	payload := []byte("user datagram bytes")

	var buf [HeaderSize + ProxyDataHdrSize + 64]byte
	n, err := EncodeProxyData(buf[:], info, payload)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+ProxyDataHdrSize+len(payload), n)

	h, err := DecodeHeader(buf[:n])
	require.NoError(t, err)
	require.Equal(t, TypeProxyData, h.Type)
	require.Equal(t, uint32(ProxyDataHdrSize+len(payload)), h.DataSize)

	hdr, data, err := DecodeProxyData(buf[HeaderSize:n])
	require.NoError(t, err)
	assert.Equal(t, *info, hdr.Info)
	assert.Equal(t, uint32(len(payload)), hdr.DataLen)
	assert.Equal(t, payload, data)
}

func TestEncodeProxyDataBufferTooSmall(t *testing.T) {
	var buf [HeaderSize + ProxyDataHdrSize]byte
	_, err := EncodeProxyData(buf[:], &ProxyInfo{}, []byte{1})
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestDecodeProxyDataLengthMismatch(t *testing.T) {
	var buf [HeaderSize + ProxyDataHdrSize + 4]byte
	n, err := EncodeProxyData(buf[:], &ProxyInfo{}, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	// Truncate one payload byte: DataLen no longer matches.
	_, _, err = DecodeProxyData(buf[HeaderSize : n-1])
	assert.ErrorIs(t, err, ErrInvalidPacket)
}
