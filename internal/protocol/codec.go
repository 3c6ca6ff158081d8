package protocol

import "encoding/binary"

// EncodeHeader writes the 10-byte header into b. b must hold at least
// HeaderSize bytes.
func EncodeHeader(b []byte, typ uint8, dataSize uint32) {
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	b[4] = typ
	b[5] = Version
	binary.LittleEndian.PutUint32(b[6:10], dataSize)
}

// DecodeHeader parses and validates the fixed header. Magic and version are
// checked before DataSize is trusted: a magic or version mismatch is
// ErrProtocol (fatal, not retried), an oversized DataSize is
// ErrInvalidPacket.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrInvalidPacket
	}
	h := Header{
		Magic:    binary.LittleEndian.Uint32(b[0:4]),
		Type:     b[4],
		Version:  b[5],
		DataSize: binary.LittleEndian.Uint32(b[6:10]),
	}
	if h.Magic != Magic || h.Version != Version {
		return h, ErrProtocol
	}
	if h.DataSize > MaxDataSize {
		return h, ErrInvalidPacket
	}
	return h, nil
}

// Encode serializes a typed message into dst as header+body and returns the
// number of bytes written. Fails with ErrBufferTooSmall if dst cannot hold
// the whole packet.
func Encode(dst []byte, typ uint8, msg Message) (int, error) {
	n := HeaderSize + msg.wireSize()
	if len(dst) < n {
		return 0, ErrBufferTooSmall
	}
	EncodeHeader(dst, typ, uint32(msg.wireSize()))
	msg.encode(dst[HeaderSize:])
	return n, nil
}

// EncodeProxyData serializes a TypeProxyData packet in a single pass:
// header, proxy-data header, then the user payload, with no intermediate
// copy of data. info.DataLen is taken from len(data), not from the caller.
func EncodeProxyData(dst []byte, info *ProxyInfo, data []byte) (int, error) {
	body := ProxyDataHdrSize + len(data)
	n := HeaderSize + body
	if len(dst) < n {
		return 0, ErrBufferTooSmall
	}
	if body > MaxDataSize {
		return 0, ErrInvalidPacket
	}
	EncodeHeader(dst, TypeProxyData, uint32(body))
	hdr := ProxyDataHeader{Info: *info, DataLen: uint32(len(data))}
	hdr.encode(dst[HeaderSize:])
	copy(dst[HeaderSize+ProxyDataHdrSize:], data)
	return n, nil
}

// Append serializes a typed message and appends it to dst, growing it as
// needed. Used where the caller owns the buffer and capacity is not a
// protocol concern (tests, outbound queues).
func Append(dst []byte, typ uint8, msg Message) []byte {
	buf := make([]byte, HeaderSize+msg.wireSize())
	EncodeHeader(buf, typ, uint32(msg.wireSize()))
	msg.encode(buf[HeaderSize:])
	return append(dst, buf...)
}
