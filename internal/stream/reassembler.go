// Package stream frames complete protocol packets out of a raw TCP byte
// stream. A read may deliver a fragment of one packet or several packets at
// once; the Reassembler accumulates bytes in a bounded buffer and yields
// whole packets in FIFO order.
package stream

import (
	"encoding/binary"
	"errors"

	"github.com/nxlan/lanlink/internal/protocol"
)

// DefaultCapacity holds the largest single packet (header + MaxDataSize)
// plus slack for a second packet arriving in the same read.
const DefaultCapacity = 2 * (protocol.HeaderSize + protocol.MaxDataSize)

// ErrOverflow is returned by Push when appending would exceed the buffer
// capacity. The connection is beyond recovery at that point: either the peer
// is flooding or the stream is desynchronized past what Resync can repair.
var ErrOverflow = errors.New("stream: reassembly buffer overflow")

// Reassembler is a bounded accumulation buffer. It is not safe for
// concurrent use; each connection owns exactly one.
type Reassembler struct {
	buf []byte
	n   int
}

// NewReassembler creates a reassembler with the given capacity, or
// DefaultCapacity if capacity is not positive.
func NewReassembler(capacity int) *Reassembler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Reassembler{buf: make([]byte, capacity)}
}

// Buffered returns the number of bytes currently accumulated.
func (r *Reassembler) Buffered() int { return r.n }

// Push appends newly received bytes. It fails with ErrOverflow when the
// bytes do not fit; the buffer is left unchanged in that case.
func (r *Reassembler) Push(p []byte) error {
	if r.n+len(p) > len(r.buf) {
		return ErrOverflow
	}
	copy(r.buf[r.n:], p)
	r.n += len(p)
	return nil
}

// HasPacket reports whether a complete packet is buffered. Only the header
// is decoded; the error mirrors protocol.DecodeHeader when the buffered
// header itself is invalid (bad magic/version or oversized length).
func (r *Reassembler) HasPacket() (bool, error) {
	if r.n < protocol.HeaderSize {
		return false, nil
	}
	h, err := protocol.DecodeHeader(r.buf[:r.n])
	if err != nil {
		return false, err
	}
	return r.n >= protocol.HeaderSize+int(h.DataSize), nil
}

// Peek exposes the first complete packet without copying. The returned
// payload aliases the internal buffer and is valid only until the next
// Push/Next/Resync call. Returns ok=false when no complete packet is
// buffered.
func (r *Reassembler) Peek() (h protocol.Header, payload []byte, ok bool) {
	complete, err := r.HasPacket()
	if err != nil || !complete {
		return protocol.Header{}, nil, false
	}
	h, _ = protocol.DecodeHeader(r.buf[:r.n])
	return h, r.buf[protocol.HeaderSize : protocol.HeaderSize+int(h.DataSize)], true
}

// Next extracts the first complete packet as a copy and compacts the buffer.
// Returns (nil, nil) when no complete packet is buffered yet, and the header
// decode error when the buffered bytes cannot be a valid packet.
func (r *Reassembler) Next() (*protocol.Packet, error) {
	complete, err := r.HasPacket()
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, nil
	}
	h, _ := protocol.DecodeHeader(r.buf[:r.n])
	total := protocol.HeaderSize + int(h.DataSize)

	pkt := &protocol.Packet{Header: h}
	if h.DataSize > 0 {
		pkt.Payload = make([]byte, h.DataSize)
		copy(pkt.Payload, r.buf[protocol.HeaderSize:total])
	}
	r.consume(total)
	return pkt, nil
}

// Resync discards bytes up to the next plausible header start (the magic
// signature) and returns how many bytes were dropped. When no magic is found
// the whole buffer minus a possible magic prefix at the tail is discarded.
// Call after HasPacket/Next reported a header error.
func (r *Reassembler) Resync() int {
	// Skip the current (bad) position, then scan for the signature.
	for i := 1; i+4 <= r.n; i++ {
		if binary.LittleEndian.Uint32(r.buf[i:i+4]) == protocol.Magic {
			r.consume(i)
			return i
		}
	}
	// Keep up to 3 trailing bytes in case a magic straddles the boundary.
	keep := min(r.n, 3)
	dropped := r.n - keep
	r.consume(dropped)
	return dropped
}

// Reset discards all buffered bytes.
func (r *Reassembler) Reset() { r.n = 0 }

func (r *Reassembler) consume(n int) {
	copy(r.buf, r.buf[n:r.n])
	r.n -= n
}
