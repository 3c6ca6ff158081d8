package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxlan/lanlink/internal/protocol"
)

func makeToken(virtualIP uint32, token string) *protocol.ExternalTokenMessage {
	t := &protocol.ExternalTokenMessage{
		VirtualIP:     virtualIP,
		AddressFamily: protocol.AddressFamilyIPv4,
	}
	copy(t.Token[:], token)
	return t
}

func makeAuth(token string) *protocol.ExternalAuthMessage {
	a := &protocol.ExternalAuthMessage{}
	copy(a.Token[:], token)
	return a
}

func TestQueuedTokenMatchedImmediately(t *testing.T) {
	q := newTokenQueue(0)
	q.add(makeToken(0x0A720002, "0123456789abcdef"))

	got := q.consume(makeAuth("0123456789abcdef"), net.ParseIP("127.0.0.1"), time.Now())
	require.NotNil(t, got)
	assert.Equal(t, uint32(0x0A720002), got.VirtualIP)
	assert.Equal(t, 0, q.len(), "matched token must be consumed")
}

// TestLateTokenWakesWaiter is the race the queue exists for: the joiner's
// connection lands before the relay's token does.
func TestLateTokenWakesWaiter(t *testing.T) {
	q := newTokenQueue(0)

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.add(makeToken(0x0A720003, "0123456789abcdef"))
	}()

	start := time.Now()
	got := q.consume(makeAuth("0123456789abcdef"), nil, time.Now().Add(time.Second))
	require.NotNil(t, got)
	assert.Less(t, time.Since(start), time.Second, "waiter must wake on arrival, not on deadline")
}

func TestConsumeTimesOut(t *testing.T) {
	q := newTokenQueue(0)
	q.add(makeToken(0x0A720002, "0123456789abcdef"))

	got := q.consume(makeAuth("no-such-token..."), nil, time.Now().Add(50*time.Millisecond))
	assert.Nil(t, got)
	assert.Equal(t, 1, q.len(), "unmatched token stays queued")
}

func TestPhysicalAddressMustMatch(t *testing.T) {
	tok := makeToken(0x0A720002, "0123456789abcdef")
	tok.PhysicalIP[0] = 192
	tok.PhysicalIP[1] = 168
	tok.PhysicalIP[2] = 1
	tok.PhysicalIP[3] = 7

	q := newTokenQueue(0)
	q.add(tok)

	got := q.consume(makeAuth("0123456789abcdef"), net.ParseIP("10.0.0.9"), time.Now())
	assert.Nil(t, got, "token bound to another address must not match")

	got = q.consume(makeAuth("0123456789abcdef"), net.ParseIP("192.168.1.7"), time.Now())
	assert.NotNil(t, got)
}

func TestWildcardPhysicalMatchesAnySource(t *testing.T) {
	q := newTokenQueue(0)
	q.add(makeToken(0x0A720002, "0123456789abcdef"))

	got := q.consume(makeAuth("0123456789abcdef"), net.ParseIP("203.0.113.50"), time.Now())
	assert.NotNil(t, got)
}

func TestOverflowDropsOldest(t *testing.T) {
	q := newTokenQueue(2)
	q.add(makeToken(1, "token-aaaaaaaaaa"))
	q.add(makeToken(2, "token-bbbbbbbbbb"))
	q.add(makeToken(3, "token-cccccccccc"))
	require.Equal(t, 2, q.len())

	assert.Nil(t, q.consume(makeAuth("token-aaaaaaaaaa"), nil, time.Now()), "oldest token was dropped")
	assert.NotNil(t, q.consume(makeAuth("token-bbbbbbbbbb"), nil, time.Now()))
	assert.NotNil(t, q.consume(makeAuth("token-cccccccccc"), nil, time.Now()))
}
