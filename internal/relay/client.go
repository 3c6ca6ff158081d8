package relay

import (
	"errors"
	"net"
	"time"

	"github.com/nxlan/lanlink/internal/protocol"
	"github.com/nxlan/lanlink/internal/stream"
	"github.com/nxlan/lanlink/internal/util"
)

// Client-level results. Low-level socket errors never cross this boundary;
// they are translated into backoff transitions and, for callers, into this
// closed set.
var (
	ErrNotReady  = errors.New("relay: connection not ready")
	ErrExhausted = errors.New("relay: retry limit exhausted")
)

// Tuning constants.
const (
	DefaultDialTimeout        = 5 * time.Second
	DefaultHandshakeTimeout   = 5 * time.Second
	DefaultPingInterval       = 5 * time.Second
	DefaultMaxUnansweredPings = 3

	// pollTimeout bounds each read inside one Update call so the
	// cooperative driver never blocks for long.
	pollTimeout = 10 * time.Millisecond
)

// Config parameterizes a relay client.
type Config struct {
	ServerAddr string
	Passphrase string // optional room passphrase, sent before the identity message

	DialTimeout        time.Duration
	HandshakeTimeout   time.Duration
	PingInterval       time.Duration
	MaxUnansweredPings int
	Backoff            BackoffConfig

	// OnPacket receives every inbound packet that is not handled
	// internally (keepalive, error, disconnect). It is called from the
	// Update goroutine, never from a receive thread.
	OnPacket func(*protocol.Packet)

	// Observer receives every state transition. Optional.
	Observer Observer
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.MaxUnansweredPings <= 0 {
		out.MaxUnansweredPings = DefaultMaxUnansweredPings
	}
	return out
}

// Connection is the mutable per-link state owned by the client. It is
// created on the first connect attempt, mutated only inside Update, and
// reset on explicit disconnect.
type Connection struct {
	SessionID        [16]byte
	LinkAddr         [6]byte
	LastRTT          time.Duration
	LastErrorCode    uint32
	OutstandingPings int
}

// Client drives the relay connection. All work happens inside periodic
// Update calls on a single goroutine; the client starts no goroutines of its
// own.
type Client struct {
	cfg     Config
	sm      *StateMachine
	backoff *Backoff

	conn  net.Conn
	reasm *stream.Reassembler
	info  Connection

	assigned bool // identity echoed back by the relay at least once

	pingID     uint8
	pingSentAt map[uint8]time.Time
	lastPingAt time.Time

	backoffUntil      time.Time
	handshakeDeadline time.Time

	readBuf [2048]byte
	sendBuf [protocol.HeaderSize + protocol.MaxDataSize]byte
}

// New creates a client in StateDisconnected. A fresh locally-administered
// link address is generated here; the relay assigns the authoritative one
// during the handshake.
func New(cfg Config) *Client {
	c := &Client{
		cfg:        cfg.withDefaults(),
		sm:         NewStateMachine(),
		backoff:    NewBackoff(cfg.Backoff),
		reasm:      stream.NewReassembler(0),
		pingSentAt: make(map[uint8]time.Time),
	}
	c.info.LinkAddr = util.RandomLinkAddr()
	c.sm.SetObserver(cfg.Observer)
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State { return c.sm.State() }

// SessionID returns the relay-assigned session identifier, all-zero until
// the first handshake completes.
func (c *Client) SessionID() [16]byte { return c.info.SessionID }

// LinkAddr returns the current link-layer address (generated locally, then
// replaced by the relay's assignment).
func (c *Client) LinkAddr() [6]byte { return c.info.LinkAddr }

// LastRTT returns the most recent keepalive round-trip time.
func (c *Client) LastRTT() time.Duration { return c.info.LastRTT }

// LastErrorCode returns the last error code received from the relay.
func (c *Client) LastErrorCode() uint32 { return c.info.LastErrorCode }

// Connect requests the first dial. Valid only in StateDisconnected.
func (c *Client) Connect() error {
	return c.sm.ProcessEvent(EventDial)
}

// Reconnect leaves StateError after a fatal condition. This is the explicit
// external action the state machine requires; nothing leaves Error on its
// own.
func (c *Client) Reconnect() error {
	if err := c.sm.ProcessEvent(EventReset); err != nil {
		return err
	}
	c.backoff.Reset()
	return c.sm.ProcessEvent(EventDial)
}

// Close performs the graceful exit: a best-effort disconnect message, then
// socket teardown and transition to Disconnected. Connection state is reset.
func (c *Client) Close() error {
	if err := c.sm.ProcessEvent(EventDisconnect); err != nil {
		return err
	}
	if c.conn != nil {
		if n, err := protocol.Encode(c.sendBuf[:], protocol.TypeDisconnect,
			&protocol.DisconnectMessage{}); err == nil {
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.Write(c.sendBuf[:n])
		}
		c.conn.Close()
		c.conn = nil
	}
	c.reasm.Reset()
	c.info = Connection{LinkAddr: c.info.LinkAddr}
	c.assigned = false
	return c.sm.ProcessEvent(EventClosed)
}

// Update advances the connection by one tick. The caller invokes it
// periodically (every few milliseconds is typical); each call does a bounded
// amount of work and never blocks longer than the poll timeout plus one
// dial/write.
func (c *Client) Update() error {
	switch c.sm.State() {
	case StateConnecting:
		return c.updateConnecting()
	case StateConnected:
		return c.updateConnected()
	case StateHandshaking:
		return c.updateHandshaking()
	case StateReady:
		return c.updateReady()
	case StateBackoff:
		return c.updateBackoff()
	case StateRetrying:
		return c.sm.ProcessEvent(EventDial)
	default:
		// Disconnected, Disconnecting, Error: nothing to drive.
		return nil
	}
}

// SendProxyData encodes and writes a proxied user payload. Only valid in
// StateReady.
func (c *Client) SendProxyData(info *protocol.ProxyInfo, data []byte) error {
	if c.sm.State() != StateReady {
		return ErrNotReady
	}
	n, err := protocol.EncodeProxyData(c.sendBuf[:], info, data)
	if err != nil {
		return err
	}
	return c.write(c.sendBuf[:n])
}

// Send encodes and writes an arbitrary typed message. Only valid in
// StateReady; the console-integration shim uses this for everything that is
// not proxied data.
func (c *Client) Send(typ uint8, msg protocol.Message) error {
	if c.sm.State() != StateReady {
		return ErrNotReady
	}
	n, err := protocol.Encode(c.sendBuf[:], typ, msg)
	if err != nil {
		return err
	}
	return c.write(c.sendBuf[:n])
}

// ── per-state drivers ────────────────────────────────────────────────────────

func (c *Client) updateConnecting() error {
	conn, err := net.DialTimeout("tcp", c.cfg.ServerAddr, c.cfg.DialTimeout)
	if err != nil {
		util.LogDebug("relay dial failed: %v", err)
		return c.enterBackoff(EventDialFailed)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	c.conn = conn
	c.reasm.Reset()
	return c.sm.ProcessEvent(EventDialSucceeded)
}

func (c *Client) updateConnected() error {
	if c.cfg.Passphrase != "" {
		n, _ := protocol.Encode(c.sendBuf[:], protocol.TypePassphrase,
			protocol.NewPassphraseMessage(c.cfg.Passphrase))
		if err := c.write(c.sendBuf[:n]); err != nil {
			return c.enterBackoff(EventConnectionLost)
		}
	}

	// All-zero id and address on first contact request server-assigned
	// values; afterwards the stored identity re-binds the old session.
	ident := &protocol.InitializeMessage{}
	if c.assigned {
		ident.ID = c.info.SessionID
		ident.Addr = c.info.LinkAddr
	}
	n, _ := protocol.Encode(c.sendBuf[:], protocol.TypeInitialize, ident)
	if err := c.write(c.sendBuf[:n]); err != nil {
		return c.enterBackoff(EventConnectionLost)
	}

	c.handshakeDeadline = time.Now().Add(c.cfg.HandshakeTimeout)
	return c.sm.ProcessEvent(EventHandshakeSent)
}

func (c *Client) updateHandshaking() error {
	if err := c.fill(); err != nil {
		return c.enterBackoff(EventConnectionLost)
	}

	pkt, err := c.reasm.Next()
	if err != nil {
		// Wrong magic or version means the peer is talking a different
		// protocol: fatal, no retry. A malformed packet on an otherwise
		// valid stream is recoverable.
		if errors.Is(err, protocol.ErrProtocol) {
			c.teardown()
			util.LogError("relay handshake: %v", err)
			return c.sm.ProcessEvent(EventFatal)
		}
		return c.enterBackoff(EventConnectionLost)
	}
	if pkt == nil {
		if time.Now().After(c.handshakeDeadline) {
			util.LogWarning("relay handshake timed out")
			return c.enterBackoff(EventConnectionLost)
		}
		return nil
	}

	switch pkt.Header.Type {
	case protocol.TypeInitialize:
		ident, err := protocol.DecodeInitialize(pkt.Payload)
		if err != nil {
			return c.enterBackoff(EventConnectionLost)
		}
		c.info.SessionID = ident.ID
		c.info.LinkAddr = ident.Addr
		c.assigned = true
		c.info.OutstandingPings = 0
		c.lastPingAt = time.Now()
		c.backoff.Reset()
		util.LogInfo("relay session established, link %s", util.FormatLinkAddr(ident.Addr))
		return c.sm.ProcessEvent(EventHandshakeAccepted)

	case protocol.TypeError:
		em, err := protocol.DecodeError(pkt.Payload)
		if err != nil {
			return c.enterBackoff(EventConnectionLost)
		}
		c.info.LastErrorCode = em.Code
		if protocol.IsFatalError(em.Code) {
			c.teardown()
			util.LogError("relay rejected handshake: version mismatch (code %d)", em.Code)
			return c.sm.ProcessEvent(EventFatal)
		}
		util.LogWarning("relay rejected handshake: code %d", em.Code)
		return c.enterBackoff(EventConnectionLost)

	case protocol.TypeDisconnect:
		return c.enterBackoff(EventConnectionLost)

	default:
		// The relay never sends anything else before the identity echo.
		return c.enterBackoff(EventConnectionLost)
	}
}

func (c *Client) updateReady() error {
	if err := c.fill(); err != nil {
		return c.enterBackoff(EventConnectionLost)
	}

	for {
		pkt, err := c.reasm.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				c.teardown()
				util.LogError("relay stream desynchronized: %v", err)
				return c.sm.ProcessEvent(EventFatal)
			}
			return c.enterBackoff(EventConnectionLost)
		}
		if pkt == nil {
			break
		}
		if err := c.handleReadyPacket(pkt); err != nil {
			return err
		}
		if c.sm.State() != StateReady {
			return nil
		}
	}

	// Keepalive upkeep.
	if time.Since(c.lastPingAt) >= c.cfg.PingInterval {
		if c.info.OutstandingPings >= c.cfg.MaxUnansweredPings {
			util.LogWarning("relay unresponsive: %d keepalives unanswered", c.info.OutstandingPings)
			return c.enterBackoff(EventConnectionLost)
		}
		c.pingID++
		n, _ := protocol.Encode(c.sendBuf[:], protocol.TypePing,
			&protocol.PingMessage{Requester: 1, ID: c.pingID})
		if err := c.write(c.sendBuf[:n]); err != nil {
			return c.enterBackoff(EventConnectionLost)
		}
		c.pingSentAt[c.pingID] = time.Now()
		c.info.OutstandingPings++
		c.lastPingAt = time.Now()
	}
	return nil
}

func (c *Client) handleReadyPacket(pkt *protocol.Packet) error {
	switch pkt.Header.Type {
	case protocol.TypePing:
		ping, err := protocol.DecodePing(pkt.Payload)
		if err != nil {
			return nil
		}
		if ping.Requester == 1 {
			// Peer-initiated: echo immediately.
			n, _ := protocol.Encode(c.sendBuf[:], protocol.TypePing,
				&protocol.PingMessage{Requester: 0, ID: ping.ID})
			if err := c.write(c.sendBuf[:n]); err != nil {
				return c.enterBackoff(EventConnectionLost)
			}
			return nil
		}
		// Echo of our own probe: record RTT and clear the counter.
		if sent, ok := c.pingSentAt[ping.ID]; ok {
			c.info.LastRTT = time.Since(sent)
			delete(c.pingSentAt, ping.ID)
		}
		c.info.OutstandingPings = 0
		return nil

	case protocol.TypeError:
		em, err := protocol.DecodeError(pkt.Payload)
		if err != nil {
			return nil
		}
		c.info.LastErrorCode = em.Code
		if protocol.IsFatalError(em.Code) {
			c.teardown()
			return c.sm.ProcessEvent(EventFatal)
		}
		return c.enterBackoff(EventConnectionLost)

	case protocol.TypeDisconnect:
		util.LogInfo("relay requested disconnect")
		return c.enterBackoff(EventConnectionLost)

	default:
		if c.cfg.OnPacket != nil {
			c.cfg.OnPacket(pkt)
		}
		return nil
	}
}

func (c *Client) updateBackoff() error {
	if time.Now().Before(c.backoffUntil) {
		return nil
	}
	if !c.backoff.ShouldRetry() {
		util.LogError("relay reconnect abandoned after %d attempts", c.backoff.Retries())
		if err := c.sm.ProcessEvent(EventFatal); err != nil {
			return err
		}
		return ErrExhausted
	}
	return c.sm.ProcessEvent(EventRetryTimer)
}

// ── plumbing ─────────────────────────────────────────────────────────────────

// fill reads whatever is available within the poll timeout into the
// reassembler. A deadline expiry is not an error; anything else means the
// link is gone.
func (c *Client) fill() error {
	c.conn.SetReadDeadline(time.Now().Add(pollTimeout))
	n, err := c.conn.Read(c.readBuf[:])
	if n > 0 {
		util.Stats.AddRelayRecv(n)
		if perr := c.reasm.Push(c.readBuf[:n]); perr != nil {
			return perr
		}
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) write(p []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	n, err := c.conn.Write(p)
	util.Stats.AddRelaySent(n)
	return err
}

func (c *Client) enterBackoff(ev Event) error {
	c.teardown()
	// The wait for failure n uses the delay before recording it, so the
	// first wait equals the initial delay (1000ms, 2000ms, 4000ms, ...).
	delay := c.backoff.CurrentDelay()
	c.backoff.RecordFailure()
	c.backoffUntil = time.Now().Add(delay)
	util.LogDebug("relay backing off %v (attempt %d)", delay, c.backoff.Retries())
	return c.sm.ProcessEvent(ev)
}

func (c *Client) teardown() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.reasm.Reset()
	c.info.OutstandingPings = 0
	for k := range c.pingSentAt {
		delete(c.pingSentAt, k)
	}
}
