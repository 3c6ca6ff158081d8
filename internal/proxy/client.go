package proxy

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nxlan/lanlink/internal/protocol"
	"github.com/nxlan/lanlink/internal/stream"
	"github.com/nxlan/lanlink/internal/util"
)

// Join client timeouts.
const (
	DefaultJoinDialTimeout = 5 * time.Second
	DefaultProxyReadyWait  = 4 * time.Second
	joinWriteTimeout       = 5 * time.Second
)

// ErrProxyNotReady is returned when the host's configuration reply does not
// arrive in time. The caller must treat the P2P attempt as failed and fall
// back to the relay path.
var ErrProxyNotReady = errors.New("proxy: no configuration reply from host")

// JoinConfig parameterizes a join client.
type JoinConfig struct {
	DialTimeout time.Duration

	// OnMessage receives every inbound proxy message (config, data,
	// connect, connect-reply, disconnect) for forwarding into the
	// console-facing layer. Called from the receive goroutine.
	OnMessage func(*protocol.Packet)

	// OnClosed fires once when the receive loop exits.
	OnClosed func(err error)
}

// JoinClient is the joiner's side of a direct session: it connects to a
// session host, authenticates with the relay-issued token, and exchanges
// routed messages. Sends are encode-then-blocking-write with no internal
// queuing; callers must serialize concurrent sends externally.
type JoinClient struct {
	cfg   JoinConfig
	conn  net.Conn
	reasm *stream.Reassembler

	mu      sync.Mutex
	config  *protocol.ProxyConfigMessage
	readyCh chan struct{}

	closeOnce sync.Once
}

// Dial opens a direct connection to a session host with a bounded timeout
// and starts the background receive loop.
func Dial(address string, port int, cfg JoinConfig) (*JoinClient, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultJoinDialTimeout
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), timeout)
	if err != nil {
		return nil, fmt.Errorf("proxy: connect to host: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	c := &JoinClient{
		cfg:     cfg,
		conn:    conn,
		reasm:   stream.NewReassembler(0),
		readyCh: make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

// PerformAuth sends the authentication message the relay issued for this
// session.
func (c *JoinClient) PerformAuth(auth *protocol.ExternalAuthMessage) error {
	return c.send(protocol.TypeExternalAuth, auth)
}

// EnsureProxyReady blocks until the host's configuration reply arrives or
// timeout (DefaultProxyReadyWait when zero) elapses, returning
// ErrProxyNotReady in the latter case.
func (c *JoinClient) EnsureProxyReady(timeout time.Duration) (*protocol.ProxyConfigMessage, error) {
	if timeout <= 0 {
		timeout = DefaultProxyReadyWait
	}
	select {
	case <-c.readyCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.config, nil
	case <-time.After(timeout):
		return nil, ErrProxyNotReady
	}
}

// Config returns the stored configuration reply, nil before it arrives.
func (c *JoinClient) Config() *protocol.ProxyConfigMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// SendProxyData sends a proxied user payload to the host for routing.
func (c *JoinClient) SendProxyData(info *protocol.ProxyInfo, data []byte) error {
	buf := make([]byte, protocol.HeaderSize+protocol.ProxyDataHdrSize+len(data))
	n, err := protocol.EncodeProxyData(buf, info, data)
	if err != nil {
		return err
	}
	return c.write(buf[:n])
}

// SendProxyConnect sends a virtual connection open.
func (c *JoinClient) SendProxyConnect(info *protocol.ProxyInfo) error {
	return c.send(protocol.TypeProxyConnect, info)
}

// SendProxyConnectReply acknowledges a virtual connection open.
func (c *JoinClient) SendProxyConnectReply(info *protocol.ProxyInfo) error {
	return c.send(protocol.TypeProxyConnectReply, info)
}

// SendProxyDisconnect sends a virtual connection close.
func (c *JoinClient) SendProxyDisconnect(info *protocol.ProxyInfo) error {
	return c.send(protocol.TypeProxyDisconnect, info)
}

// Close tears the connection down; the receive loop exits on the closed
// socket. Safe to call more than once.
func (c *JoinClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *JoinClient) recvLoop() {
	var buf [2048]byte
	var exitErr error
	for {
		pkt, err := c.reasm.Next()
		if err != nil {
			exitErr = err
			break
		}
		if pkt != nil {
			c.handle(pkt)
			continue
		}

		n, err := c.conn.Read(buf[:])
		if n > 0 {
			util.Stats.AddProxyRecv(n)
			if perr := c.reasm.Push(buf[:n]); perr != nil {
				exitErr = perr
				break
			}
		}
		if err != nil {
			exitErr = err
			break
		}
	}
	c.Close()
	if c.cfg.OnClosed != nil {
		c.cfg.OnClosed(exitErr)
	}
}

func (c *JoinClient) handle(pkt *protocol.Packet) {
	if pkt.Header.Type == protocol.TypeProxyConfig {
		cfg, err := protocol.DecodeProxyConfig(pkt.Payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		first := c.config == nil
		c.config = cfg
		c.mu.Unlock()
		if first {
			close(c.readyCh)
			util.LogInfo("p2p configured: %s/%s", Uint32ToIP(cfg.ProxyIP),
				Uint32ToIP(cfg.SubnetMask))
		}
	}
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(pkt)
	}
}

func (c *JoinClient) send(typ uint8, msg protocol.Message) error {
	return c.write(protocol.Append(nil, typ, msg))
}

func (c *JoinClient) write(p []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(joinWriteTimeout))
	n, err := c.conn.Write(p)
	util.Stats.AddProxySent(n)
	return err
}
