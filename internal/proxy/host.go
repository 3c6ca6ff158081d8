package proxy

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nxlan/lanlink/internal/natmap"
	"github.com/nxlan/lanlink/internal/protocol"
	"github.com/nxlan/lanlink/internal/util"
)

// Listen port range. First available port wins; joiners learn the chosen
// port through the relay.
const (
	DefaultPortBase  = 30456
	DefaultPortCount = 5
)

// NAT mapping lease parameters: renew at 50s for a 60s lease so the rule
// never lapses between renewals.
const (
	mappingLeaseSeconds = 60
	mappingRenewEvery   = 50 * time.Second
	mappingDescription  = "lanlink p2p"
)

// DefaultAuthWait bounds how long TryRegisterUser waits for a matching token
// to arrive from the relay.
const DefaultAuthWait = 1 * time.Second

// Host errors.
var (
	ErrNoFreePort     = errors.New("proxy: no free port in listen range")
	ErrUnknownDest    = errors.New("proxy: no session for destination address")
	ErrNotAuthed      = errors.New("proxy: session not authenticated")
	ErrSpoofedSource  = errSpoofedSource
	ErrHostNotRunning = errors.New("proxy: host not running")
)

// HostConfig parameterizes a session host.
type HostConfig struct {
	PortBase  int
	PortCount int

	AuthWait        time.Duration
	TokenQueueLimit int
	SubnetMask      uint32

	// BroadcastLoopback includes the sender in broadcast fan-out, matching
	// the external relay's behavior. Disable only against peers verified
	// to filter their own traffic.
	BroadcastLoopback bool

	// Mapper performs the NAT punch. Optional; without it NatPunch fails
	// and the host serves the local network only.
	Mapper *natmap.Mapper

	// OnSessionClosed is called when an authenticated session disconnects,
	// so the caller can notify the relay and keep upstream state
	// consistent. Called off the session's receive goroutine.
	OnSessionClosed func(virtualIP uint32)
}

func (c *HostConfig) withDefaults() HostConfig {
	out := *c
	if out.PortBase <= 0 {
		out.PortBase = DefaultPortBase
	}
	if out.PortCount <= 0 {
		out.PortCount = DefaultPortCount
	}
	if out.AuthWait <= 0 {
		out.AuthWait = DefaultAuthWait
	}
	if out.SubnetMask == 0 {
		out.SubnetMask = DefaultSubnetMask
	}
	return out
}

// Host accepts direct peer connections, authenticates them against tokens
// issued by the relay, and routes messages between sessions inside the
// virtual subnet.
type Host struct {
	cfg    HostConfig
	tokens *tokenQueue

	ln      net.Listener
	port    int
	running atomic.Bool
	wg      sync.WaitGroup

	renewStop chan struct{}
	mapped    atomic.Bool

	mu        sync.Mutex
	sessions  map[uint32]*Session // authenticated, keyed by virtual address
	pending   map[*Session]struct{}
	subnet    Subnet
	subnetSet bool
}

// NewHost creates a stopped host.
func NewHost(cfg HostConfig) *Host {
	c := cfg.withDefaults()
	return &Host{
		cfg:       c,
		tokens:    newTokenQueue(c.TokenQueueLimit),
		sessions:  make(map[uint32]*Session),
		pending:   make(map[*Session]struct{}),
		renewStop: make(chan struct{}),
	}
}

// Start listens on the first available port of the configured range and
// begins accepting connections.
func (h *Host) Start() error {
	var ln net.Listener
	var err error
	for i := 0; i < h.cfg.PortCount; i++ {
		port := h.cfg.PortBase + i
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			h.ln = ln
			h.port = port
			break
		}
	}
	if h.ln == nil {
		return fmt.Errorf("%w (%d-%d): %v", ErrNoFreePort,
			h.cfg.PortBase, h.cfg.PortBase+h.cfg.PortCount-1, err)
	}

	h.running.Store(true)
	h.wg.Add(1)
	go h.acceptLoop()
	util.LogInfo("p2p host listening on port %d", h.port)
	return nil
}

// Port returns the bound listen port, 0 before Start.
func (h *Host) Port() int { return h.port }

// NatPunch exposes the listen port through the gateway and starts the
// background renewal loop. Failure is non-fatal: the host keeps serving
// peers on the local network.
func (h *Host) NatPunch() error {
	if !h.running.Load() {
		return ErrHostNotRunning
	}
	if h.cfg.Mapper == nil {
		return natmap.ErrNotDiscovered
	}
	if err := h.cfg.Mapper.Discover(0); err != nil {
		return err
	}
	port := uint16(h.port)
	if _, err := h.cfg.Mapper.AddPortMapping("TCP", port, port,
		mappingDescription, mappingLeaseSeconds); err != nil {
		return err
	}
	h.mapped.Store(true)

	h.wg.Add(1)
	go h.renewLoop(port)

	if ext, err := h.cfg.Mapper.ExternalIPAddress(); err == nil {
		util.LogInfo("p2p host reachable at %s:%d", ext, h.port)
	}
	return nil
}

func (h *Host) renewLoop(port uint16) {
	defer h.wg.Done()
	ticker := time.NewTicker(mappingRenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !h.running.Load() {
				return
			}
			if err := h.cfg.Mapper.RefreshPortMapping("TCP", port, port,
				mappingDescription, mappingLeaseSeconds); err != nil {
				util.LogWarning("port mapping renewal failed: %v", err)
			}
		case <-h.renewStop:
			return
		}
	}
}

// AddWaitingToken enqueues a token received from the relay ahead of a
// joiner's direct connection.
func (h *Host) AddWaitingToken(t *protocol.ExternalTokenMessage) {
	h.tokens.add(t)
}

// WaitingTokens returns the number of unconsumed tokens.
func (h *Host) WaitingTokens() int { return h.tokens.len() }

// Subnet returns the configured virtual subnet and whether it is set yet.
func (h *Host) Subnet() (Subnet, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subnet, h.subnetSet
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			// Listener closed during Stop, or a transient accept error.
			if !h.running.Load() {
				return
			}
			util.LogWarning("p2p accept error: %v", err)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		s := newSession(h, conn)
		h.mu.Lock()
		h.pending[s] = struct{}{}
		h.mu.Unlock()
		util.Stats.AddSession()
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			s.run()
		}()
	}
}

// TryRegisterUser authenticates a session against the waiting-token queue,
// retrying for up to the configured wait as new tokens arrive. On a match it
// assigns the token's virtual address, configures the subnet from the first
// authenticated session, and replies with the configuration message. No
// match within the wait closes the connection (the caller does, by returning
// false from the receive loop).
func (h *Host) TryRegisterUser(s *Session, auth *protocol.ExternalAuthMessage, physical net.IP) bool {
	tok := h.tokens.consume(auth, physical, time.Now().Add(h.cfg.AuthWait))
	if tok == nil {
		util.LogWarning("p2p auth from %s: no matching token", physical)
		return false
	}

	s.setAuthenticated(tok.VirtualIP)

	h.mu.Lock()
	if !h.subnetSet {
		h.subnet = Subnet{Base: tok.VirtualIP & h.cfg.SubnetMask, Mask: h.cfg.SubnetMask}
		h.subnetSet = true
	}
	mask := h.subnet.Mask
	delete(h.pending, s)
	h.sessions[tok.VirtualIP] = s
	h.mu.Unlock()

	cfg := &protocol.ProxyConfigMessage{ProxyIP: tok.VirtualIP, SubnetMask: mask}
	if err := s.send(protocol.TypeProxyConfig, cfg); err != nil {
		util.LogWarning("p2p config reply to %s failed: %v", physical, err)
		return false
	}
	util.LogInfo("p2p session %s authenticated from %s", Uint32ToIP(tok.VirtualIP), physical)
	return true
}

// RouteMessage forwards a proxied data payload between sessions. A zero
// declared source is rewritten to the sender's assigned address; a non-zero
// source that disagrees with it is rejected outright. The legacy broadcast
// literal and the subnet broadcast fan out to every authenticated session;
// anything else is unicast.
func (h *Host) RouteMessage(from *Session, info *protocol.ProxyInfo, data []byte) error {
	targets, out, err := h.plan(from, info, func(rewritten *protocol.ProxyInfo) []byte {
		buf := make([]byte, protocol.HeaderSize+protocol.ProxyDataHdrSize+len(data))
		n, _ := protocol.EncodeProxyData(buf, rewritten, data)
		return buf[:n]
	})
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := t.writeRaw(out); err != nil {
			util.LogDebug("p2p forward to %s failed: %v", Uint32ToIP(t.VirtualIP()), err)
		}
	}
	return nil
}

// routeControl forwards connect/connect-reply/disconnect messages, which are
// keyed by the same addressing tuple and follow the same routing rules.
func (h *Host) routeControl(from *Session, typ uint8, info *protocol.ProxyInfo) error {
	targets, out, err := h.plan(from, info, func(rewritten *protocol.ProxyInfo) []byte {
		return protocol.Append(nil, typ, rewritten)
	})
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := t.writeRaw(out); err != nil {
			util.LogDebug("p2p forward to %s failed: %v", Uint32ToIP(t.VirtualIP()), err)
		}
	}
	return nil
}

// plan validates the source, rewrites addressing, encodes the outbound bytes
// once, and resolves the target session list. The session-table lock covers
// only the table read, never the writes.
func (h *Host) plan(from *Session, info *protocol.ProxyInfo, encode func(*protocol.ProxyInfo) []byte) ([]*Session, []byte, error) {
	if !from.Authenticated() {
		return nil, nil, ErrNotAuthed
	}
	assigned := from.VirtualIP()

	rewritten := *info
	switch rewritten.SourceIP {
	case 0:
		rewritten.SourceIP = assigned
	case assigned:
		// declared source is correct
	default:
		return nil, nil, ErrSpoofedSource
	}

	h.mu.Lock()
	subnet := h.subnet
	bcast := subnet.Broadcast()
	if rewritten.DestIP == LegacyBroadcast {
		rewritten.DestIP = bcast
	}

	var targets []*Session
	if rewritten.DestIP == bcast {
		for ip, t := range h.sessions {
			if !h.cfg.BroadcastLoopback && ip == assigned {
				continue
			}
			targets = append(targets, t)
		}
	} else if t, ok := h.sessions[rewritten.DestIP]; ok {
		targets = append(targets, t)
	}
	h.mu.Unlock()

	if len(targets) == 0 && rewritten.DestIP != bcast {
		return nil, nil, ErrUnknownDest
	}
	return targets, encode(&rewritten), nil
}

// sessionClosed removes a session from the table and, if it had been
// authenticated, notifies the caller for upstream relay cleanup. Every
// session exit path funnels through here.
func (h *Host) sessionClosed(s *Session) {
	s.conn.Close()

	h.mu.Lock()
	delete(h.pending, s)
	var authed bool
	if ip := s.VirtualIP(); ip != 0 {
		if h.sessions[ip] == s {
			delete(h.sessions, ip)
			authed = true
		}
	}
	h.mu.Unlock()

	util.Stats.RemoveSession()
	if authed && h.cfg.OnSessionClosed != nil {
		h.cfg.OnSessionClosed(s.VirtualIP())
	}
}

// Sessions returns the virtual addresses of all authenticated sessions.
func (h *Host) Sessions() []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint32, 0, len(h.sessions))
	for ip := range h.sessions {
		out = append(out, ip)
	}
	return out
}

// Stop closes the listener and every session, releases the NAT mapping, and
// waits for all goroutines to exit.
func (h *Host) Stop() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}
	close(h.renewStop)
	if h.ln != nil {
		h.ln.Close()
	}

	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions)+len(h.pending))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	for s := range h.pending {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.Close()
	}

	if h.mapped.Load() && h.cfg.Mapper != nil {
		if err := h.cfg.Mapper.DeletePortMapping("TCP", uint16(h.port)); err != nil {
			util.LogWarning("port mapping release failed: %v", err)
		}
	}
	h.wg.Wait()
}
