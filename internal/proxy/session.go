package proxy

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/nxlan/lanlink/internal/protocol"
	"github.com/nxlan/lanlink/internal/stream"
	"github.com/nxlan/lanlink/internal/util"
)

// authReadTimeout bounds how long a freshly accepted connection may take to
// present its authentication message before the host hangs up.
const authReadTimeout = 5 * time.Second

// Session is one connected peer on the host side. The receive loop runs on
// its own goroutine; writes from routing goroutines are serialized by wmu.
type Session struct {
	host     *Host
	conn     net.Conn
	physical net.IP
	reasm    *stream.Reassembler

	wmu sync.Mutex

	mu            sync.Mutex
	virtualIP     uint32
	authenticated bool
}

func newSession(h *Host, conn net.Conn) *Session {
	physical := net.IP{}
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		physical = tcp.IP
	}
	return &Session{
		host:     h,
		conn:     conn,
		physical: physical,
		reasm:    stream.NewReassembler(0),
	}
}

// VirtualIP returns the assigned virtual address, 0 before authentication.
func (s *Session) VirtualIP() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.virtualIP
}

// Authenticated reports whether the session passed token authentication.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) setAuthenticated(virtualIP uint32) {
	s.mu.Lock()
	s.virtualIP = virtualIP
	s.authenticated = true
	s.mu.Unlock()
}

// run is the per-session receive loop. It authenticates first, then routes
// until the connection drops. Exit always funnels through the host for
// session-table cleanup and upstream notification.
func (s *Session) run() {
	defer s.host.sessionClosed(s)

	if !s.authenticate() {
		return
	}

	for {
		pkt, err := s.readPacket(0)
		if err != nil {
			return
		}
		s.dispatch(pkt)
	}
}

// authenticate waits for the ExternalAuth message and registers against the
// waiting-token queue. Anything else, or no match, closes the connection.
func (s *Session) authenticate() bool {
	pkt, err := s.readPacket(authReadTimeout)
	if err != nil {
		return false
	}
	if pkt.Header.Type != protocol.TypeExternalAuth {
		util.LogDebug("proxy session from %s sent %#02x before auth, closing",
			s.physical, pkt.Header.Type)
		return false
	}
	auth, err := protocol.DecodeExternalAuth(pkt.Payload)
	if err != nil {
		return false
	}
	return s.host.TryRegisterUser(s, auth, s.physical)
}

func (s *Session) dispatch(pkt *protocol.Packet) {
	switch pkt.Header.Type {
	case protocol.TypeProxyData:
		hdr, data, err := protocol.DecodeProxyData(pkt.Payload)
		if err != nil {
			return
		}
		util.Stats.AddProxyRecv(len(data))
		if err := s.host.RouteMessage(s, &hdr.Info, data); err != nil {
			util.LogDebug("proxy route from %s rejected: %v", Uint32ToIP(s.VirtualIP()), err)
		}

	case protocol.TypeProxyConnect, protocol.TypeProxyConnectReply, protocol.TypeProxyDisconnect:
		info, err := protocol.DecodeProxyInfo(pkt.Payload)
		if err != nil {
			return
		}
		if err := s.host.routeControl(s, pkt.Header.Type, info); err != nil {
			util.LogDebug("proxy control from %s rejected: %v", Uint32ToIP(s.VirtualIP()), err)
		}

	default:
		util.LogDebug("proxy session %s: unexpected packet %#02x",
			Uint32ToIP(s.VirtualIP()), pkt.Header.Type)
	}
}

// readPacket blocks until one complete packet is framed. timeout zero means
// no deadline; the loop is then unblocked by Close from the host side.
func (s *Session) readPacket(timeout time.Duration) (*protocol.Packet, error) {
	var buf [2048]byte
	for {
		if pkt, err := s.reasm.Next(); err != nil {
			// A peer that cannot frame is not speaking our protocol.
			return nil, err
		} else if pkt != nil {
			return pkt, nil
		}

		if timeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(timeout))
		} else {
			s.conn.SetReadDeadline(time.Time{})
		}
		n, err := s.conn.Read(buf[:])
		if n > 0 {
			if perr := s.reasm.Push(buf[:n]); perr != nil {
				return nil, perr
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// writeRaw sends pre-encoded bytes, serialized against concurrent routers.
func (s *Session) writeRaw(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	n, err := s.conn.Write(p)
	util.Stats.AddProxySent(n)
	return err
}

// send encodes and writes one typed message.
func (s *Session) send(typ uint8, msg protocol.Message) error {
	buf := protocol.Append(nil, typ, msg)
	return s.writeRaw(buf)
}

// Close unblocks the receive loop; cleanup happens in run's deferred
// sessionClosed.
func (s *Session) Close() error {
	return s.conn.Close()
}

var errSpoofedSource = errors.New("proxy: declared source differs from assigned virtual address")
