// Package natmap opens, renews, and releases port mappings on the local
// gateway. UPnP IGD is the primary backend with NAT-PMP as fallback; both
// failing leaves the mapper undiscovered and every operation a cheap no-op
// failure, which callers treat as "relay-only / local-network-only", never
// as fatal.
package natmap

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nxlan/lanlink/internal/util"
)

// DefaultDiscoverTimeout bounds the gateway discovery probe. goupnp's
// unbounded discovery can take 8+ seconds; the engine cannot stall startup
// that long for an optional feature.
const DefaultDiscoverTimeout = 2500 * time.Millisecond

// Mapper errors.
var (
	ErrNoGateway     = errors.New("natmap: no UPnP or NAT-PMP gateway found")
	ErrNotDiscovered = errors.New("natmap: gateway discovery never succeeded")
)

// backend is a discovered gateway protocol implementation.
type backend interface {
	name() string
	addPortMapping(proto string, internal, external uint16, desc string, leaseSeconds uint32) (uint16, error)
	deletePortMapping(proto string, external uint16) error
	externalIP() (net.IP, error)
}

// Mapper is the NAT port mapper. The lock guards the backend pointer only;
// gateway I/O always runs outside it.
type Mapper struct {
	mu      sync.Mutex
	backend backend
}

// NewMapper creates an undiscovered mapper. Call Discover before anything
// else.
func NewMapper() *Mapper {
	return &Mapper{}
}

// Discover probes for a gateway within timeout (DefaultDiscoverTimeout when
// zero) and caches the first backend found: UPnP IGDv2, then IGDv1, then
// NAT-PMP. Success is sticky; repeated calls after a success return nil
// without probing again.
func (m *Mapper) Discover(timeout time.Duration) error {
	m.mu.Lock()
	if m.backend != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultDiscoverTimeout
	}

	type result struct {
		b   backend
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		if b, err := discoverUPnP(); err == nil {
			resultCh <- result{b: b}
			return
		}
		b, err := discoverNATPMP(timeout)
		resultCh <- result{b: b, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return ErrNoGateway
		}
		m.mu.Lock()
		m.backend = res.b
		m.mu.Unlock()
		util.LogInfo("gateway discovered via %s", res.b.name())
		return nil
	case <-time.After(timeout):
		return ErrNoGateway
	}
}

// Discovered reports whether a gateway backend is available.
func (m *Mapper) Discovered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend != nil
}

func (m *Mapper) current() (backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend == nil {
		return nil, ErrNotDiscovered
	}
	return m.backend, nil
}

// AddPortMapping requests a forwarding rule and returns the external port
// actually granted (NAT-PMP may assign a different one).
func (m *Mapper) AddPortMapping(proto string, internal, external uint16, desc string, leaseSeconds uint32) (uint16, error) {
	b, err := m.current()
	if err != nil {
		return 0, err
	}
	return b.addPortMapping(proto, internal, external, desc, leaseSeconds)
}

// RefreshPortMapping renews a lease by re-issuing the identical add request.
// Renewal is not a distinct protocol action on either backend; call it well
// before the lease expires (at 50s for a 60s lease).
func (m *Mapper) RefreshPortMapping(proto string, internal, external uint16, desc string, leaseSeconds uint32) error {
	_, err := m.AddPortMapping(proto, internal, external, desc, leaseSeconds)
	return err
}

// DeletePortMapping removes a forwarding rule. A gateway reporting that the
// rule does not exist is success: the desired end state holds.
func (m *Mapper) DeletePortMapping(proto string, external uint16) error {
	b, err := m.current()
	if err != nil {
		return err
	}
	if err := b.deletePortMapping(proto, external); err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// ExternalIPAddress asks the gateway for its public address, falling back to
// a STUN binding query when the gateway cannot answer. Best-effort; used for
// diagnostics and for the host's advertised physical address.
func (m *Mapper) ExternalIPAddress() (net.IP, error) {
	if b, err := m.current(); err == nil {
		if ip, err := b.externalIP(); err == nil && ip != nil {
			return ip, nil
		}
	}
	return externalIPViaSTUN(defaultSTUNServer, DefaultDiscoverTimeout)
}

// LocalIPAddress returns the interface address the OS would route external
// traffic from. The UDP dial sends nothing; it only resolves the route.
func (m *Mapper) LocalIPAddress() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// isNotFound matches the IGD "no such entry" SOAP fault (error 714) and the
// equivalent NAT-PMP refusal wording.
func isNotFound(err error) bool {
	s := err.Error()
	return strings.Contains(s, "714") || strings.Contains(s, "NoSuchEntry")
}
