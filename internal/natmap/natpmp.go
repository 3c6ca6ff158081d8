package natmap

import (
	"net"
	"strings"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

type pmpBackend struct {
	client *natpmp.Client
}

// discoverNATPMP finds the default gateway and verifies it speaks NAT-PMP by
// asking for its external address. Gateway discovery runs in a goroutine so
// the whole probe honors timeout.
func discoverNATPMP(timeout time.Duration) (*pmpBackend, error) {
	ipCh := make(chan net.IP, 1)
	errCh := make(chan error, 1)
	go func() {
		ip, err := gateway.DiscoverGateway()
		if err != nil {
			errCh <- err
			return
		}
		ipCh <- ip
	}()

	var gw net.IP
	select {
	case gw = <-ipCh:
	case err := <-errCh:
		return nil, err
	case <-time.After(timeout):
		return nil, ErrNoGateway
	}

	client := natpmp.NewClientWithTimeout(gw, timeout)
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, err
	}
	return &pmpBackend{client: client}, nil
}

func (p *pmpBackend) name() string { return "NAT-PMP" }

func (p *pmpBackend) addPortMapping(proto string, internal, external uint16, _ string, leaseSeconds uint32) (uint16, error) {
	res, err := p.client.AddPortMapping(strings.ToLower(proto), int(internal), int(external), int(leaseSeconds))
	if err != nil {
		return 0, err
	}
	return res.MappedExternalPort, nil
}

func (p *pmpBackend) deletePortMapping(proto string, external uint16) error {
	// NAT-PMP has no delete opcode: a zero-lifetime request for the
	// internal port releases the rule. The protocol keys deletion on the
	// internal port, which equals the external one for every mapping this
	// engine creates.
	_, err := p.client.AddPortMapping(strings.ToLower(proto), int(external), 0, 0)
	return err
}

func (p *pmpBackend) externalIP() (net.IP, error) {
	res, err := p.client.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	return net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1],
		res.ExternalIPAddress[2], res.ExternalIPAddress[3]), nil
}
