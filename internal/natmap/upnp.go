package natmap

import (
	"net"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

// igdClient is the subset of goupnp's generated WAN*Connection1 clients the
// mapper needs. All four generated types implement it.
type igdClient interface {
	AddPortMapping(
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
	) error

	DeletePortMapping(
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
	) error

	GetExternalIPAddress() (string, error)
}

type upnpBackend struct {
	client igdClient
	label  string
}

// discoverUPnP probes IGDv2 first (WANIPConnection, then WANPPPConnection)
// and falls back to the IGDv1 equivalents. First client found wins.
func discoverUPnP() (*upnpBackend, error) {
	if cs, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(cs) > 0 {
		return &upnpBackend{client: cs[0], label: "UPnP IGDv2/WANIP"}, nil
	}
	if cs, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil && len(cs) > 0 {
		return &upnpBackend{client: cs[0], label: "UPnP IGDv2/WANPPP"}, nil
	}
	if cs, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(cs) > 0 {
		return &upnpBackend{client: cs[0], label: "UPnP IGDv1/WANIP"}, nil
	}
	if cs, _, err := internetgateway1.NewWANPPPConnection1Clients(); err == nil && len(cs) > 0 {
		return &upnpBackend{client: cs[0], label: "UPnP IGDv1/WANPPP"}, nil
	}
	return nil, ErrNoGateway
}

func (u *upnpBackend) name() string { return u.label }

func (u *upnpBackend) addPortMapping(proto string, internal, external uint16, desc string, leaseSeconds uint32) (uint16, error) {
	local, err := localClientIP()
	if err != nil {
		return 0, err
	}
	err = u.client.AddPortMapping(
		"", // any remote host
		external,
		proto,
		internal,
		local.String(),
		true,
		desc,
		leaseSeconds,
	)
	if err != nil {
		return 0, err
	}
	return external, nil
}

func (u *upnpBackend) deletePortMapping(proto string, external uint16) error {
	return u.client.DeletePortMapping("", external, proto)
}

func (u *upnpBackend) externalIP() (net.IP, error) {
	s, err := u.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	return net.ParseIP(s), nil
}

// localClientIP resolves the address the mapping should forward to.
func localClientIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
