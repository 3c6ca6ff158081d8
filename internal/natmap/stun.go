package natmap

import (
	"net"
	"time"

	"github.com/pion/stun"
)

const defaultSTUNServer = "stun.l.google.com:19302"

// externalIPViaSTUN asks a public STUN server for our reflexive address.
// Last-resort diagnostic when no gateway backend can report an external IP
// (some IGDs behind carrier-grade NAT return their own WAN-side private
// address; STUN at least reports what the internet sees).
func externalIPViaSTUN(server string, timeout time.Duration) (net.IP, error) {
	conn, err := net.DialTimeout("udp4", server, timeout)
	if err != nil {
		return nil, err
	}
	client, err := stun.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var ip net.IP
	var cbErr error
	err = client.Do(msg, func(res stun.Event) {
		if res.Error != nil {
			cbErr = res.Error
			return
		}
		var addr stun.XORMappedAddress
		if err := addr.GetFrom(res.Message); err != nil {
			cbErr = err
			return
		}
		ip = addr.IP
	})
	if err != nil {
		return nil, err
	}
	if cbErr != nil {
		return nil, cbErr
	}
	return ip, nil
}
