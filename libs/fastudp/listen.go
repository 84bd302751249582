package fastudp

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// ListenReusable opens a UDP socket with SO_REUSEADDR set where the platform
// supports it, so a restarted process can rebind its port immediately.
func ListenReusable(network, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %v", addr)
	}
	return pc.(*net.UDPConn), nil
}
