package netx

import (
	"context"
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
)

type tcpNetwork struct{}

// NewTCPNetwork serves plain /tcp addresses.
func NewTCPNetwork() Network {
	return tcpNetwork{}
}

func (tcpNetwork) Listen(addr ma.Multiaddr) (Listener, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	if ep.Kind != KindTCP {
		return nil, fmt.Errorf("%w: %s is not a tcp address", ErrUnsupportedAddr, addr)
	}
	l, err := net.Listen(ep.Network, ep.HostPort)
	if err != nil {
		return nil, err
	}
	bound, err := fromNetAddr(l.Addr(), KindTCP)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	return &tcpListener{Listener: l, addr: bound}, nil
}

func (tcpNetwork) Dial(ctx context.Context, addr ma.Multiaddr) (net.Conn, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, ep.Network, ep.HostPort)
}

type tcpListener struct {
	net.Listener
	addr ma.Multiaddr
}

func (l *tcpListener) Multiaddr() ma.Multiaddr { return l.addr }
