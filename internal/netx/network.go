// Package netx provides the raw byte-stream transports: plain TCP and
// WebSocket-framed TCP, both addressed by multiaddr.
package netx

import (
	"context"
	"errors"
	"net"

	ma "github.com/multiformats/go-multiaddr"
)

var ErrUnsupportedAddr = errors.New("netx: unsupported address")

// Listener accepts raw connections for one listen address.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	// Multiaddr is the bound address, with the OS-chosen port filled in.
	Multiaddr() ma.Multiaddr
}

// Network opens listeners and dials for a set of transport kinds.
type Network interface {
	Listen(addr ma.Multiaddr) (Listener, error)
	Dial(ctx context.Context, addr ma.Multiaddr) (net.Conn, error)
}

type multiNetwork struct {
	byKind map[Kind]Network
}

// NewNetwork returns a Network that handles both TCP and WebSocket
// addresses, picking the variant from the address itself.
func NewNetwork() Network {
	return &multiNetwork{byKind: map[Kind]Network{
		KindTCP:       NewTCPNetwork(),
		KindWebSocket: NewWSNetwork(),
	}}
}

func (m *multiNetwork) pick(addr ma.Multiaddr) (Network, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	n, ok := m.byKind[ep.Kind]
	if !ok {
		return nil, ErrUnsupportedAddr
	}
	return n, nil
}

func (m *multiNetwork) Listen(addr ma.Multiaddr) (Listener, error) {
	n, err := m.pick(addr)
	if err != nil {
		return nil, err
	}
	return n.Listen(addr)
}

func (m *multiNetwork) Dial(ctx context.Context, addr ma.Multiaddr) (net.Conn, error) {
	n, err := m.pick(addr)
	if err != nil {
		return nil, err
	}
	return n.Dial(ctx, addr)
}
