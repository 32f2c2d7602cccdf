package netx

import (
	"fmt"
	"net"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
)

// Kind is the closed set of base transports.
type Kind uint8

const (
	KindTCP Kind = iota
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindWebSocket:
		return "ws"
	default:
		return "unknown"
	}
}

// Endpoint is a multiaddr broken down into what net.Dial needs.
type Endpoint struct {
	Kind     Kind
	Network  string // tcp, tcp4 or tcp6
	HostPort string
	// Peer is the raw /p2p/ value, empty when absent.
	Peer string
}

// ParseEndpoint accepts /<ip4|ip6|dns|dns4|dns6>/<host>/tcp/<port>, an
// optional /ws and an optional trailing /p2p/<id>.
func ParseEndpoint(m ma.Multiaddr) (Endpoint, error) {
	var (
		ep      Endpoint
		host    string
		port    string
		step    int
		problem error
	)
	ma.ForEach(m, func(c ma.Component) bool {
		code := c.Protocol().Code
		switch {
		case step == 0:
			switch code {
			case ma.P_IP4, ma.P_DNS4:
				ep.Network = "tcp4"
			case ma.P_IP6, ma.P_DNS6:
				ep.Network = "tcp6"
			case ma.P_DNS:
				ep.Network = "tcp"
			default:
				problem = fmt.Errorf("%w: %s: expected ip or dns component", ErrUnsupportedAddr, m)
				return false
			}
			host = c.Value()
		case step == 1:
			if code != ma.P_TCP {
				problem = fmt.Errorf("%w: %s: expected tcp component", ErrUnsupportedAddr, m)
				return false
			}
			port = c.Value()
		case code == ma.P_WS && step == 2:
			ep.Kind = KindWebSocket
		case code == ma.P_P2P && ep.Peer == "":
			ep.Peer = c.Value()
		default:
			problem = fmt.Errorf("%w: %s: unexpected /%s", ErrUnsupportedAddr, m, c.Protocol().Name)
			return false
		}
		step++
		return true
	})
	if problem != nil {
		return Endpoint{}, problem
	}
	if host == "" || port == "" {
		return Endpoint{}, fmt.Errorf("%w: %s: incomplete", ErrUnsupportedAddr, m)
	}
	ep.HostPort = net.JoinHostPort(host, port)
	return ep, nil
}

// ParseMultiaddr parses s, returning ErrUnsupportedAddr for addresses this
// package cannot serve.
func ParseMultiaddr(s string) (ma.Multiaddr, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedAddr, s, err)
	}
	if _, err := ParseEndpoint(m); err != nil {
		return nil, err
	}
	return m, nil
}

// fromNetAddr turns a bound listener address back into a multiaddr.
func fromNetAddr(a net.Addr, kind Kind) (ma.Multiaddr, error) {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAddr, a)
	}
	family := "ip6"
	if tcp.IP.To4() != nil {
		family = "ip4"
	}
	s := "/" + family + "/" + tcp.IP.String() + "/tcp/" + strconv.Itoa(tcp.Port)
	if kind == KindWebSocket {
		s += "/ws"
	}
	return ma.NewMultiaddr(s)
}
