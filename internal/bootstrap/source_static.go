package bootstrap

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"p2ptest/internal/netx"
)

type StaticSource struct {
	Addrs []ma.Multiaddr
	Label string
}

// ParseStatic builds a StaticSource from address strings, rejecting any
// the transports cannot dial.
func ParseStatic(label string, addrs []string) (StaticSource, error) {
	s := StaticSource{Label: label}
	for _, a := range addrs {
		m, err := netx.ParseMultiaddr(a)
		if err != nil {
			return StaticSource{}, fmt.Errorf("bootstrap address: %w", err)
		}
		s.Addrs = append(s.Addrs, m)
	}
	return s, nil
}

func (s StaticSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "static"
}

func (s StaticSource) Discover(ctx context.Context) ([]ma.Multiaddr, error) {
	return append([]ma.Multiaddr(nil), s.Addrs...), nil
}
