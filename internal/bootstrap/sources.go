package bootstrap

import (
	"context"

	ma "github.com/multiformats/go-multiaddr"
)

type PeerSource interface {
	// Discover returns candidate peers to connect to.
	Discover(ctx context.Context) ([]ma.Multiaddr, error)
	Name() string
}
