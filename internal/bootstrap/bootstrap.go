// Package bootstrap dials an initial set of peers at startup.
package bootstrap

import (
	"context"
	"math/rand"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"p2ptest/internal/crypto/identity"
)

type Config struct {
	MaxConnectPerRound int
	PerAddrTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnectPerRound: 12,
		PerAddrTimeout:     20 * time.Second,
	}
}

// Dialer is the part of the node bootstrap needs.
type Dialer interface {
	Dial(ctx context.Context, addr ma.Multiaddr) (identity.PeerID, error)
	Logf(format string, args ...any)
}

// Result summarises one bootstrap round.
type Result struct {
	Connected []identity.PeerID
	Failed    map[string]error
}

// RunOnce gathers candidates from sources and attempts connections, each
// under its own timeout. Failures are collected, never fatal.
func RunOnce(ctx context.Context, d Dialer, cfg Config, sources ...PeerSource) Result {
	res := Result{Failed: make(map[string]error)}
	cands := make([]ma.Multiaddr, 0, 16)

	for _, s := range sources {
		addrs, err := s.Discover(ctx)
		if err != nil {
			d.Logf("[bootstrap] %s discover error: %v", s.Name(), err)
			continue
		}
		cands = append(cands, addrs...)
	}

	// Shuffle to avoid everyone hitting the same bootstrap in the same order.
	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

	seen := make(map[string]struct{}, len(cands))
	attempted := 0

	for _, a := range cands {
		if attempted >= cfg.MaxConnectPerRound || ctx.Err() != nil {
			break
		}
		key := a.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		attempted++

		dctx, cancel := context.WithTimeout(ctx, cfg.PerAddrTimeout)
		id, err := d.Dial(dctx, a)
		cancel()
		if err != nil {
			d.Logf("[bootstrap] dial %s failed: %v", key, err)
			res.Failed[key] = err
			continue
		}
		res.Connected = append(res.Connected, id)
	}
	return res
}
