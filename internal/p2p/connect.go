package p2p

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/netx"
)

// Dial connects to addr and returns once the peer is fully attached. A
// trailing /p2p/<id> must match the identity the remote proves.
func (n *Node) Dial(ctx context.Context, addr ma.Multiaddr) (identity.PeerID, error) {
	if n.isClosed() {
		return "", ErrClosed
	}
	ep, err := netx.ParseEndpoint(addr)
	if err != nil {
		return "", err
	}

	var expected identity.PeerID
	if ep.Peer != "" {
		expected, err = identity.DecodePeerID(ep.Peer)
		if err != nil {
			return "", fmt.Errorf("dial %s: %w", addr, err)
		}
		if expected == n.kp.ID {
			return "", ErrDialSelf
		}
		if n.hasPeer(expected) {
			return expected, nil
		}
	}

	raw, err := n.cfg.Network.Dial(ctx, addr)
	if err != nil {
		n.Logf("dial %s failed: %v", addr, err)
		n.emit(Event{Type: EventConnectionError, PeerID: expected, PeerAddr: addr.String(), Err: err})
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	conn, err := n.cfg.Upgrader.UpgradeOutbound(ctx, raw, expected)
	if err != nil {
		n.Logf("outbound upgrade to %s failed: %v", addr, err)
		n.emit(Event{Type: EventConnectionError, PeerID: expected, PeerAddr: addr.String(), Err: err})
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	return n.attach(conn, addr.String())
}
