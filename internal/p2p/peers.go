package p2p

import (
	"slices"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/telemetry"
)

// addPeer registers p unless the node is closed. When a connection to the
// same peer already exists, exactly one survives: the one dialed by the
// side with the lower peer id, so both ends make the same choice. If p
// wins, the loser is returned for the caller to remove. addPeer reserves
// the peer's two goroutines when it keeps p.
func (n *Node) addPeer(p *peer) (kept bool, replaced *peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false, nil
	}
	if cur, exists := n.peers[p.id]; exists {
		if !n.preferred(p, cur) {
			return false, nil
		}
		replaced = cur
	}
	n.peers[p.id] = p
	n.wg.Add(2)
	telemetry.ConnectedPeers.Set(float64(len(n.peers)))
	return true, replaced
}

// preferred reports whether p should replace cur, a connection to the same
// peer. The connection whose dialer has the lower id wins.
func (n *Node) preferred(p, cur *peer) bool {
	if p.outbound == cur.outbound {
		return false
	}
	selfLower := n.kp.ID < p.id
	return p.outbound == selfLower
}

// removePeer tears p down once. Only the registered connection for an id
// updates the overlay and reports a disconnect; a connection that lost a
// tie-break goes quietly.
func (n *Node) removePeer(p *peer, cause error) {
	p.once.Do(func() {
		n.mu.Lock()
		current := n.peers[p.id] == p
		if current {
			delete(n.peers, p.id)
			// under n.mu so a replacement cannot register in between
			n.gossip.RemovePeer(p.id)
		}
		count := len(n.peers)
		n.mu.Unlock()

		p.cancel()
		_ = p.conn.Close()
		n.Logf("peer %s disconnected: %v", p.id.ShortString(), cause)
		if !current {
			return
		}
		telemetry.ConnectedPeers.Set(float64(count))
		n.emit(Event{Type: EventPeerDisconnected, PeerID: p.id, PeerAddr: p.addr, Err: cause})
	})
}

func (n *Node) hasPeer(id identity.PeerID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.peers[id]
	return ok
}

// isCurrent reports whether p is still the registered connection for its id.
func (n *Node) isCurrent(p *peer) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[p.id] == p
}

// PeerCount returns the current number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerIDs returns a sorted snapshot of current peer IDs.
func (n *Node) PeerIDs() []identity.PeerID {
	n.mu.RLock()
	ids := make([]identity.PeerID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	n.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (n *Node) Peers() []PeerSnapshot {
	n.mu.RLock()
	out := make([]PeerSnapshot, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, PeerSnapshot{
			ID:       p.id,
			Addr:     p.addr,
			Outbound: p.outbound,
			Muxer:    p.conn.Muxer,
		})
	}
	n.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerSnapshot) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
