package p2p

import (
	"fmt"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/gossip"
	"p2ptest/internal/proto"
)

// SendRPC queues rpc on the peer's gossip stream. A peer whose queue is
// full is disconnected.
func (n *Node) SendRPC(to identity.PeerID, rpc *proto.RPC) error {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return ErrClosed
	}
	p, ok := n.peers[to]
	if !ok {
		n.mu.RUnlock()
		return fmt.Errorf("%w %s", ErrUnknownPeer, to.ShortString())
	}
	p.queued.Add(1)
	select {
	case p.sendCh <- rpc:
		n.mu.RUnlock()
		return nil
	default:
	}
	n.mu.RUnlock()

	p.queued.Add(-1)
	n.Logf("peer %s send buffer full, dropping", to.ShortString())
	go n.removePeer(p, ErrSendQueueFull)
	return fmt.Errorf("%w: %s", ErrSendQueueFull, to.ShortString())
}

func (n *Node) handleRPC(p *peer, rpc *proto.RPC) {
	for _, nt := range n.gossip.HandleRPC(p.id, rpc) {
		e := Event{PeerID: nt.Peer, PeerAddr: p.addr, Topic: nt.Topic, MessageID: nt.ID, Err: nt.Err}
		if nt.Message != nil {
			e.Author = identity.PeerID(nt.Message.From)
			e.Data = nt.Message.Data
		}
		switch nt.Kind {
		case gossip.NoticeMessage:
			e.Type = EventMessageReceived
		case gossip.NoticeSubscribed:
			e.Type = EventPeerSubscribed
		case gossip.NoticeUnsubscribed:
			e.Type = EventPeerUnsubscribed
		case gossip.NoticeDropped:
			e.Type = EventMessageDropped
			n.Logf("dropped message from %s on %q: %v", p.id.ShortString(), nt.Topic, nt.Err)
		}
		n.emit(e)
	}
}

var _ gossip.Sender = (*Node)(nil)
