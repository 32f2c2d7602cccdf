package p2p

import (
	"net"

	"p2ptest/internal/netx"
)

func (n *Node) acceptLoop(l netx.Listener) {
	defer n.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
			}
			if n.isClosed() {
				return
			}
			n.Logf("accept error on %s: %v", l.Multiaddr(), err)
			n.emit(Event{Type: EventListenError, PeerAddr: l.Multiaddr().String(), Err: err})
			return
		}

		n.wg.Add(1)
		go func(c net.Conn) {
			defer n.wg.Done()
			n.handleInbound(c)
		}(conn)
	}
}

func (n *Node) handleInbound(raw net.Conn) {
	conn, err := n.cfg.Upgrader.UpgradeInbound(n.ctx, raw)
	if err != nil {
		n.Logf("inbound upgrade from %s failed: %v", raw.RemoteAddr(), err)
		n.emit(Event{Type: EventConnectionError, PeerAddr: raw.RemoteAddr().String(), Err: err})
		return
	}
	if _, err := n.attach(conn, raw.RemoteAddr().String()); err != nil {
		n.Logf("inbound attach from %s failed: %v", raw.RemoteAddr(), err)
		n.emit(Event{Type: EventConnectionError, PeerID: conn.RemotePeer, PeerAddr: raw.RemoteAddr().String(), Err: err})
	}
}
