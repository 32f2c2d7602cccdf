package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/multiformats/go-multistream"

	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/proto"
	"p2ptest/internal/transport"
)

const streamSetupTimeout = 10 * time.Second

// attach registers an upgraded connection as a peer: it starts accepting
// the remote's streams, opens our own gossip stream and tells the overlay.
func (n *Node) attach(conn *transport.Conn, addr string) (identity.PeerID, error) {
	id := conn.RemotePeer
	if id == n.kp.ID {
		_ = conn.Close()
		return "", ErrDialSelf
	}

	pctx, cancel := context.WithCancel(n.ctx)
	p := &peer{
		id:       id,
		addr:     addr,
		outbound: conn.Outbound,
		conn:     conn,
		sendCh:   make(chan *proto.RPC, n.cfg.SendBuffer),
		ctx:      pctx,
		cancel:   cancel,
		drain:    make(chan struct{}),
		wdone:    make(chan struct{}),
	}

	kept, replaced := n.addPeer(p)
	if !kept {
		cancel()
		_ = conn.Close()
		if n.isClosed() {
			return "", ErrClosed
		}
		// keep the connection we already have
		return id, nil
	}
	if replaced != nil {
		n.removePeer(replaced, errReplaced)
	} else {
		n.emit(Event{Type: EventPeerConnected, PeerID: id, PeerAddr: addr})
	}

	go func() {
		defer n.wg.Done()
		n.acceptStreams(p)
	}()

	st, err := n.openGossipStream(p)
	if err != nil {
		n.wg.Done() // the writeLoop that never started
		close(p.wdone)
		n.removePeer(p, err)
		if n.hasPeer(id) {
			// lost a simultaneous-dial tie-break; the other connection stands
			return id, nil
		}
		return "", fmt.Errorf("open gossip stream to %s: %w", id.ShortString(), err)
	}
	go func() {
		defer n.wg.Done()
		p.writeLoop(n, st)
	}()

	n.gossip.AddPeer(id)
	n.Logf("connected to peer id=%s addr=%s outbound=%v muxer=%s", id.ShortString(), addr, conn.Outbound, conn.Muxer)
	return id, nil
}

func (n *Node) openGossipStream(p *peer) (transport.MuxedStream, error) {
	ctx, cancel := context.WithTimeout(p.ctx, streamSetupTimeout)
	defer cancel()

	st, err := p.conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	_ = st.SetDeadline(time.Now().Add(streamSetupTimeout))
	if _, err := multistream.SelectOneOf([]string{proto.GossipProtocolID}, st); err != nil {
		_ = st.Reset()
		return nil, err
	}
	_ = st.SetDeadline(time.Time{})
	return st, nil
}

func (n *Node) acceptStreams(p *peer) {
	for {
		st, err := p.conn.AcceptStream()
		if err != nil {
			n.removePeer(p, err)
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleStream(p, st)
		}()
	}
}

func (n *Node) handleStream(p *peer, st transport.MuxedStream) {
	defer st.Close()

	_ = st.SetDeadline(time.Now().Add(streamSetupTimeout))
	protocol, _, err := n.streams.Negotiate(st)
	if err != nil {
		n.Logf("stream negotiation with %s failed: %v", p.id.ShortString(), err)
		_ = st.Reset()
		return
	}
	_ = st.SetDeadline(time.Time{})

	if protocol == proto.GossipProtocolID {
		n.runGossipReadLoop(p, st)
	}
}

func (n *Node) runGossipReadLoop(p *peer, st transport.MuxedStream) {
	r := bufio.NewReader(st)
	for {
		var rpc proto.RPC
		if err := proto.ReadFrame(r, &rpc); err != nil {
			if errors.Is(err, io.EOF) || p.ctx.Err() != nil {
				return
			}
			n.Logf("read from %s failed: %v", p.id.ShortString(), err)
			n.emit(Event{Type: EventMessageDropped, PeerID: p.id, PeerAddr: p.addr, Err: err})
			_ = st.Reset()
			return
		}
		if !n.isCurrent(p) {
			return
		}
		n.handleRPC(p, &rpc)
	}
}
